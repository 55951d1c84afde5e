package syncjob

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a job or schedule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleStatus is returned when a conditional write finds the job in
	// a status it did not expect.
	ErrStaleStatus = errors.New("job status changed concurrently")
)

// Repository persists jobs and their errors.
type Repository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// Update writes the progress fields of a job that is not yet terminal.
	// It returns ErrStaleStatus when the stored job is already terminal.
	Update(ctx context.Context, job *Job) error
	// Transition moves a job to status "to" if its stored status is one of
	// from, and returns the updated job.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Job, error)
	// RequestCancel flags a non-terminal job for cancellation. Jobs not yet
	// processing are cancelled at once; a processing job stops at its next
	// checkpoint. A terminal job yields ErrStaleStatus.
	RequestCancel(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Job, int, error)
	// LastCompleted returns the most recently finished completed job for a
	// connection and scope.
	LastCompleted(ctx context.Context, connectionID uuid.UUID, scope Scope) (*Job, error)

	AddError(ctx context.Context, e *SyncError) error
	ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*SyncError, int, error)

	Aggregate(ctx context.Context, since time.Time) (*Aggregate, error)
}

// ScheduleRepository persists recurring triggers.
type ScheduleRepository interface {
	// Upsert stores s, replacing the schedule of the same connection and
	// scope if there is one; the replaced schedule's ID is kept.
	Upsert(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id uuid.UUID) (*Schedule, error)
	List(ctx context.Context, connectionID *uuid.UUID, limit, offset int) ([]*Schedule, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	MarkRun(ctx context.Context, id uuid.UUID, jobID uuid.UUID, ranAt, next time.Time) error
}
