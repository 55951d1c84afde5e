// Package orchestrator creates, schedules and executes sync jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
	"github.com/ehr/ehrsync/internal/platform/webhook"
	"github.com/ehr/ehrsync/internal/provider"
)

// Connections resolves the connection a job runs against.
type Connections interface {
	Active(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
	Adapter(c *connection.Connection) (provider.Adapter, error)
}

// jobPayload is the sync-lane message body.
type jobPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// JobRequest describes a job to create.
type JobRequest struct {
	Type         syncjob.Type      `json:"type"`
	Direction    syncjob.Direction `json:"direction"`
	Priority     queue.Priority    `json:"priority"`
	ConnectionID uuid.UUID         `json:"connection_id"`
	Scope        syncjob.Scope     `json:"scope"`
}

// ScheduleRequest describes a recurring trigger.
type ScheduleRequest struct {
	JobRequest
	Cadence string `json:"cadence"`
}

type Service struct {
	jobs       syncjob.Repository
	schedules  syncjob.ScheduleRepository
	conns      Connections
	broker     queue.Broker
	publisher  events.Publisher
	maxRetries int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(jobs syncjob.Repository, schedules syncjob.ScheduleRepository, conns Connections, broker queue.Broker, publisher events.Publisher, maxRetries int, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		jobs:       jobs,
		schedules:  schedules,
		conns:      conns,
		broker:     broker,
		publisher:  publisher,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

func (r *JobRequest) normalize() error {
	if _, err := syncjob.ParseType(string(r.Type)); err != nil {
		return syncerr.Wrap(err, syncerr.InvalidScope, "job type")
	}
	dir, err := syncjob.ParseDirection(string(r.Direction))
	if err != nil {
		return syncerr.Wrap(err, syncerr.InvalidScope, "job direction")
	}
	r.Direction = dir
	if r.Type == syncjob.WebhookTriggered && dir != syncjob.Inbound {
		return syncerr.New(syncerr.InvalidScope, "%s jobs are inbound only", r.Type)
	}
	if r.Priority < queue.PriorityCritical || r.Priority > queue.PriorityBackground {
		return syncerr.New(syncerr.InvalidScope, "invalid priority %d", r.Priority)
	}
	if r.ConnectionID == uuid.Nil {
		return syncerr.New(syncerr.InvalidScope, "connection_id is required")
	}
	if err := r.Scope.Validate(r.Type); err != nil {
		return syncerr.Wrap(err, syncerr.InvalidScope, "job scope")
	}
	return nil
}

// CreateJob validates the request, stores a pending job and enqueues it.
func (s *Service) CreateJob(ctx context.Context, req JobRequest) (*syncjob.Job, error) {
	return s.create(ctx, req, 1, nil, nil)
}

func (s *Service) create(ctx context.Context, req JobRequest, attempt int, parent, schedule *uuid.UUID) (*syncjob.Job, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	conn, err := s.conns.Active(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}

	job := &syncjob.Job{
		ID:           uuid.New(),
		Type:         req.Type,
		Direction:    req.Direction,
		Priority:     req.Priority,
		Status:       syncjob.StatusPending,
		Provider:     conn.Provider,
		ConnectionID: conn.ID,
		Scope:        req.Scope,
		Attempt:      attempt,
		ParentJobID:  parent,
		ScheduleID:   schedule,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	s.publish(ctx, events.JobCreated, job)

	m, err := queue.NewMessage(queue.LaneSync, job.Priority, jobPayload{JobID: job.ID})
	if err == nil {
		_, err = s.broker.Enqueue(ctx, m)
	}
	if err != nil {
		job.Fail(string(syncerr.Internal), "enqueue: "+err.Error())
		job.Status = syncjob.StatusFailed
		now := s.now().UTC()
		job.FinishedAt = &now
		_ = s.jobs.Update(ctx, job)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	// A fast worker may already have picked the job up.
	queued, err := s.jobs.Transition(ctx, job.ID, []syncjob.Status{syncjob.StatusPending}, syncjob.StatusQueued)
	switch {
	case err == nil:
		job = queued
		s.publish(ctx, events.JobStatusChanged, job)
	case !errors.Is(err, syncjob.ErrStaleStatus):
		return nil, fmt.Errorf("queue job: %w", err)
	}
	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("type", string(job.Type)).
		Str("connection_id", job.ConnectionID.String()).
		Str("scope", job.Scope.String()).
		Msg("job created")
	return job, nil
}

// TriggerWebhookSync turns an accepted inbound webhook into a job.
func (s *Service) TriggerWebhookSync(ctx context.Context, req webhook.TriggerRequest) (uuid.UUID, error) {
	job, err := s.CreateJob(ctx, JobRequest{
		Type:         syncjob.WebhookTriggered,
		Direction:    syncjob.Inbound,
		Priority:     queue.PriorityHigh,
		ConnectionID: req.ConnectionID,
		Scope: syncjob.Scope{
			EntityType: req.EntityType,
			ResourceID: req.ResourceID,
			PatientID:  req.PatientID,
		},
	})
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// CancelJob stops a job. Jobs that are not yet running are cancelled at
// once; a running job stops at its next batch checkpoint.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (*syncjob.Job, error) {
	job, err := s.jobs.RequestCancel(ctx, id)
	switch {
	case errors.Is(err, syncjob.ErrNotFound):
		return nil, syncerr.New(syncerr.NotFound, "job %s not found", id)
	case errors.Is(err, syncjob.ErrStaleStatus):
		return nil, syncerr.New(syncerr.JobNotCancellable, "job %s is already finished", id)
	case err != nil:
		return nil, err
	}
	if job.Status == syncjob.StatusCancelled {
		s.publish(ctx, events.JobStatusChanged, job)
	}
	s.logger.Info().Str("job_id", id.String()).Str("status", string(job.Status)).Msg("job cancellation requested")
	return job, nil
}

// RetryJob creates a new attempt of a failed job.
func (s *Service) RetryJob(ctx context.Context, id uuid.UUID) (*syncjob.Job, error) {
	job, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != syncjob.StatusFailed {
		return nil, syncerr.New(syncerr.JobNotRetryable, "job %s is %s; only failed jobs can be retried", id, job.Status)
	}
	if job.Attempt >= s.maxRetries {
		return nil, syncerr.New(syncerr.RetryLimitExceeded, "job %s reached the retry ceiling of %d attempts", id, s.maxRetries)
	}
	return s.create(ctx, JobRequest{
		Type:         job.Type,
		Direction:    job.Direction,
		Priority:     job.Priority,
		ConnectionID: job.ConnectionID,
		Scope:        job.Scope,
	}, job.Attempt+1, &job.ID, job.ScheduleID)
}

func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*syncjob.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if errors.Is(err, syncjob.ErrNotFound) {
		return nil, syncerr.New(syncerr.NotFound, "job %s not found", id)
	}
	return job, err
}

func (s *Service) ListJobs(ctx context.Context, f syncjob.Filter, limit, offset int) ([]*syncjob.Job, int, error) {
	return s.jobs.List(ctx, f, limit, offset)
}

func (s *Service) ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*syncjob.SyncError, int, error) {
	if _, err := s.GetStatus(ctx, jobID); err != nil {
		return nil, 0, err
	}
	return s.jobs.ListErrors(ctx, jobID, limit, offset)
}

// GetStatistics summarizes jobs created within the window.
func (s *Service) GetStatistics(ctx context.Context, window time.Duration) (*syncjob.Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := s.now().UTC().Add(-window)
	agg, err := s.jobs.Aggregate(ctx, since)
	if err != nil {
		return nil, err
	}
	return syncjob.Summarize(agg, window, since), nil
}

// ScheduleRecurring registers a trigger that creates a job every cadence.
// Registering again for the same connection and scope replaces the
// previous schedule.
func (s *Service) ScheduleRecurring(ctx context.Context, req ScheduleRequest) (*syncjob.Schedule, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	interval, err := time.ParseDuration(req.Cadence)
	if err != nil || interval < time.Second {
		return nil, syncerr.New(syncerr.InvalidScope, "cadence %q must be a duration of at least 1s", req.Cadence)
	}
	if _, err := s.conns.Active(ctx, req.ConnectionID); err != nil {
		return nil, err
	}
	sched := &syncjob.Schedule{
		ConnectionID: req.ConnectionID,
		Type:         req.Type,
		Direction:    req.Direction,
		Priority:     req.Priority,
		Scope:        req.Scope,
		Interval:     interval,
		Cadence:      interval.String(),
		Enabled:      true,
		NextRunAt:    s.now().UTC().Add(interval),
	}
	if err := s.schedules.Upsert(ctx, sched); err != nil {
		return nil, fmt.Errorf("store schedule: %w", err)
	}
	s.logger.Info().
		Str("schedule_id", sched.ID.String()).
		Str("connection_id", sched.ConnectionID.String()).
		Str("scope", sched.ScopeKey()).
		Str("cadence", sched.Cadence).
		Msg("schedule registered")
	return sched, nil
}

func (s *Service) Unschedule(ctx context.Context, id uuid.UUID) error {
	err := s.schedules.Delete(ctx, id)
	if errors.Is(err, syncjob.ErrNotFound) {
		return syncerr.New(syncerr.NotFound, "schedule %s not found", id)
	}
	return err
}

func (s *Service) ListSchedules(ctx context.Context, connectionID *uuid.UUID, limit, offset int) ([]*syncjob.Schedule, int, error) {
	return s.schedules.List(ctx, connectionID, limit, offset)
}

func (s *Service) publish(ctx context.Context, typ string, job *syncjob.Job) {
	publish(ctx, s.publisher, s.logger, typ, job)
}

func publish(ctx context.Context, p events.Publisher, logger zerolog.Logger, typ string, job *syncjob.Job) {
	data := map[string]any{
		"type":      job.Type,
		"direction": job.Direction,
		"scope":     job.Scope,
		"attempt":   job.Attempt,
		"result":    job.Result,
	}
	if job.LastError != nil {
		data["error"] = *job.LastError
		data["error_class"] = job.ErrorClass
	}
	ev := events.New(typ, job.ID.String(), job.ConnectionID.String(), string(job.Status), data)
	if err := p.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("event", typ).Str("job_id", job.ID.String()).Msg("publish job event")
	}
}
