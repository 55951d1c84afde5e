package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/engine/resolve"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/platform/backoff"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
	"github.com/ehr/ehrsync/internal/platform/scopelock"
	"github.com/ehr/ehrsync/internal/platform/worker"
	"github.com/ehr/ehrsync/internal/provider"
)

// ConflictRecorder stores detected conflicts with their resolution.
type ConflictRecorder interface {
	Record(ctx context.Context, c *conflict.Conflict, res *resolve.Resolution) error
	List(ctx context.Context, f conflict.Filter, limit, offset int) ([]*conflict.Conflict, int, error)
}

// Settings bound job execution.
type Settings struct {
	BatchSize  int
	MaxBatches int
	MaxRetries int
	JobTimeout time.Duration
	// LockRetryDelay is how long a job waits before retrying a held scope.
	LockRetryDelay time.Duration
	Retry          backoff.Policy
}

func (s *Settings) defaults() {
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.MaxBatches <= 0 {
		s.MaxBatches = 1000
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.JobTimeout <= 0 {
		s.JobTimeout = 30 * time.Minute
	}
	if s.LockRetryDelay <= 0 {
		s.LockRetryDelay = 5 * time.Second
	}
	if s.Retry.Base <= 0 {
		s.Retry = backoff.New(2*time.Second, 5*time.Minute)
	}
}

// Executor runs jobs from the sync lane.
type Executor struct {
	jobs       syncjob.Repository
	conns      Connections
	records    record.Repository
	conflicts  ConflictRecorder
	transforms *transform.Engine
	rules      *transform.Registry
	resolver   *resolve.Engine
	policy     resolve.Policy
	locker     scopelock.Locker
	publisher  events.Publisher
	settings   Settings
	logger     zerolog.Logger
	now        func() time.Time
}

// ExecutorDeps groups the collaborators of an Executor.
type ExecutorDeps struct {
	Jobs       syncjob.Repository
	Conns      Connections
	Records    record.Repository
	Conflicts  ConflictRecorder
	Transforms *transform.Engine
	Rules      *transform.Registry
	Resolver   *resolve.Engine
	Policy     resolve.Policy
	Locker     scopelock.Locker
	Publisher  events.Publisher
}

func NewExecutor(deps ExecutorDeps, settings Settings, logger zerolog.Logger) *Executor {
	settings.defaults()
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Transforms == nil {
		deps.Transforms = transform.NewEngine(nil)
	}
	if deps.Resolver == nil {
		deps.Resolver = resolve.NewEngine(nil)
	}
	if deps.Policy.Default == "" {
		deps.Policy = resolve.NewPolicy("", deps.Policy.Entities)
	}
	return &Executor{
		jobs:       deps.Jobs,
		conns:      deps.Conns,
		records:    deps.Records,
		conflicts:  deps.Conflicts,
		transforms: deps.Transforms,
		rules:      deps.Rules,
		resolver:   deps.Resolver,
		policy:     deps.Policy,
		locker:     deps.Locker,
		publisher:  deps.Publisher,
		settings:   settings,
		logger:     logger.With().Str("component", "executor").Logger(),
		now:        time.Now,
	}
}

var errCancelled = errors.New("job cancelled")

// Handle is the sync-lane handler.
func (x *Executor) Handle(ctx context.Context, m *queue.Message) error {
	var p jobPayload
	if err := m.Decode(&p); err != nil {
		return fmt.Errorf("decode job message: %w", err)
	}
	job, err := x.jobs.GetByID(ctx, p.JobID)
	if errors.Is(err, syncjob.ErrNotFound) {
		x.logger.Warn().Str("job_id", p.JobID.String()).Msg("dropping message for unknown job")
		return nil
	}
	if err != nil {
		return worker.RetryAfter(x.settings.LockRetryDelay, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	lock, err := x.locker.TryAcquire(ctx, job.LockScope(), x.settings.JobTimeout+time.Minute)
	if err != nil {
		if errors.Is(err, scopelock.ErrLocked) {
			x.logger.Debug().Str("job_id", job.ID.String()).Str("scope", job.LockScope().String()).Msg("scope busy, requeueing")
		}
		return worker.RetryAfter(x.settings.LockRetryDelay, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			x.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("release scope lock")
		}
	}()

	job, err = x.jobs.Transition(ctx, job.ID,
		[]syncjob.Status{syncjob.StatusPending, syncjob.StatusQueued, syncjob.StatusRetrying},
		syncjob.StatusProcessing)
	if errors.Is(err, syncjob.ErrStaleStatus) {
		return nil
	}
	if err != nil {
		return worker.RetryAfter(x.settings.LockRetryDelay, err)
	}
	x.logTransition(job)
	x.publish(ctx, events.JobStatusChanged, job)

	runCtx, cancel := context.WithTimeout(ctx, x.settings.JobTimeout)
	defer cancel()
	runErr := x.run(runCtx, job)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = syncerr.Wrap(runErr, syncerr.Timeout, fmt.Sprintf("job exceeded its %s budget", x.settings.JobTimeout))
	}
	return x.finish(context.WithoutCancel(ctx), ctx.Err() != nil, job, runErr)
}

func (x *Executor) finish(ctx context.Context, shuttingDown bool, job *syncjob.Job, runErr error) error {
	now := x.now().UTC()
	switch {
	case runErr == nil:
		job.Status = syncjob.StatusCompleted
		job.FinishedAt = &now
	case errors.Is(runErr, errCancelled):
		job.Status = syncjob.StatusCancelled
		job.FinishedAt = &now
	case shuttingDown:
		// Hand the job back so another worker picks it up.
		job.Status = syncjob.StatusQueued
		if err := x.jobs.Update(ctx, job); err != nil {
			x.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("requeue job on shutdown")
		}
		return worker.RetryAfter(0, runErr)
	case syncerr.IsRetryable(runErr) && job.Retries < x.settings.MaxRetries:
		job.Retries++
		job.Fail(string(syncerr.ClassOf(runErr)), runErr.Error())
		job.Status = syncjob.StatusRetrying
		if err := x.jobs.Update(ctx, job); err != nil {
			return x.stale(job, err)
		}
		x.logTransition(job)
		x.publish(ctx, events.JobStatusChanged, job)
		if queued, err := x.jobs.Transition(ctx, job.ID, []syncjob.Status{syncjob.StatusRetrying}, syncjob.StatusQueued); err == nil {
			x.logTransition(queued)
			x.publish(ctx, events.JobStatusChanged, queued)
		}
		delay := x.settings.Retry.Delay(job.Retries-1, syncerr.RetryAfter(runErr))
		return worker.RetryAfter(delay, runErr)
	default:
		job.Fail(string(syncerr.ClassOf(runErr)), runErr.Error())
		job.Status = syncjob.StatusFailed
		job.FinishedAt = &now
	}

	if err := x.jobs.Update(ctx, job); err != nil {
		return x.stale(job, err)
	}
	x.logTransition(job)
	switch job.Status {
	case syncjob.StatusCompleted:
		x.publish(ctx, events.JobCompleted, job)
	case syncjob.StatusFailed:
		x.publish(ctx, events.JobFailed, job)
	default:
		x.publish(ctx, events.JobStatusChanged, job)
	}
	return nil
}

func (x *Executor) stale(job *syncjob.Job, err error) error {
	if errors.Is(err, syncjob.ErrStaleStatus) {
		x.logger.Info().Str("job_id", job.ID.String()).Msg("job finished elsewhere")
		return nil
	}
	return fmt.Errorf("store job %s: %w", job.ID, err)
}

func (x *Executor) logTransition(job *syncjob.Job) {
	ev := x.logger.Info()
	if job.Status == syncjob.StatusFailed {
		ev = x.logger.Error()
	}
	if job.LastError != nil && job.Status != syncjob.StatusCompleted {
		ev = ev.Str("error", *job.LastError).Str("error_class", job.ErrorClass)
	}
	ev.Str("job_id", job.ID.String()).
		Str("status", string(job.Status)).
		Str("connection_id", job.ConnectionID.String()).
		Int("processed", job.Result.Processed).
		Msg("job status changed")
}

func (x *Executor) publish(ctx context.Context, typ string, job *syncjob.Job) {
	publish(ctx, x.publisher, x.logger, typ, job)
}

// checkpoint persists progress and reports cancellation. It runs before
// every batch.
func (x *Executor) checkpoint(ctx context.Context, job *syncjob.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := x.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, syncjob.ErrStaleStatus) {
			return errCancelled
		}
		return err
	}
	if job.CancelRequested {
		return errCancelled
	}
	return nil
}

// jobRun carries the per-execution state of one job.
type jobRun struct {
	job     *syncjob.Job
	conn    *connection.Connection
	adapter provider.Adapter
	batches int
}

func (x *Executor) run(ctx context.Context, job *syncjob.Job) error {
	conn, err := x.conns.Active(ctx, job.ConnectionID)
	if err != nil {
		return err
	}
	adapter, err := x.conns.Adapter(conn)
	if err != nil {
		return err
	}
	r := &jobRun{job: job, conn: conn, adapter: adapter}

	entities, err := x.entityTypes(r)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return syncerr.New(syncerr.InvalidScope, "no active rule sets for provider %q", conn.Provider)
	}

	var since *time.Time
	if job.Type == syncjob.IncrementalSync {
		last, err := x.jobs.LastCompleted(ctx, job.ConnectionID, job.Scope)
		switch {
		case err == nil && last.FinishedAt != nil:
			since = last.FinishedAt
		case err != nil && !errors.Is(err, syncjob.ErrNotFound):
			return err
		}
	}

	if job.Direction == syncjob.Inbound || job.Direction == syncjob.Bidirectional {
		for _, c := range entities {
			if err := x.inbound(ctx, r, c, since); err != nil {
				return err
			}
		}
	}
	if job.Direction == syncjob.Outbound || job.Direction == syncjob.Bidirectional {
		for _, c := range entities {
			if err := x.outbound(ctx, r, c); err != nil {
				return err
			}
		}
	}
	// Final checkpoint so cancellation during the last batch is honored.
	return x.checkpoint(ctx, job)
}

// entityTypes returns the rule sets the job covers. A scoped entity type
// must have a rule set; connection-wide jobs skip types without one.
func (x *Executor) entityTypes(r *jobRun) ([]*transform.Compiled, error) {
	if et := r.job.Scope.EntityType; et != "" {
		c, ok := x.rules.Get(r.conn.Provider, et)
		if !ok {
			return nil, syncerr.New(syncerr.InvalidScope, "no active rule set for %s/%s", r.conn.Provider, et)
		}
		return []*transform.Compiled{c}, nil
	}
	var out []*transform.Compiled
	for _, et := range syncjob.EntityTypes {
		if c, ok := x.rules.Get(r.conn.Provider, et); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (x *Executor) nextBatch(ctx context.Context, r *jobRun) (bool, error) {
	if err := x.checkpoint(ctx, r.job); err != nil {
		return false, err
	}
	if r.batches >= x.settings.MaxBatches {
		x.logger.Warn().Str("job_id", r.job.ID.String()).Int("batches", r.batches).Msg("batch ceiling reached")
		return false, nil
	}
	r.batches++
	r.job.Result.Batches++
	return true, nil
}

// recordError appends a per-record failure to the job.
func (x *Executor) recordError(ctx context.Context, r *jobRun, recordID string, err error, extra map[string]any) {
	r.job.Result.Failed++
	e := &syncjob.SyncError{
		JobID:    r.job.ID,
		Class:    string(syncerr.ClassOf(err)),
		Message:  err.Error(),
		RecordID: recordID,
		Context:  extra,
	}
	if aerr := x.jobs.AddError(ctx, e); aerr != nil {
		x.logger.Error().Err(aerr).Str("job_id", r.job.ID.String()).Msg("store sync error")
	}
	x.logger.Warn().Err(err).
		Str("job_id", r.job.ID.String()).
		Str("record_id", recordID).
		Str("class", e.Class).
		Msg("record failed")
}

// jobFatal reports whether a provider error aborts the job instead of
// failing one record.
func jobFatal(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch syncerr.ClassOf(err) {
	case syncerr.AuthenticationFailed, syncerr.RateLimited, syncerr.NetworkTimeout, syncerr.ConnectionInactive, syncerr.Timeout:
		return true
	}
	return false
}
