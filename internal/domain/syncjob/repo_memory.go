package syncjob

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository used by tests and by
// DATABASE_URL=memory deployments.
type MemoryRepo struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
	errors map[uuid.UUID][]*SyncError
	now    func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		jobs:   make(map[uuid.UUID]*Job),
		errors: make(map[uuid.UUID][]*SyncError),
		now:    time.Now,
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.LastError != nil {
		msg := *j.LastError
		c.LastError = &msg
	}
	return &c
}

func (r *MemoryRepo) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := r.now()
	j.CreatedAt, j.UpdatedAt = now, now
	r.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *MemoryRepo) Update(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrStaleStatus
	}
	cur.Status = j.Status
	cur.Attempt = j.Attempt
	cur.Retries = j.Retries
	cur.LastError = j.LastError
	cur.ErrorClass = j.ErrorClass
	cur.Result = j.Result
	cur.StartedAt = j.StartedAt
	cur.FinishedAt = j.FinishedAt
	cur.UpdatedAt = r.now()
	j.UpdatedAt = cur.UpdatedAt
	j.CancelRequested = cur.CancelRequested
	return nil
}

func (r *MemoryRepo) Transition(_ context.Context, id uuid.UUID, from []Status, to Status) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if cur.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrStaleStatus
	}
	now := r.now()
	cur.Status = to
	if to == StatusProcessing && cur.StartedAt == nil {
		cur.StartedAt = &now
	}
	if to.Terminal() {
		cur.FinishedAt = &now
	}
	cur.UpdatedAt = now
	return cloneJob(cur), nil
}

func (r *MemoryRepo) RequestCancel(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil, ErrStaleStatus
	}
	now := r.now()
	cur.CancelRequested = true
	if cur.Status != StatusProcessing {
		cur.Status = StatusCancelled
		cur.FinishedAt = &now
	}
	cur.UpdatedAt = now
	return cloneJob(cur), nil
}

func (r *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Job, int, error) {
	r.mu.RLock()
	var matched []*Job
	for _, j := range r.jobs {
		if f.Match(j) {
			matched = append(matched, cloneJob(j))
		}
	}
	r.mu.RUnlock()

	sortJobs(matched)
	total := len(matched)
	if offset >= total {
		return []*Job{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *MemoryRepo) LastCompleted(_ context.Context, connectionID uuid.UUID, scope Scope) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Job
	key := scope.String()
	for _, j := range r.jobs {
		if j.ConnectionID != connectionID || j.Scope.String() != key || j.Status != StatusCompleted || j.FinishedAt == nil {
			continue
		}
		if best == nil || j.FinishedAt.After(*best.FinishedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneJob(best), nil
}

func (r *MemoryRepo) AddError(_ context.Context, e *SyncError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[e.JobID]; !ok {
		return ErrNotFound
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = r.now()
	c := *e
	r.errors[e.JobID] = append(r.errors[e.JobID], &c)
	return nil
}

func (r *MemoryRepo) ListErrors(_ context.Context, jobID uuid.UUID, limit, offset int) ([]*SyncError, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.errors[jobID]
	total := len(all)
	if offset >= total {
		return []*SyncError{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*SyncError, 0, end-offset)
	for _, e := range all[offset:end] {
		c := *e
		out = append(out, &c)
	}
	return out, total, nil
}

func (r *MemoryRepo) Aggregate(_ context.Context, since time.Time) (*Aggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := &Aggregate{ByStatus: map[Status]int{}, ErrorBreakdown: map[string]int{}}
	for _, j := range r.jobs {
		if j.CreatedAt.Before(since) {
			continue
		}
		a.ByStatus[j.Status]++
		a.Records += j.Result.Processed
		if (j.Status == StatusCompleted || j.Status == StatusFailed) && j.StartedAt != nil && j.FinishedAt != nil {
			a.Finished++
			a.TotalDuration += j.FinishedAt.Sub(*j.StartedAt)
		}
		if j.ErrorClass != "" {
			a.ErrorBreakdown[j.ErrorClass]++
		}
		for _, e := range r.errors[j.ID] {
			a.ErrorBreakdown[e.Class]++
		}
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

// MemoryScheduleRepo is an in-process ScheduleRepository.
type MemoryScheduleRepo struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*Schedule
	now       func() time.Time
}

func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{schedules: make(map[uuid.UUID]*Schedule), now: time.Now}
}

func cloneSchedule(s *Schedule) *Schedule {
	c := *s
	return &c
}

func (r *MemoryScheduleRepo) Upsert(_ context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, cur := range r.schedules {
		if cur.ConnectionID == s.ConnectionID && cur.ScopeKey() == s.ScopeKey() {
			s.ID = cur.ID
			s.CreatedAt = cur.CreatedAt
			s.LastRunAt = cur.LastRunAt
			s.LastJobID = cur.LastJobID
			s.UpdatedAt = now
			r.schedules[s.ID] = cloneSchedule(s)
			return nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt, s.UpdatedAt = now, now
	r.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (r *MemoryScheduleRepo) Get(_ context.Context, id uuid.UUID) (*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSchedule(s), nil
}

func (r *MemoryScheduleRepo) List(_ context.Context, connectionID *uuid.UUID, limit, offset int) ([]*Schedule, int, error) {
	r.mu.Lock()
	var out []*Schedule
	for _, s := range r.schedules {
		if connectionID == nil || s.ConnectionID == *connectionID {
			out = append(out, cloneSchedule(s))
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return []*Schedule{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *MemoryScheduleRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(r.schedules, id)
	return nil
}

func (r *MemoryScheduleRepo) Due(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	r.mu.Lock()
	var out []*Schedule
	for _, s := range r.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			out = append(out, cloneSchedule(s))
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryScheduleRepo) MarkRun(_ context.Context, id, jobID uuid.UUID, ranAt, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.LastRunAt = &ranAt
	s.LastJobID = nil
	if jobID != uuid.Nil {
		s.LastJobID = &jobID
	}
	s.NextRunAt = next
	s.UpdatedAt = r.now()
	return nil
}
