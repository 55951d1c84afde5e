package syncjob

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/platform/queue"
	"github.com/ehr/ehrsync/internal/platform/scopelock"
)

// Type is the kind of work a job performs.
type Type string

const (
	FullSync           Type = "full-sync"
	IncrementalSync    Type = "incremental-sync"
	SingleEntitySync   Type = "single-entity-sync"
	SingleResourceSync Type = "single-resource-sync"
	WebhookTriggered   Type = "webhook-triggered-sync"
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case FullSync, IncrementalSync, SingleEntitySync, SingleResourceSync, WebhookTriggered:
		return t, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// ConnectionWide reports whether jobs of this type cover every record of
// their connection.
func (t Type) ConnectionWide() bool {
	return t == FullSync || t == IncrementalSync
}

// Direction is the flow of data relative to the canonical store.
type Direction string

const (
	Inbound       Direction = "inbound"
	Outbound      Direction = "outbound"
	Bidirectional Direction = "bidirectional"
)

func ParseDirection(s string) (Direction, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Inbound, nil
	}
	switch d := Direction(s); d {
	case Inbound, Outbound, Bidirectional:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusProcessing, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying:   {StatusQueued, StatusProcessing, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Entity types known to the sync engine.
var EntityTypes = []string{"patient", "observation", "medication", "allergy", "condition", "encounter", "document"}

// KnownEntity reports whether name is a supported entity type.
func KnownEntity(name string) bool {
	for _, e := range EntityTypes {
		if e == name {
			return true
		}
	}
	return false
}

// Scope narrows what a job operates on. The zero Scope is the whole
// connection.
type Scope struct {
	EntityType string `json:"entity_type,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
}

// String is the canonical form of the scope, used to identify schedules.
func (s Scope) String() string {
	var parts []string
	if s.EntityType != "" {
		parts = append(parts, s.EntityType)
	}
	if s.ResourceID != "" {
		parts = append(parts, s.ResourceID)
	}
	key := strings.Join(parts, "/")
	if s.PatientID != "" {
		if key != "" {
			key += "@"
		}
		key += "patient:" + s.PatientID
	}
	if key == "" {
		return scopelock.Wildcard
	}
	return key
}

// Validate checks that scope is well formed for a job type.
func (s Scope) Validate(t Type) error {
	if s.EntityType != "" && !KnownEntity(s.EntityType) {
		return fmt.Errorf("unknown entity type %q", s.EntityType)
	}
	switch t {
	case FullSync, IncrementalSync:
		if s.ResourceID != "" {
			return fmt.Errorf("%s cannot target a single resource", t)
		}
	case SingleEntitySync:
		if s.PatientID == "" {
			return fmt.Errorf("%s requires patient_id", t)
		}
		if s.ResourceID != "" {
			return fmt.Errorf("%s cannot target a single resource", t)
		}
	case SingleResourceSync, WebhookTriggered:
		if s.EntityType == "" || s.ResourceID == "" {
			return fmt.Errorf("%s requires entity_type and resource_id", t)
		}
	default:
		return fmt.Errorf("unknown job type %q", t)
	}
	return nil
}

// LockScope is the advisory lock a job of type t holds while processing.
// Connection-wide jobs take the wildcard, which excludes every narrower
// scope of the same connection.
func LockScope(connectionID uuid.UUID, t Type, s Scope) scopelock.Scope {
	key := scopelock.Wildcard
	switch {
	case t.ConnectionWide():
	case s.ResourceID != "":
		key = s.EntityType + "/" + s.ResourceID
	case s.PatientID != "":
		key = "patient:" + s.PatientID
	}
	return scopelock.Scope{ConnectionID: connectionID.String(), Key: key}
}

// Result aggregates record outcomes.
type Result struct {
	Processed  int `json:"processed"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
	Pushed     int `json:"pushed"`
	Batches    int `json:"batches"`
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Processed += o.Processed
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Conflicted += o.Conflicted
	r.Failed += o.Failed
	r.Pushed += o.Pushed
	r.Batches += o.Batches
}

// Job is a unit of scheduled sync work.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	Type         Type           `json:"type"`
	Direction    Direction      `json:"direction"`
	Priority     queue.Priority `json:"priority"`
	Status       Status         `json:"status"`
	Provider     string         `json:"provider"`
	ConnectionID uuid.UUID      `json:"connection_id"`
	Scope        Scope          `json:"scope"`

	// Attempt is 1 for a new job and grows by one with each RetryJob.
	Attempt int `json:"attempt"`
	// Retries counts automatic requeues of this job after recoverable errors.
	Retries         int        `json:"retries"`
	ParentJobID     *uuid.UUID `json:"parent_job_id,omitempty"`
	ScheduleID      *uuid.UUID `json:"schedule_id,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`

	LastError  *string `json:"last_error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
	Result     Result  `json:"result"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LockScope is the advisory lock this job holds while processing.
func (j *Job) LockScope() scopelock.Scope {
	return LockScope(j.ConnectionID, j.Type, j.Scope)
}

// Fail records a terminal error on the job.
func (j *Job) Fail(class, msg string) {
	j.ErrorClass = class
	j.LastError = &msg
}

// SyncError is one failure encountered while executing a job.
type SyncError struct {
	ID        uuid.UUID      `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	Class     string         `json:"class"`
	Message   string         `json:"message"`
	RecordID  string         `json:"record_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Schedule triggers a job on a fixed interval.
type Schedule struct {
	ID           uuid.UUID      `json:"id"`
	ConnectionID uuid.UUID      `json:"connection_id"`
	Type         Type           `json:"type"`
	Direction    Direction      `json:"direction"`
	Priority     queue.Priority `json:"priority"`
	Scope        Scope          `json:"scope"`
	Interval     time.Duration  `json:"-"`
	Cadence      string         `json:"cadence"`
	Enabled      bool           `json:"enabled"`
	NextRunAt    time.Time      `json:"next_run_at"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	LastJobID    *uuid.UUID     `json:"last_job_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ScopeKey identifies the (connection, scope) pair a schedule replaces on
// re-registration.
func (s *Schedule) ScopeKey() string { return s.Scope.String() }

// Filter narrows ListJobs. Zero fields match everything.
type Filter struct {
	Status       Status
	Provider     string
	Type         Type
	ConnectionID *uuid.UUID
	From         *time.Time
	To           *time.Time
}

// Match reports whether j passes the filter.
func (f Filter) Match(j *Job) bool {
	switch {
	case f.Status != "" && j.Status != f.Status:
		return false
	case f.Provider != "" && j.Provider != f.Provider:
		return false
	case f.Type != "" && j.Type != f.Type:
		return false
	case f.ConnectionID != nil && j.ConnectionID != *f.ConnectionID:
		return false
	case f.From != nil && j.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && j.CreatedAt.After(*f.To):
		return false
	}
	return true
}

// Aggregate is the raw material for job statistics over a window.
type Aggregate struct {
	ByStatus map[Status]int
	// Finished counts completed and failed jobs that recorded start and end.
	Finished       int
	TotalDuration  time.Duration
	Records        int
	ErrorBreakdown map[string]int
}

// Stats summarizes job execution over a time window.
type Stats struct {
	Window         string         `json:"window"`
	Since          time.Time      `json:"since"`
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	Throughput     float64        `json:"throughput_per_hour"`
	SuccessRate    float64        `json:"success_rate"`
	MeanDurationMS int64          `json:"mean_duration_ms"`
	Records        int            `json:"records_processed"`
	ErrorBreakdown map[string]int `json:"error_breakdown"`
}

// Summarize turns an aggregate into statistics for a window ending now.
func Summarize(a *Aggregate, window time.Duration, since time.Time) *Stats {
	st := &Stats{
		Window:         window.String(),
		Since:          since,
		ByStatus:       a.ByStatus,
		Records:        a.Records,
		ErrorBreakdown: a.ErrorBreakdown,
	}
	if st.ByStatus == nil {
		st.ByStatus = map[Status]int{}
	}
	if st.ErrorBreakdown == nil {
		st.ErrorBreakdown = map[string]int{}
	}
	for _, n := range st.ByStatus {
		st.Total += n
	}
	done := st.ByStatus[StatusCompleted] + st.ByStatus[StatusFailed]
	if done > 0 {
		st.SuccessRate = float64(st.ByStatus[StatusCompleted]) / float64(done)
	}
	if hours := window.Hours(); hours > 0 {
		st.Throughput = float64(done) / hours
	}
	if a.Finished > 0 {
		st.MeanDurationMS = (a.TotalDuration / time.Duration(a.Finished)).Milliseconds()
	}
	return st
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID.String() > jobs[j].ID.String()
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
