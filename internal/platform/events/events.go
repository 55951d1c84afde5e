// Package events fans job lifecycle events out to interested sinks: a Kafka
// topic for downstream consumers and the websocket hub for live dashboards.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the sync engine.
const (
	JobCreated       = "job.created"
	JobStatusChanged = "job.status_changed"
	JobCompleted     = "sync.completed"
	JobFailed        = "sync.failed"
	ConflictDetected = "conflict.detected"
	ConflictResolved = "conflict.resolved"
	RuleSetActivated = "ruleset.activated"
	RuleSetRejected  = "ruleset.rejected"
)

// Event is one lifecycle notification.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	JobID        string          `json:"job_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// New builds an event with a fresh id and the current time. A data value
// that cannot be marshaled is dropped.
func New(typ, jobID, connectionID, status string, data any) Event {
	ev := Event{
		ID:           uuid.New().String(),
		Type:         typ,
		JobID:        jobID,
		ConnectionID: connectionID,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
