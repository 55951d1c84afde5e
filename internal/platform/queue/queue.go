// Package queue provides the persistent, at-least-once priority broker that
// feeds the worker lanes. Within a lane, messages are delivered in priority
// order, then FIFO within the same priority.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lane is an independent queue partition with its own concurrency limit.
type Lane string

const (
	LaneSync      Lane = "sync"
	LaneWebhook   Lane = "webhook"
	LaneConflict  Lane = "conflict"
	LaneTransform Lane = "transform"
)

// Lanes returns every lane in a fixed order.
func Lanes() []Lane {
	return []Lane{LaneSync, LaneWebhook, LaneConflict, LaneTransform}
}

// Priority orders messages within a lane; lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = []string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityBackground {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a tier name to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if n == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return err
		}
		*p = Priority(n)
		return nil
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Message is one unit of work on a lane.
type Message struct {
	ID       string          `json:"id"`
	Lane     Lane            `json:"lane"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	// Attempt counts previous Nacks of this message.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// NotBefore delays first delivery.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// NewMessage builds a message with a JSON payload.
func NewMessage(lane Lane, prio Priority, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", lane, err)
	}
	return Message{Lane: lane, Priority: prio, Payload: b}, nil
}

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("queue: broker closed")

// ErrUnknownMessage is returned when acking a message that is not in flight.
var ErrUnknownMessage = errors.New("queue: unknown message")

// Broker is a persistent priority queue with at-least-once delivery.
// A dequeued message is leased for the broker's visibility timeout; if it is
// neither acked nor nacked in time, it is delivered again.
type Broker interface {
	// Enqueue stores m and returns its ID (generated when m.ID is empty).
	Enqueue(ctx context.Context, m Message) (string, error)
	// Dequeue blocks until a message is available on lane or ctx is done.
	Dequeue(ctx context.Context, lane Lane) (*Message, error)
	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, lane Lane, id string) error
	// Nack returns a delivered message to the lane after delay.
	Nack(ctx context.Context, lane Lane, id string, delay time.Duration) error
	// Depth reports messages waiting on lane, excluding leased ones.
	Depth(ctx context.Context, lane Lane) (int, error)
	Close() error
}

func validLane(l Lane) bool {
	switch l {
	case LaneSync, LaneWebhook, LaneConflict, LaneTransform:
		return true
	}
	return false
}

func checkMessage(m *Message) error {
	if !validLane(m.Lane) {
		return fmt.Errorf("queue: unknown lane %q", m.Lane)
	}
	if m.Priority < PriorityCritical || m.Priority > PriorityBackground {
		return fmt.Errorf("queue: priority %d out of range", m.Priority)
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}
	return nil
}
