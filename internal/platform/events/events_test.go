package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNew_MarshalsData(t *testing.T) {
	ev := New(JobCompleted, "job-1", "conn-1", "completed", map[string]int{"created": 3})
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", ev)
	}
	var data map[string]int
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["created"] != 3 {
		t.Errorf("created = %d, want 3", data["created"])
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "ehr-sync.jobs", zerolog.Nop())

	ev := New(JobStatusChanged, "job-9", "conn-1", "processing", nil)
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "job-9" {
		t.Errorf("key = %q, want job-9", msg.Key)
	}
	var headerType string
	for _, h := range msg.Headers {
		if h.Key == "event-type" {
			headerType = string(h.Value)
		}
	}
	if headerType != JobStatusChanged {
		t.Errorf("event-type header = %q", headerType)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if decoded.Status != "processing" {
		t.Errorf("status = %q", decoded.Status)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: err=%v closed=%v", err, w.closed)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, "t", zerolog.Nop())
	if err := p.Publish(context.Background(), New(JobFailed, "j", "c", "failed", nil)); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t", zerolog.Nop()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, " ", zerolog.Nop()); err == nil {
		t.Error("expected error without topic")
	}
}

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("sink failed") }

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, failing{}, nil, b}

	err := m.Publish(context.Background(), New(JobCreated, "j1", "c1", "pending", nil))
	if err == nil {
		t.Fatal("expected joined error from failing sink")
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("every healthy sink should receive the event: a=%d b=%d", len(a.Events()), len(b.Events()))
	}
}

func TestRecorder_OfType(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), New(JobCreated, "j", "", "", nil))
	_ = r.Publish(context.Background(), New(JobCompleted, "j", "", "", nil))
	_ = Nop{}.Publish(context.Background(), Event{})
	if got := len(r.OfType(JobCompleted)); got != 1 {
		t.Errorf("OfType = %d, want 1", got)
	}
}
