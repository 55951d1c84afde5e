package ruleset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
)

const patientV1 = `
name: acme-patient
provider: acme
entity_type: patient
version: 1
identity: mrn
inbound:
  - kind: direct
    source: id
    target: mrn
  - kind: direct
    source: telecom.phone
    target: phone
`

const overlapping = `
provider: acme
entity_type: patient
version: 2
inbound:
  - kind: direct
    source: a
    target: contact
  - kind: direct
    source: b
    target: contact.phone
`

type fixture struct {
	svc      *Service
	store    *MemoryStore
	registry *transform.Registry
	broker   *queue.MemoryBroker
	events   *events.Recorder
}

func newFixture() *fixture {
	f := &fixture{
		store:    NewMemoryStore(),
		registry: transform.NewRegistry(),
		broker:   queue.NewMemoryBroker(time.Minute),
		events:   &events.Recorder{},
	}
	f.svc = NewService(f.store, transform.NewEngine(nil), f.registry, f.broker, f.events, zerolog.Nop())
	return f
}

func (f *fixture) validateNext(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := f.broker.Dequeue(ctx, queue.LaneTransform)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := f.svc.HandleValidate(context.Background(), m); err != nil {
		t.Fatalf("HandleValidate: %v", err)
	}
	_ = f.broker.Ack(context.Background(), queue.LaneTransform, m.ID)
}

func TestSubmit_ActivatesValidRuleSet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	m, err := f.svc.Submit(ctx, []byte(patientV1), "admin")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Status != StatusPending {
		t.Fatalf("status = %s", m.Status)
	}
	if _, ok := f.registry.Get("acme", "patient"); ok {
		t.Fatal("pending rule set must not be live")
	}

	f.validateNext(t)
	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != StatusActive || got.ActivatedAt == nil {
		t.Fatalf("after validation: %+v", got)
	}
	c, ok := f.registry.Get("acme", "patient")
	if !ok || c.Identity() != "mrn" {
		t.Fatalf("registry entry = %v, %v", c, ok)
	}
	if len(f.events.OfType(events.RuleSetActivated)) != 1 {
		t.Fatal("expected activation event")
	}
}

func TestSubmit_InvalidRuleSetKeepsPrevious(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, _ := f.svc.Submit(ctx, []byte(patientV1), "admin")
	f.validateNext(t)

	bad, err := f.svc.Submit(ctx, []byte(overlapping), "admin")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.validateNext(t)

	got, _ := f.store.Get(ctx, bad.ID)
	if got.Status != StatusInvalid || got.Error == "" {
		t.Fatalf("overlapping targets should be invalid: %+v", got)
	}
	prev, _ := f.store.Get(ctx, first.ID)
	if prev.Status != StatusActive {
		t.Fatalf("previous set should stay active, got %s", prev.Status)
	}
	if len(f.events.OfType(events.RuleSetRejected)) != 1 {
		t.Fatal("expected rejection event")
	}
}

func TestSubmit_SupersedesPrevious(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, _ := f.svc.Submit(ctx, []byte(patientV1), "admin")
	f.validateNext(t)
	second, _ := f.svc.Submit(ctx, []byte(strings.Replace(patientV1, "version: 1", "version: 2", 1)), "admin")
	f.validateNext(t)

	prev, _ := f.store.Get(ctx, first.ID)
	cur, _ := f.store.Get(ctx, second.ID)
	if prev.Status != StatusSuperseded || cur.Status != StatusActive {
		t.Fatalf("statuses = %s, %s", prev.Status, cur.Status)
	}
	c, _ := f.registry.Get("acme", "patient")
	if c.Set.Version != 2 {
		t.Fatalf("live version = %d", c.Set.Version)
	}
}

func TestSubmit_RejectsUnparseable(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Submit(context.Background(), []byte("provider: acme\nentity_type: patient\nbogus: 1\n"), ""); err == nil {
		t.Fatal("unknown keys should be rejected")
	}
	if _, err := f.svc.Submit(context.Background(), []byte("inbound: []\n"), ""); err == nil {
		t.Fatal("missing provider should be rejected")
	}
}

func TestLoadActive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.svc.Submit(ctx, []byte(patientV1), "admin")
	f.validateNext(t)

	fresh := transform.NewRegistry()
	svc := NewService(f.store, transform.NewEngine(nil), fresh, f.broker, nil, zerolog.Nop())
	n, err := svc.LoadActive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("LoadActive = %d, %v", n, err)
	}
	if _, ok := fresh.Get("acme", "patient"); !ok {
		t.Fatal("active set not installed")
	}
}

func TestHandler_SubmitRuleSet(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rulesets", strings.NewReader(patientV1))
	req.Header.Set(echo.HeaderContentType, "application/yaml")
	rec := httptest.NewRecorder()
	if err := h.SubmitRuleSet(e.NewContext(req, rec)); err != nil {
		t.Fatalf("SubmitRuleSet: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/rulesets", strings.NewReader(""))
	err := h.SubmitRuleSet(e.NewContext(req, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("empty body: %v", err)
	}
}
