package conflict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/resolve"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
)

type fixture struct {
	svc     *Service
	repo    *MemoryRepo
	records *record.MemoryRepo
	broker  *queue.MemoryBroker
	events  *events.Recorder
	conn    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    NewMemoryRepo(),
		records: record.NewMemoryRepo(),
		broker:  queue.NewMemoryBroker(time.Minute),
		events:  &events.Recorder{},
		conn:    uuid.New(),
	}
	f.svc = NewService(f.repo, f.records, f.broker, f.events, zerolog.Nop())
	return f
}

// seed stores a patient at revision 2 and an unresolved phone conflict
// against it.
func (f *fixture) seed(t *testing.T) (*record.Record, *Conflict) {
	t.Helper()
	ctx := context.Background()
	rec := &record.Record{EntityType: "patient", Identity: "mrn-1", Data: fieldpath.Record{"phone": "555-0000"}}
	if err := f.records.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rec.Data = fieldpath.Record{"phone": "555-1111"}
	if err := f.records.UpdateIfRevision(ctx, rec, 1); err != nil {
		t.Fatalf("UpdateIfRevision: %v", err)
	}
	_ = f.records.UpsertLink(ctx, &record.Link{
		ConnectionID: f.conn, EntityType: "patient", ProviderID: "p1", RecordID: rec.ID,
		CanonicalRevision: 1, ProviderRevision: "7", Snapshot: fieldpath.Record{"phone": "555-0000"},
	})

	canonical := rec.Version()
	incoming := resolve.Version{Value: fieldpath.Record{"phone": "555-2222"}, Revision: "8", ModifiedAt: time.Now()}
	c := New(f.conn, &rec.ID, "p1", resolve.Conflict{
		EntityType: "patient",
		Type:       resolve.ConcurrentUpdate,
		Base:       &resolve.Base{CanonicalRevision: "1", IncomingRevision: "7"},
		Canonical:  canonical,
		Incoming:   incoming,
		Changes:    fieldpath.Diff(canonical.Value, incoming.Value),
	})
	if err := f.svc.Record(ctx, c, &resolve.Resolution{Manual: true, Strategy: resolve.Manual, Severity: resolve.SeverityMedium}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	return rec, c
}

func (f *fixture) drainApply(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := f.broker.Dequeue(ctx, queue.LaneConflict)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := f.svc.HandleApply(context.Background(), m); err != nil {
		t.Fatalf("HandleApply: %v", err)
	}
	_ = f.broker.Ack(context.Background(), queue.LaneConflict, m.ID)
}

func TestRecord_AutoResolved(t *testing.T) {
	f := newFixture(t)
	c := &Conflict{ConnectionID: f.conn, EntityType: "patient", ProviderID: "p9", Type: resolve.ConcurrentUpdate}
	res := &resolve.Resolution{
		Strategy: resolve.LastWriteWins, Severity: resolve.SeverityMedium,
		Winner: resolve.SideIncoming, Value: fieldpath.Record{"phone": "1"},
	}
	if err := f.svc.Record(context.Background(), c, res); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), c.ID)
	if got.Status != StatusAutoResolved || got.ResolvedBy != ResolverSystem || got.ResolvedAt == nil || !got.Applied {
		t.Fatalf("got %+v", got)
	}
	if len(f.events.OfType(events.ConflictDetected)) != 1 || len(f.events.OfType(events.ConflictResolved)) != 1 {
		t.Fatalf("events = %+v", f.events.Events())
	}
}

func TestResolve_AppliesIncoming(t *testing.T) {
	f := newFixture(t)
	rec, c := f.seed(t)
	ctx := context.Background()

	got, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceIncoming}, "dr-who")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != StatusManuallyResolved || got.ResolvedBy != "dr-who" {
		t.Fatalf("resolved = %+v", got)
	}
	f.drainApply(t)

	after, _ := f.records.Get(ctx, rec.ID)
	if after.Revision != 3 || after.Data["phone"] != "555-2222" {
		t.Fatalf("record = %+v", after)
	}
	link, _ := f.records.GetLink(ctx, f.conn, "patient", "p1")
	if link.CanonicalRevision != 3 || link.ProviderRevision != "8" {
		t.Fatalf("link should converge, got %+v", link)
	}
	stored, _ := f.repo.GetByID(ctx, c.ID)
	if !stored.Applied {
		t.Fatal("conflict not marked applied")
	}
}

func TestResolve_KeepCanonicalLeavesLinkBehind(t *testing.T) {
	f := newFixture(t)
	rec, c := f.seed(t)
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceCanonical}, "u"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.drainApply(t)

	link, _ := f.records.GetLink(ctx, f.conn, "patient", "p1")
	after, _ := f.records.Get(ctx, rec.ID)
	if link.CanonicalRevision >= after.Revision {
		t.Fatalf("link %d should trail record %d so the value is pushed", link.CanonicalRevision, after.Revision)
	}
	if link.ProviderRevision != "8" {
		t.Fatalf("provider revision = %s", link.ProviderRevision)
	}
}

func TestResolve_ReResolutionCreatesSuccessor(t *testing.T) {
	f := newFixture(t)
	_, c := f.seed(t)
	ctx := context.Background()

	first, _ := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceIncoming}, "a")
	second, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceMerged, Value: fieldpath.Record{"phone": "555-3333"}}, "b")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second.ID == first.ID || second.PriorConflictID == nil || *second.PriorConflictID != c.ID {
		t.Fatalf("successor = %+v", second)
	}
	orig, _ := f.repo.GetByID(ctx, c.ID)
	if orig.ResolvedBy != "a" || orig.Winner != resolve.SideIncoming {
		t.Fatalf("original conflict was mutated: %+v", orig)
	}
}

func TestResolve_InvalidDecision(t *testing.T) {
	f := newFixture(t)
	_, c := f.seed(t)
	if _, err := f.svc.Resolve(context.Background(), c.ID, Decision{Choice: ChoiceMerged}, "u"); err == nil {
		t.Fatal("merged without value should fail")
	}
	if _, err := f.svc.Resolve(context.Background(), c.ID, Decision{Choice: "both"}, "u"); err == nil {
		t.Fatal("unknown choice should fail")
	}
}

func TestHandleApply_StaleRecordSupersedes(t *testing.T) {
	f := newFixture(t)
	rec, c := f.seed(t)
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceIncoming}, "u"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Another writer moves the record before the apply runs.
	rec.Data = fieldpath.Record{"phone": "555-9999"}
	if err := f.records.UpdateIfRevision(ctx, rec, 2); err != nil {
		t.Fatalf("concurrent write: %v", err)
	}
	f.drainApply(t)

	after, _ := f.records.Get(ctx, rec.ID)
	if after.Data["phone"] != "555-9999" {
		t.Fatalf("stale resolution overwrote the record: %+v", after)
	}
	open, total, _ := f.repo.List(ctx, Filter{Status: StatusUnresolved}, 10, 0)
	if total != 1 || open[0].PriorConflictID == nil || *open[0].PriorConflictID != c.ID {
		t.Fatalf("expected a successor conflict, got %+v", open)
	}
	if open[0].Canonical.Revision != "3" {
		t.Fatalf("successor should compare against revision 3, got %s", open[0].Canonical.Revision)
	}
}

// seedFirstSeen stores a schema-mismatch conflict for a provider record
// that never reached the canonical store.
func (f *fixture) seedFirstSeen(t *testing.T, identity string) *Conflict {
	t.Helper()
	incoming := resolve.Version{Value: fieldpath.Record{"mrn": "MRN-2", "phone": "557", "age": -3}, Revision: "4", ModifiedAt: time.Now()}
	c := New(f.conn, nil, "p2", resolve.Conflict{
		EntityType: "patient",
		Type:       resolve.SchemaMismatch,
		Incoming:   incoming,
		Changes:    fieldpath.Diff(nil, incoming.Value),
	})
	c.Identity = identity
	c.ProviderData = fieldpath.Record{"mrn": "MRN-2", "phone_number": "557", "age": -3}
	res := &resolve.Resolution{Manual: true, Strategy: resolve.Manual, Severity: resolve.SeverityHigh, Reason: "age: minimum 0"}
	if err := f.svc.Record(context.Background(), c, res); err != nil {
		t.Fatalf("Record: %v", err)
	}
	return c
}

func TestHandleApply_FirstSeenRecordIsInserted(t *testing.T) {
	f := newFixture(t)
	c := f.seedFirstSeen(t, "MRN-2")
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceIncoming}, "u"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.drainApply(t)

	rec, err := f.records.FindByIdentity(ctx, "patient", "MRN-2")
	if err != nil {
		t.Fatalf("record was not inserted: %v", err)
	}
	if rec.Data["phone"] != "557" {
		t.Errorf("data = %v", rec.Data)
	}
	if _, ok := rec.Data["phone_number"]; ok {
		t.Errorf("provider field leaked into canonical data: %v", rec.Data)
	}
	link, err := f.records.GetLink(ctx, f.conn, "patient", "p2")
	if err != nil || link.RecordID != rec.ID || link.ProviderRevision != "4" || link.CanonicalRevision != rec.Revision {
		t.Fatalf("link = %+v, err = %v", link, err)
	}
	got, _ := f.repo.GetByID(ctx, c.ID)
	if !got.Applied {
		t.Error("conflict should be marked applied")
	}
}

func TestHandleApply_FirstSeenRejectedWritesNothing(t *testing.T) {
	f := newFixture(t)
	c := f.seedFirstSeen(t, "MRN-2")
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceCanonical}, "u"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.drainApply(t)

	if _, err := f.records.FindByIdentity(ctx, "patient", "MRN-2"); err != record.ErrNotFound {
		t.Fatalf("rejected record was stored: %v", err)
	}
	got, _ := f.repo.GetByID(ctx, c.ID)
	if !got.Applied {
		t.Error("conflict should be marked applied")
	}
}

func TestResolve_FirstSeenWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	c := f.seedFirstSeen(t, "")
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceIncoming}, "u"); err != ErrNoRecord {
		t.Fatalf("got %v, want ErrNoRecord", err)
	}
	got, _ := f.repo.GetByID(ctx, c.ID)
	if got.Status != StatusUnresolved {
		t.Fatalf("refused decision changed the conflict: %+v", got)
	}
	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceCanonical}, "u"); err != nil {
		t.Fatalf("rejecting should still be allowed: %v", err)
	}
}

func TestHandleApply_FirstSeenIdentityTakenSupersedes(t *testing.T) {
	f := newFixture(t)
	c := f.seedFirstSeen(t, "MRN-2")
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, c.ID, Decision{Choice: ChoiceIncoming}, "u"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Another provider record with the same identity lands first.
	other := &record.Record{EntityType: "patient", Identity: "MRN-2", Data: fieldpath.Record{"mrn": "MRN-2", "phone": "111"}}
	if err := f.records.Insert(ctx, other); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f.drainApply(t)

	after, _ := f.records.Get(ctx, other.ID)
	if after.Data["phone"] != "111" || after.Revision != 1 {
		t.Fatalf("existing record was overwritten: %+v", after)
	}
	open, total, _ := f.repo.List(ctx, Filter{Status: StatusUnresolved}, 10, 0)
	if total != 1 || open[0].RecordID == nil || *open[0].RecordID != other.ID {
		t.Fatalf("expected a successor against the existing record, got %+v", open)
	}
}

func TestHandler_ResolveConflict(t *testing.T) {
	f := newFixture(t)
	_, c := f.seed(t)
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"choice":"incoming"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(c.ID.String())
	if err := h.ResolveConflict(ctx); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var got Conflict
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusManuallyResolved {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestHandler_ListConflicts(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?status=unresolved&connection_id="+f.conn.String(), nil)
	rec := httptest.NewRecorder()
	if err := h.ListConflicts(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Fatalf("total = %d", page.Total)
	}

	req = httptest.NewRequest(http.MethodGet, "/?connection_id=bad", nil)
	err := h.ListConflicts(e.NewContext(req, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
