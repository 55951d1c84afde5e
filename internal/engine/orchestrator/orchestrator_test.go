package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/engine/fieldpath"
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

type fakeConns struct {
	mu      sync.Mutex
	conn    *connection.Connection
	adapter provider.Adapter
}

func (f *fakeConns) Active(_ context.Context, id uuid.UUID) (*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.conn.ID {
		return nil, syncerr.New(syncerr.ConnectionInactive, "connection %s does not exist", id)
	}
	if f.conn.Status != connection.StatusActive {
		return nil, syncerr.New(syncerr.ConnectionInactive, "connection %s is %s", id, f.conn.Status)
	}
	c := *f.conn
	return &c, nil
}

func (f *fakeConns) Adapter(*connection.Connection) (provider.Adapter, error) {
	return f.adapter, nil
}

type fixture struct {
	svc       *Service
	exec      *Executor
	jobs      *syncjob.MemoryRepo
	schedules *syncjob.MemoryScheduleRepo
	records   *record.MemoryRepo
	conflicts *conflict.MemoryRepo
	broker    *queue.MemoryBroker
	locker    *scopelock.MemoryLocker
	adapter   *provider.MemoryAdapter
	conns     *fakeConns
	events    *events.Recorder
	engine    *transform.Engine
	rules     *transform.Registry
	review    *conflict.Service
}

func patientRuleSet() *transform.RuleSet {
	return &transform.RuleSet{
		Name:       "acme-patient",
		Provider:   "acme",
		EntityType: "patient",
		Identity:   "mrn",
		Inbound: []transform.Rule{
			{Kind: transform.KindDirect, Source: "mrn", Target: "mrn", Required: true},
			{Kind: transform.KindDirect, Source: "name", Target: "name"},
			{Kind: transform.KindDirect, Source: "phone", Target: "phone"},
		},
	}
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	engine := transform.NewEngine(nil)
	compiled, err := engine.Compile(patientRuleSet())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rules := transform.NewRegistry()
	rules.Put(transform.SourceFile, compiled)

	f := &fixture{
		jobs:      syncjob.NewMemoryRepo(),
		schedules: syncjob.NewMemoryScheduleRepo(),
		records:   record.NewMemoryRepo(),
		conflicts: conflict.NewMemoryRepo(),
		broker:    queue.NewMemoryBroker(time.Minute),
		locker:    scopelock.NewMemoryLocker(),
		adapter:   provider.NewMemoryAdapter(),
		events:    &events.Recorder{},
		engine:    engine,
		rules:     rules,
	}
	f.conns = &fakeConns{
		conn: &connection.Connection{
			ID:              uuid.New(),
			Name:            "acme sandbox",
			Provider:        "acme",
			Adapter:         provider.KindMemory,
			Status:          connection.StatusActive,
			DefaultStrategy: string(resolve.LastWriteWins),
		},
		adapter: f.adapter,
	}
	logger := zerolog.Nop()
	if settings.Retry.Base == 0 {
		settings.Retry = backoff.New(time.Millisecond, 10*time.Millisecond)
	}
	f.svc = NewService(f.jobs, f.schedules, f.conns, f.broker, f.events, 3, logger)
	f.review = conflict.NewService(f.conflicts, f.records, f.broker, f.events, logger)
	f.exec = NewExecutor(ExecutorDeps{
		Jobs:       f.jobs,
		Conns:      f.conns,
		Records:    f.records,
		Conflicts:  f.review,
		Transforms: engine,
		Rules:      rules,
		Locker:     f.locker,
		Publisher:  f.events,
	}, settings, logger)
	t.Cleanup(func() { _ = f.broker.Close() })
	return f
}

// runNext executes the next sync-lane message the way the worker pool does.
func (f *fixture) runNext(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := f.broker.Dequeue(ctx, queue.LaneSync)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	herr := f.exec.Handle(context.Background(), m)
	if _, retry := worker.RetryDelay(herr); retry {
		_ = f.broker.Nack(context.Background(), queue.LaneSync, m.ID, 0)
	} else {
		_ = f.broker.Ack(context.Background(), queue.LaneSync, m.ID)
	}
	return herr
}

func (f *fixture) sync(t *testing.T, dir syncjob.Direction) *syncjob.Job {
	t.Helper()
	job, err := f.svc.CreateJob(context.Background(), JobRequest{
		Type:         syncjob.FullSync,
		Direction:    dir,
		Priority:     queue.PriorityNormal,
		ConnectionID: f.conns.conn.ID,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.runNext(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return f.job(t, job.ID)
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *syncjob.Job {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return job
}

func (f *fixture) putPatients(n int) {
	for i := 1; i <= n; i++ {
		f.adapter.Put("patient", fmt.Sprintf("p%03d", i), fieldpath.Record{
			"mrn": fmt.Sprintf("MRN-%03d", i), "name": fmt.Sprintf("Patient %d", i), "phone": "555-0100",
		})
	}
}

// useRules replaces the patient rule set the executor resolves.
func (f *fixture) useRules(t *testing.T, rs *transform.RuleSet) {
	t.Helper()
	compiled, err := f.engine.Compile(rs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	f.rules.Put(transform.SourceFile, compiled)
}

// resolveAndApply records a reviewer decision and runs the conflict-lane
// message it queues.
func (f *fixture) resolveAndApply(t *testing.T, id uuid.UUID, choice conflict.Choice) {
	t.Helper()
	if _, err := f.review.Resolve(context.Background(), id, conflict.Decision{Choice: choice}, "reviewer"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := f.broker.Dequeue(ctx, queue.LaneConflict)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := f.review.HandleApply(context.Background(), m); err != nil {
		t.Fatalf("HandleApply: %v", err)
	}
	_ = f.broker.Ack(context.Background(), queue.LaneConflict, m.ID)
}

func (f *fixture) openConflicts(t *testing.T) []*conflict.Conflict {
	t.Helper()
	open, _, err := f.conflicts.List(context.Background(), conflict.Filter{Status: conflict.StatusUnresolved}, 100, 0)
	if err != nil {
		t.Fatalf("List conflicts: %v", err)
	}
	return open
}

func (f *fixture) conflictCount(t *testing.T) int {
	t.Helper()
	_, total, err := f.conflicts.List(context.Background(), conflict.Filter{}, 100, 0)
	if err != nil {
		t.Fatalf("List conflicts: %v", err)
	}
	return total
}

func TestExecutor_InboundIsIdempotent(t *testing.T) {
	f := newFixture(t, Settings{BatchSize: 2})
	f.putPatients(3)

	first := f.sync(t, syncjob.Inbound)
	if first.Status != syncjob.StatusCompleted {
		t.Fatalf("status = %s (%v)", first.Status, first.LastError)
	}
	if first.Result.Created != 3 || first.Result.Processed != 3 {
		t.Fatalf("first run result = %+v", first.Result)
	}
	if first.Result.Batches < 2 {
		t.Errorf("expected paging, batches = %d", first.Result.Batches)
	}

	second := f.sync(t, syncjob.Inbound)
	if second.Result.Created != 0 || second.Result.Updated != 0 || second.Result.Unchanged != 3 {
		t.Fatalf("second run result = %+v", second.Result)
	}
	if n := f.conflictCount(t); n != 0 {
		t.Fatalf("re-sync produced %d conflicts", n)
	}
	if len(f.events.OfType(events.JobCompleted)) != 2 {
		t.Errorf("completed events = %d", len(f.events.OfType(events.JobCompleted)))
	}
}

func TestExecutor_OneBadRecordDoesNotFailTheJob(t *testing.T) {
	f := newFixture(t, Settings{BatchSize: 25})
	for i := 1; i <= 100; i++ {
		data := fieldpath.Record{"mrn": fmt.Sprintf("MRN-%03d", i), "name": "x"}
		if i == 37 {
			delete(data, "mrn")
		}
		f.adapter.Put("patient", fmt.Sprintf("p%03d", i), data)
	}

	job := f.sync(t, syncjob.Inbound)
	if job.Status != syncjob.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Result.Created != 99 || job.Result.Failed != 1 || job.Result.Processed != 100 {
		t.Fatalf("result = %+v", job.Result)
	}
	errs, total, err := f.jobs.ListErrors(context.Background(), job.ID, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("errors = %d, %v", total, err)
	}
	if errs[0].RecordID != "p037" || errs[0].Class != string(syncerr.TransformationError) {
		t.Fatalf("sync error = %+v", errs[0])
	}
}

func TestExecutor_PhoneConflictLastWriteWins(t *testing.T) {
	f := newFixture(t, Settings{})
	f.putPatients(1)
	f.sync(t, syncjob.Inbound)

	ctx := context.Background()
	rec, err := f.records.FindByIdentity(ctx, "patient", "MRN-001")
	if err != nil {
		t.Fatalf("FindByIdentity: %v", err)
	}
	rec.Data["phone"] = "555-0111"
	rec.ModifiedAt = time.Now().Add(-time.Hour)
	if err := f.records.UpdateIfRevision(ctx, rec, rec.Revision); err != nil {
		t.Fatalf("UpdateIfRevision: %v", err)
	}
	f.adapter.Put("patient", "p001", fieldpath.Record{"mrn": "MRN-001", "name": "Patient 1", "phone": "555-0199"})

	job := f.sync(t, syncjob.Inbound)
	if job.Result.Conflicted != 1 {
		t.Fatalf("result = %+v", job.Result)
	}
	items, _, _ := f.conflicts.List(ctx, conflict.Filter{JobID: &job.ID}, 10, 0)
	if len(items) != 1 {
		t.Fatalf("conflicts = %d", len(items))
	}
	c := items[0]
	if c.Type != resolve.ConcurrentUpdate || c.Severity != resolve.SeverityMedium {
		t.Fatalf("conflict = %s/%s", c.Type, c.Severity)
	}
	if c.Status != conflict.StatusAutoResolved || c.Strategy != string(resolve.LastWriteWins) || c.Winner != resolve.SideIncoming {
		t.Fatalf("resolution = %s %s %s", c.Status, c.Strategy, c.Winner)
	}
	got, _ := f.records.Get(ctx, rec.ID)
	if got.Data["phone"] != "555-0199" {
		t.Fatalf("phone = %v, want the newer provider value", got.Data["phone"])
	}

	again := f.sync(t, syncjob.Inbound)
	if again.Result.Conflicted != 0 || f.conflictCount(t) != 1 {
		t.Fatalf("resolved conflict re-detected: %+v", again.Result)
	}
}

func TestExecutor_ManualConflictIsNotDuplicatedOrPushed(t *testing.T) {
	f := newFixture(t, Settings{})
	f.putPatients(1)
	f.sync(t, syncjob.Inbound)

	ctx := context.Background()
	rec, _ := f.records.FindByIdentity(ctx, "patient", "MRN-001")
	rec.Data["name"] = "Canonical Name"
	if err := f.records.UpdateIfRevision(ctx, rec, rec.Revision); err != nil {
		t.Fatalf("UpdateIfRevision: %v", err)
	}
	f.adapter.Put("patient", "p001", fieldpath.Record{"mrn": "MRN-001", "name": "Provider Name", "phone": "555-0100"})

	job := f.sync(t, syncjob.Bidirectional)
	if job.Result.Conflicted != 1 || job.Result.Pushed != 0 {
		t.Fatalf("result = %+v", job.Result)
	}
	f.sync(t, syncjob.Bidirectional)
	if n := f.conflictCount(t); n != 1 {
		t.Fatalf("conflicts = %d, want the open one only", n)
	}
	ent, _ := f.adapter.Get("patient", "p001")
	if ent.Data["name"] != "Provider Name" {
		t.Fatalf("record under review was pushed: %v", ent.Data)
	}
}

// ageRuleSet renames the provider's phone field and rejects negative ages.
func ageRuleSet() *transform.RuleSet {
	return &transform.RuleSet{
		Name:       "acme-patient",
		Provider:   "acme",
		EntityType: "patient",
		Identity:   "mrn",
		Inbound: []transform.Rule{
			{Kind: transform.KindDirect, Source: "mrn", Target: "mrn", Required: true},
			{Kind: transform.KindDirect, Source: "phone_number", Target: "phone"},
			{Kind: transform.KindDirect, Source: "age", Target: "age"},
		},
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"age": map[string]any{"type": "integer", "minimum": 0}},
		},
	}
}

func TestExecutor_SchemaMismatchResolvedIncomingKeepsCanonicalShape(t *testing.T) {
	f := newFixture(t, Settings{})
	f.useRules(t, ageRuleSet())
	ctx := context.Background()

	f.adapter.Put("patient", "p001", fieldpath.Record{"mrn": "MRN-1", "phone_number": "555", "age": 40})
	if job := f.sync(t, syncjob.Inbound); job.Result.Created != 1 {
		t.Fatalf("first run = %+v", job.Result)
	}
	f.adapter.Put("patient", "p001", fieldpath.Record{"mrn": "MRN-1", "phone_number": "556", "age": -3})

	job := f.sync(t, syncjob.Inbound)
	if job.Status != syncjob.StatusCompleted || job.Result.Conflicted != 1 {
		t.Fatalf("mismatch run = %s %+v", job.Status, job.Result)
	}
	open := f.openConflicts(t)
	if len(open) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(open))
	}
	c := open[0]
	if c.Type != resolve.SchemaMismatch || c.RecordID == nil {
		t.Fatalf("conflict = %+v", c)
	}
	if c.Incoming.Value["phone"] != "556" || c.ProviderData["phone_number"] != "556" {
		t.Fatalf("incoming = %v, provider data = %v", c.Incoming.Value, c.ProviderData)
	}
	if _, ok := c.Incoming.Value["phone_number"]; ok {
		t.Fatalf("incoming side carries provider field names: %v", c.Incoming.Value)
	}

	f.sync(t, syncjob.Inbound)
	if n := f.conflictCount(t); n != 1 {
		t.Fatalf("re-sync duplicated the conflict: %d", n)
	}

	f.resolveAndApply(t, c.ID, conflict.ChoiceIncoming)
	rec, err := f.records.FindByIdentity(ctx, "patient", "MRN-1")
	if err != nil {
		t.Fatalf("FindByIdentity: %v", err)
	}
	want := fieldpath.Record{"mrn": "MRN-1", "phone": "556", "age": -3}
	if !fieldpath.Equal(rec.Data, want) {
		t.Fatalf("canonical = %v, want %v", rec.Data, want)
	}

	again := f.sync(t, syncjob.Inbound)
	if again.Result.Conflicted != 0 || again.Result.Unchanged != 1 || f.conflictCount(t) != 1 {
		t.Fatalf("applied resolution re-raised: %+v", again.Result)
	}
}

func TestExecutor_SchemaMismatchFirstSeenRecord(t *testing.T) {
	f := newFixture(t, Settings{})
	f.useRules(t, ageRuleSet())
	ctx := context.Background()

	f.adapter.Put("patient", "p002", fieldpath.Record{"mrn": "MRN-2", "phone_number": "557", "age": -3})
	job := f.sync(t, syncjob.Inbound)
	if job.Result.Conflicted != 1 || job.Result.Created != 0 {
		t.Fatalf("result = %+v", job.Result)
	}
	if _, err := f.records.FindByIdentity(ctx, "patient", "MRN-2"); err != record.ErrNotFound {
		t.Fatalf("invalid record reached the store: %v", err)
	}
	open := f.openConflicts(t)
	if len(open) != 1 || open[0].RecordID != nil || open[0].Identity != "MRN-2" {
		t.Fatalf("open conflicts = %+v", open)
	}

	f.resolveAndApply(t, open[0].ID, conflict.ChoiceIncoming)
	rec, err := f.records.FindByIdentity(ctx, "patient", "MRN-2")
	if err != nil {
		t.Fatalf("accepted record was not inserted: %v", err)
	}
	if rec.Data["phone"] != "557" {
		t.Fatalf("canonical = %v", rec.Data)
	}
	if _, err := f.records.GetLink(ctx, f.conns.conn.ID, "patient", "p002"); err != nil {
		t.Fatalf("GetLink: %v", err)
	}

	again := f.sync(t, syncjob.Inbound)
	if again.Result.Conflicted != 0 || f.conflictCount(t) != 1 {
		t.Fatalf("applied resolution re-raised: %+v", again.Result)
	}
}

func TestExecutor_OutboundPushesCanonicalChanges(t *testing.T) {
	f := newFixture(t, Settings{})
	f.putPatients(2)
	f.sync(t, syncjob.Inbound)

	ctx := context.Background()
	rec, _ := f.records.FindByIdentity(ctx, "patient", "MRN-002")
	rec.Data["phone"] = "555-0222"
	if err := f.records.UpdateIfRevision(ctx, rec, rec.Revision); err != nil {
		t.Fatalf("UpdateIfRevision: %v", err)
	}

	job := f.sync(t, syncjob.Outbound)
	if job.Status != syncjob.StatusCompleted || job.Result.Pushed != 1 {
		t.Fatalf("outbound = %s %+v", job.Status, job.Result)
	}
	ent, _ := f.adapter.Get("patient", "p002")
	if ent.Data["phone"] != "555-0222" {
		t.Fatalf("provider phone = %v", ent.Data["phone"])
	}

	if again := f.sync(t, syncjob.Outbound); again.Result.Pushed != 0 {
		t.Fatalf("second push = %+v", again.Result)
	}
	if back := f.sync(t, syncjob.Inbound); back.Result.Updated != 0 || back.Result.Conflicted != 0 {
		t.Fatalf("push echoed back as a change: %+v", back.Result)
	}
}

func TestExecutor_CancelBeforeStart(t *testing.T) {
	f := newFixture(t, Settings{})
	f.putPatients(3)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID, Priority: queue.PriorityNormal})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := f.svc.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := f.runNext(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := f.job(t, job.ID)
	if got.Status != syncjob.StatusCancelled || got.Result.Processed != 0 {
		t.Fatalf("job = %s %+v", got.Status, got.Result)
	}
	if _, err := f.svc.CancelJob(ctx, job.ID); !syncerr.Is(err, syncerr.JobNotCancellable) {
		t.Fatalf("second cancel: %v", err)
	}
}

// cancellingAdapter cancels its job while serving the second page.
type cancellingAdapter struct {
	*provider.MemoryAdapter
	svc   *Service
	jobID uuid.UUID
	calls int
}

func (a *cancellingAdapter) FetchEntities(ctx context.Context, req provider.FetchRequest) (*provider.Page, error) {
	a.calls++
	if a.calls == 2 {
		if _, err := a.svc.CancelJob(ctx, a.jobID); err != nil {
			return nil, err
		}
	}
	return a.MemoryAdapter.FetchEntities(ctx, req)
}

func TestExecutor_CancelMidStream(t *testing.T) {
	f := newFixture(t, Settings{BatchSize: 2})
	f.putPatients(6)
	ca := &cancellingAdapter{MemoryAdapter: f.adapter, svc: f.svc}
	f.conns.adapter = ca

	job, err := f.svc.CreateJob(context.Background(), JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID, Priority: queue.PriorityNormal})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ca.jobID = job.ID
	if err := f.runNext(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := f.job(t, job.ID)
	if got.Status != syncjob.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result.Created != 4 {
		t.Fatalf("created = %d, want the two pages before the checkpoint", got.Result.Created)
	}
	if len(f.locker.Held(f.conns.conn.ID.String())) != 0 {
		t.Fatal("scope lock still held after cancellation")
	}
}

type blockingAdapter struct{ *provider.MemoryAdapter }

func (blockingAdapter) FetchEntities(ctx context.Context, _ provider.FetchRequest) (*provider.Page, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecutor_TimeoutFailsAndReleasesLock(t *testing.T) {
	f := newFixture(t, Settings{JobTimeout: 50 * time.Millisecond})
	f.conns.adapter = blockingAdapter{f.adapter}

	job, err := f.svc.CreateJob(context.Background(), JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID, Priority: queue.PriorityNormal})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.runNext(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := f.job(t, job.ID)
	if got.Status != syncjob.StatusFailed || got.ErrorClass != string(syncerr.Timeout) {
		t.Fatalf("job = %s/%s", got.Status, got.ErrorClass)
	}
	h, err := f.locker.TryAcquire(context.Background(), got.LockScope(), time.Minute)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = h.Release(context.Background())
	if len(f.events.OfType(events.JobFailed)) != 1 {
		t.Error("expected one sync.failed event")
	}
}

type flakyAdapter struct {
	*provider.MemoryAdapter
	failures int
}

func (a *flakyAdapter) FetchEntities(ctx context.Context, req provider.FetchRequest) (*provider.Page, error) {
	if a.failures > 0 {
		a.failures--
		return nil, syncerr.New(syncerr.RateLimited, "slow down").WithRetryAfter(time.Millisecond)
	}
	return a.MemoryAdapter.FetchEntities(ctx, req)
}

func TestExecutor_RetryableErrorRequeues(t *testing.T) {
	f := newFixture(t, Settings{})
	f.putPatients(2)
	f.conns.adapter = &flakyAdapter{MemoryAdapter: f.adapter, failures: 1}

	job, err := f.svc.CreateJob(context.Background(), JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID, Priority: queue.PriorityNormal})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	herr := f.runNext(t)
	if _, ok := worker.RetryDelay(herr); !ok {
		t.Fatalf("expected a redelivery request, got %v", herr)
	}
	mid := f.job(t, job.ID)
	if mid.Status != syncjob.StatusQueued || mid.Retries != 1 || mid.ErrorClass != string(syncerr.RateLimited) {
		t.Fatalf("after failure = %s retries=%d class=%s", mid.Status, mid.Retries, mid.ErrorClass)
	}

	if err := f.runNext(t); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	done := f.job(t, job.ID)
	if done.Status != syncjob.StatusCompleted || done.Result.Created != 2 {
		t.Fatalf("after retry = %s %+v", done.Status, done.Result)
	}
}

func TestExecutor_ScopeLockRequeues(t *testing.T) {
	f := newFixture(t, Settings{LockRetryDelay: time.Millisecond})
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID, Priority: queue.PriorityNormal})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	h, err := f.locker.TryAcquire(ctx, job.LockScope(), time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, ok := worker.RetryDelay(f.runNext(t)); !ok {
		t.Fatal("expected requeue while the scope is held")
	}
	if got := f.job(t, job.ID); got.Status != syncjob.StatusQueued {
		t.Fatalf("status = %s", got.Status)
	}
	_ = h.Release(ctx)
	if err := f.runNext(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := f.job(t, job.ID); got.Status != syncjob.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestService_CreateJobValidation(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	tests := []struct {
		name  string
		req   JobRequest
		class syncerr.Class
	}{
		{"unknown type", JobRequest{Type: "nightly", ConnectionID: f.conns.conn.ID}, syncerr.InvalidScope},
		{"resource without id", JobRequest{Type: syncjob.SingleResourceSync, ConnectionID: f.conns.conn.ID, Scope: syncjob.Scope{EntityType: "patient"}}, syncerr.InvalidScope},
		{"outbound webhook", JobRequest{Type: syncjob.WebhookTriggered, Direction: syncjob.Outbound, ConnectionID: f.conns.conn.ID, Scope: syncjob.Scope{EntityType: "patient", ResourceID: "p1"}}, syncerr.InvalidScope},
		{"unknown connection", JobRequest{Type: syncjob.FullSync, ConnectionID: uuid.New()}, syncerr.ConnectionInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateJob(ctx, tt.req); !syncerr.Is(err, tt.class) {
				t.Fatalf("err = %v, want %s", err, tt.class)
			}
		})
	}

	f.conns.conn.Status = connection.StatusInactive
	if _, err := f.svc.CreateJob(ctx, JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID}); !syncerr.Is(err, syncerr.ConnectionInactive) {
		t.Fatalf("inactive connection: %v", err)
	}
}

func TestService_RetryCeiling(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	failed := func(attempt int) *syncjob.Job {
		j := &syncjob.Job{
			ID: uuid.New(), Type: syncjob.FullSync, Direction: syncjob.Inbound, Priority: queue.PriorityNormal,
			Status: syncjob.StatusFailed, Provider: "acme", ConnectionID: f.conns.conn.ID, Attempt: attempt,
		}
		if err := f.jobs.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		return j
	}

	parent := failed(1)
	next, err := f.svc.RetryJob(ctx, parent.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if next.Attempt != 2 || next.ParentJobID == nil || *next.ParentJobID != parent.ID {
		t.Fatalf("retry = attempt %d parent %v", next.Attempt, next.ParentJobID)
	}

	if _, err := f.svc.RetryJob(ctx, failed(3).ID); !syncerr.Is(err, syncerr.RetryLimitExceeded) {
		t.Fatalf("ceiling: %v", err)
	}
	if _, err := f.svc.RetryJob(ctx, next.ID); !syncerr.Is(err, syncerr.JobNotRetryable) {
		t.Fatalf("queued job retry: %v", err)
	}
	if _, err := f.svc.RetryJob(ctx, uuid.New()); !syncerr.Is(err, syncerr.NotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

func TestService_Statistics(t *testing.T) {
	f := newFixture(t, Settings{})
	f.putPatients(2)
	f.sync(t, syncjob.Inbound)
	stats, err := f.svc.GetStatistics(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[syncjob.StatusCompleted] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestScheduler_TickCreatesJobs(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	sched, err := f.svc.ScheduleRecurring(ctx, ScheduleRequest{
		JobRequest: JobRequest{Type: syncjob.IncrementalSync, ConnectionID: f.conns.conn.ID, Priority: queue.PriorityLow},
		Cadence:    "1m",
	})
	if err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}
	if _, err := f.svc.ScheduleRecurring(ctx, ScheduleRequest{JobRequest: JobRequest{Type: syncjob.FullSync, ConnectionID: f.conns.conn.ID}, Cadence: "soon"}); !syncerr.Is(err, syncerr.InvalidScope) {
		t.Fatalf("bad cadence: %v", err)
	}

	s := NewScheduler(f.schedules, f.svc, time.Second, zerolog.Nop())
	if n := s.Tick(ctx); n != 0 {
		t.Fatalf("nothing is due yet, created %d", n)
	}
	s.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	if n := s.Tick(ctx); n != 1 {
		t.Fatalf("created %d", n)
	}

	got, err := f.schedules.Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastJobID == nil || !got.NextRunAt.After(time.Now().Add(5*time.Minute)) {
		t.Fatalf("schedule not advanced: %+v", got)
	}
	job := f.job(t, *got.LastJobID)
	if job.ScheduleID == nil || *job.ScheduleID != sched.ID || job.Type != syncjob.IncrementalSync {
		t.Fatalf("job = %+v", job)
	}
	if n := s.Tick(ctx); n != 0 {
		t.Fatalf("schedule fired twice in one cadence: %d", n)
	}
}
