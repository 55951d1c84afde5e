package syncjob

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/platform/scopelock"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusRetrying, StatusQueued, true},
		{StatusQueued, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusQueued, false},
		{StatusPending, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestScope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		scope   Scope
		wantErr bool
	}{
		{"full sync whole connection", FullSync, Scope{}, false},
		{"full sync one entity type", FullSync, Scope{EntityType: "patient"}, false},
		{"full sync with resource", FullSync, Scope{EntityType: "patient", ResourceID: "1"}, true},
		{"unknown entity", IncrementalSync, Scope{EntityType: "invoice"}, true},
		{"single entity needs patient", SingleEntitySync, Scope{EntityType: "observation"}, true},
		{"single entity ok", SingleEntitySync, Scope{PatientID: "p1"}, false},
		{"single resource ok", SingleResourceSync, Scope{EntityType: "patient", ResourceID: "p1"}, false},
		{"single resource missing id", SingleResourceSync, Scope{EntityType: "patient"}, true},
		{"webhook missing entity", WebhookTriggered, Scope{ResourceID: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate(tt.typ)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLockScope(t *testing.T) {
	conn := uuid.New()
	wide := LockScope(conn, IncrementalSync, Scope{EntityType: "patient"})
	if wide.Key != scopelock.Wildcard {
		t.Errorf("connection-wide job key = %q, want wildcard", wide.Key)
	}
	res := LockScope(conn, WebhookTriggered, Scope{EntityType: "patient", ResourceID: "42"})
	if res.Key != "patient/42" {
		t.Errorf("resource key = %q", res.Key)
	}
	if !wide.Conflicts(res) {
		t.Error("wildcard must exclude a resource scope of the same connection")
	}
	pat := LockScope(conn, SingleEntitySync, Scope{PatientID: "p1"})
	if pat.Key != "patient:p1" || pat.Conflicts(res) {
		t.Errorf("patient scope %q should not conflict with %q", pat.Key, res.Key)
	}
}

func TestScope_String(t *testing.T) {
	if got := (Scope{}).String(); got != "*" {
		t.Errorf("empty scope = %q", got)
	}
	if got := (Scope{EntityType: "observation", PatientID: "p1"}).String(); got != "observation@patient:p1" {
		t.Errorf("got %q", got)
	}
}

func TestSummarize(t *testing.T) {
	a := &Aggregate{
		ByStatus:       map[Status]int{StatusCompleted: 3, StatusFailed: 1, StatusQueued: 2},
		Finished:       4,
		TotalDuration:  8 * time.Second,
		Records:        120,
		ErrorBreakdown: map[string]int{"NetworkTimeout": 1},
	}
	st := Summarize(a, 2*time.Hour, time.Now().Add(-2*time.Hour))
	if st.Total != 6 {
		t.Errorf("Total = %d, want 6", st.Total)
	}
	if st.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", st.SuccessRate)
	}
	if st.Throughput != 2 {
		t.Errorf("Throughput = %v, want 2/h", st.Throughput)
	}
	if st.MeanDurationMS != 2000 {
		t.Errorf("MeanDurationMS = %d, want 2000", st.MeanDurationMS)
	}
}

func TestFilter_Match(t *testing.T) {
	conn := uuid.New()
	now := time.Now()
	j := &Job{Status: StatusFailed, Provider: "epic", Type: FullSync, ConnectionID: conn, CreatedAt: now}
	from := now.Add(-time.Minute)
	if !(Filter{Status: StatusFailed, Provider: "epic", ConnectionID: &conn, From: &from}).Match(j) {
		t.Error("expected match")
	}
	if (Filter{Type: IncrementalSync}).Match(j) {
		t.Error("type filter should exclude")
	}
}
