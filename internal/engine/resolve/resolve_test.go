package resolve

import (
	"testing"
	"time"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

var (
	t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func patient(phone string) fieldpath.Record {
	return fieldpath.Record{
		"name":  map[string]any{"family": "Doe", "given": []any{"Jane"}},
		"phone": phone,
	}
}

func TestDetect(t *testing.T) {
	base := &Base{CanonicalRevision: "1", IncomingRevision: "p1"}
	tests := []struct {
		name         string
		base         *Base
		canonical    Version
		incoming     Version
		wantChanged  Side
		wantConflict bool
		wantType     ConflictType
	}{
		{
			name:        "first contact",
			base:        nil,
			canonical:   Version{},
			incoming:    Version{Value: patient("1"), Revision: "p1"},
			wantChanged: SideIncoming,
		},
		{
			name:        "nothing changed",
			base:        base,
			canonical:   Version{Value: patient("1"), Revision: "1"},
			incoming:    Version{Value: patient("1"), Revision: "p1"},
			wantChanged: SideNone,
		},
		{
			name:        "only incoming changed",
			base:        base,
			canonical:   Version{Value: patient("1"), Revision: "1"},
			incoming:    Version{Value: patient("2"), Revision: "p2"},
			wantChanged: SideIncoming,
		},
		{
			name:        "only canonical changed",
			base:        base,
			canonical:   Version{Value: patient("2"), Revision: "2"},
			incoming:    Version{Value: patient("1"), Revision: "p1"},
			wantChanged: SideCanonical,
		},
		{
			name:        "both changed to the same value",
			base:        base,
			canonical:   Version{Value: patient("2"), Revision: "2"},
			incoming:    Version{Value: patient("2"), Revision: "p2"},
			wantChanged: SideBoth,
		},
		{
			name:         "both changed differently",
			base:         base,
			canonical:    Version{Value: patient("2"), Revision: "2"},
			incoming:     Version{Value: patient("3"), Revision: "p2"},
			wantChanged:  SideBoth,
			wantConflict: true,
			wantType:     ConcurrentUpdate,
		},
		{
			name:         "deleted remotely, updated locally",
			base:         base,
			canonical:    Version{Value: patient("2"), Revision: "2"},
			incoming:     Version{Revision: "p2", Deleted: true},
			wantChanged:  SideBoth,
			wantConflict: true,
			wantType:     DeleteVsUpdate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Detect(tt.base, tt.canonical, tt.incoming)
			if d.Changed != tt.wantChanged {
				t.Errorf("Changed = %q, want %q", d.Changed, tt.wantChanged)
			}
			if d.Conflict != tt.wantConflict {
				t.Errorf("Conflict = %v, want %v", d.Conflict, tt.wantConflict)
			}
			if d.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", d.Type, tt.wantType)
			}
		})
	}
}

func TestResolve_PhoneChangeIsMediumAndLastWriteWins(t *testing.T) {
	e := NewEngine(nil)
	canonical := Version{Value: patient("555-0100"), Revision: "2", ModifiedAt: t0}
	incoming := Version{Value: patient("555-0199"), Revision: "p2", ModifiedAt: t1}
	d := Detect(&Base{CanonicalRevision: "1", IncomingRevision: "p1"}, canonical, incoming)
	if !d.Conflict || d.Type != ConcurrentUpdate {
		t.Fatalf("detection = %+v", d)
	}

	res, err := e.Resolve(Conflict{
		EntityType: "Patient", Type: d.Type, Canonical: canonical, Incoming: incoming, Changes: d.Changes,
	}, LastWriteWins)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Manual {
		t.Fatal("medium severity should auto-resolve")
	}
	if res.Severity != SeverityMedium {
		t.Errorf("Severity = %q, want medium", res.Severity)
	}
	if res.Winner != SideIncoming || res.Value["phone"] != "555-0199" {
		t.Errorf("resolution = %+v", res)
	}

	// Swap timestamps: canonical is newer.
	canonical.ModifiedAt, incoming.ModifiedAt = t1, t0
	res, _ = e.Resolve(Conflict{EntityType: "Patient", Canonical: canonical, Incoming: incoming, Changes: d.Changes}, LastWriteWins)
	if res.Winner != SideCanonical {
		t.Errorf("Winner = %q, want canonical", res.Winner)
	}
}

func TestResolve_LastWriteWinsTieKeepsCanonical(t *testing.T) {
	e := NewEngine(nil)
	res, err := e.Resolve(Conflict{
		EntityType: "Patient",
		Canonical:  Version{Value: patient("1"), ModifiedAt: t0},
		Incoming:   Version{Value: patient("2"), ModifiedAt: t0},
		Changes:    []fieldpath.Change{{Path: "phone"}},
	}, LastWriteWins)
	if err != nil {
		t.Fatal(err)
	}
	if res.Winner != SideCanonical {
		t.Errorf("Winner = %q, want canonical", res.Winner)
	}
}

func TestResolve_HighAndCriticalAlwaysManual(t *testing.T) {
	e := NewEngine(nil)
	strategies := []Strategy{LastWriteWins, FirstWriteWins, LocalWins, RemoteWins, Merge, Custom("always")}
	e.RegisterCustom("always", func(c Conflict) (*Resolution, error) {
		return &Resolution{Winner: SideIncoming, Value: c.Incoming.Value}, nil
	})
	cases := []struct {
		entity string
		path   string
		want   Severity
	}{
		{"Patient", "name.family", SeverityHigh},
		{"Patient", "birthDate", SeverityHigh},
		{"AllergyIntolerance", "note", SeverityCritical},
		{"Medication", "telecom", SeverityCritical},
		{"Observation", "valueQuantity.value", SeverityCritical},
	}
	for _, tc := range cases {
		for _, s := range strategies {
			res, err := e.Resolve(Conflict{
				EntityType: tc.entity,
				Canonical:  Version{Value: fieldpath.Record{"x": 1}, ModifiedAt: t0},
				Incoming:   Version{Value: fieldpath.Record{"x": 2}, ModifiedAt: t1},
				Changes:    []fieldpath.Change{{Path: tc.path}},
			}, s)
			if err != nil {
				t.Fatalf("%s/%s: %v", tc.entity, s, err)
			}
			if !res.Manual || res.Value != nil {
				t.Errorf("%s.%s under %s auto-resolved: %+v", tc.entity, tc.path, s, res)
			}
			if res.Severity != tc.want {
				t.Errorf("%s.%s severity = %q, want %q", tc.entity, tc.path, res.Severity, tc.want)
			}
		}
	}
}

func TestResolve_Strategies(t *testing.T) {
	e := NewEngine(nil)
	c := Conflict{
		EntityType: "Patient",
		Canonical:  Version{Value: fieldpath.Record{"phone": "c"}, ModifiedAt: t1},
		Incoming:   Version{Value: fieldpath.Record{"phone": "i"}, ModifiedAt: t0},
		Changes:    []fieldpath.Change{{Path: "phone"}},
	}
	tests := []struct {
		strategy Strategy
		want     string
	}{
		{LastWriteWins, "c"},
		{FirstWriteWins, "i"},
		{LocalWins, "c"},
		{RemoteWins, "i"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			res, err := e.Resolve(c, tt.strategy)
			if err != nil {
				t.Fatal(err)
			}
			if res.Value["phone"] != tt.want {
				t.Errorf("phone = %v, want %v", res.Value["phone"], tt.want)
			}
		})
	}

	res, _ := e.Resolve(c, Manual)
	if !res.Manual {
		t.Error("manual strategy should require review")
	}
	if _, err := e.Resolve(c, Custom("missing")); err == nil {
		t.Error("expected error for unregistered custom function")
	}
}

func TestResolve_MergeThreeWay(t *testing.T) {
	e := NewEngine(nil)
	base := &Base{Snapshot: fieldpath.Record{"phone": "1", "email": "a@x", "address": map[string]any{"city": "A"}}}
	c := Conflict{
		EntityType: "Patient",
		Base:       base,
		Canonical: Version{
			Value:      fieldpath.Record{"phone": "2", "email": "a@x", "address": map[string]any{"city": "C"}},
			ModifiedAt: t0,
		},
		Incoming: Version{
			Value:      fieldpath.Record{"phone": "1", "email": "b@x", "address": map[string]any{"city": "I"}},
			ModifiedAt: t1,
		},
		Changes: []fieldpath.Change{{Path: "phone"}, {Path: "email"}, {Path: "address.city"}},
	}
	res, err := e.Resolve(c, Merge)
	if err != nil {
		t.Fatal(err)
	}
	want := fieldpath.Record{"phone": "2", "email": "b@x", "address": map[string]any{"city": "I"}}
	if !fieldpath.Equal(res.Value, want) {
		t.Errorf("merged = %v, want %v", res.Value, want)
	}
	if res.Winner != SideBoth {
		t.Errorf("Winner = %q", res.Winner)
	}
}

func TestClassifier_Overrides(t *testing.T) {
	c, err := NewClassifier(map[string]string{
		"Observation":   "low",
		"patient.phone": "high",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.FieldSeverity("observation", "valueQuantity"); got != SeverityLow {
		t.Errorf("entity override: %q", got)
	}
	if got := c.FieldSeverity("Patient", "phone"); got != SeverityHigh {
		t.Errorf("field override: %q", got)
	}
	if got := c.FieldSeverity("Patient", "email"); got != SeverityMedium {
		t.Errorf("built-in: %q", got)
	}
	if got := c.FieldSeverity("Patient", "meta.lastUpdated"); got != SeverityLow {
		t.Errorf("metadata: %q", got)
	}
	if got := c.FieldSeverity("Patient", "favoriteColor"); got != SeverityMedium {
		t.Errorf("unknown field default: %q", got)
	}
	if _, err := NewClassifier(map[string]string{"patient": "severe"}); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestClassifier_OverridesCannotLowerCriticalEntities(t *testing.T) {
	c, err := NewClassifier(map[string]string{
		"allergy.note":      "low",
		"medication":        "medium",
		"observation.value": "low",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.FieldSeverity("Allergy", "note"); got != SeverityCritical {
		t.Errorf("allergy.note = %q, want critical", got)
	}
	if got := c.FieldSeverity("Medication", "telecom"); got != SeverityCritical {
		t.Errorf("medication.telecom = %q, want critical", got)
	}
	if got := c.Severity("Medication", nil); got != SeverityCritical {
		t.Errorf("medication entity = %q, want critical", got)
	}
	if got := c.FieldSeverity("Observation", "value"); got != SeverityLow {
		t.Errorf("observation.value = %q, want low", got)
	}

	res, err := NewEngine(c).Resolve(Conflict{
		EntityType: "Allergy",
		Canonical:  Version{Value: fieldpath.Record{"note": "a"}, ModifiedAt: t0},
		Incoming:   Version{Value: fieldpath.Record{"note": "b"}, ModifiedAt: t1},
		Changes:    []fieldpath.Change{{Path: "note"}},
	}, LastWriteWins)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Manual || res.Severity != SeverityCritical {
		t.Errorf("allergy conflict auto-resolved under an override: %+v", res)
	}
}

func TestPolicy_StrategyFor(t *testing.T) {
	p := NewPolicy(LastWriteWins, map[string]Strategy{"Observation": FirstWriteWins})
	if got := p.StrategyFor("observation", RemoteWins); got != FirstWriteWins {
		t.Errorf("entity override: %q", got)
	}
	if got := p.StrategyFor("Patient", RemoteWins); got != RemoteWins {
		t.Errorf("connection default: %q", got)
	}
	if got := p.StrategyFor("Patient", ""); got != LastWriteWins {
		t.Errorf("system default: %q", got)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"last-write-wins", "merge", "custom:lab_append"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "newest", "custom:"} {
		if _, err := ParseStrategy(s); err == nil {
			t.Errorf("ParseStrategy(%q) should fail", s)
		}
	}
}
