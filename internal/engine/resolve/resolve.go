package resolve

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

// Strategy selects how an auto-resolvable conflict is settled. Custom
// strategies are written "custom:<name>".
type Strategy string

const (
	LastWriteWins  Strategy = "last-write-wins"
	FirstWriteWins Strategy = "first-write-wins"
	LocalWins      Strategy = "local-wins"
	RemoteWins     Strategy = "remote-wins"
	Merge          Strategy = "merge"
	Manual         Strategy = "manual"

	customPrefix = "custom:"
)

// Custom returns the strategy that delegates to the named function.
func Custom(name string) Strategy { return Strategy(customPrefix + name) }

// CustomName returns the function name of a custom strategy.
func (s Strategy) CustomName() (string, bool) {
	return strings.CutPrefix(string(s), customPrefix)
}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.TrimSpace(s))
	switch st {
	case LastWriteWins, FirstWriteWins, LocalWins, RemoteWins, Merge, Manual:
		return st, nil
	}
	if name, ok := st.CustomName(); ok && name != "" {
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Conflict is the input to Resolve.
type Conflict struct {
	EntityType string
	Type       ConflictType
	Base       *Base
	Canonical  Version
	Incoming   Version
	Changes    []fieldpath.Change
}

// Resolution is the outcome of Resolve. When Manual is set, Value is nil
// and a human must choose.
type Resolution struct {
	Manual   bool
	Strategy Strategy
	Severity Severity
	Winner   Side
	Value    fieldpath.Record
	Deleted  bool
	Reason   string
}

// CustomFunc is an externally registered resolution function. Returning
// (nil, nil) requests manual review.
type CustomFunc func(c Conflict) (*Resolution, error)

// Engine resolves conflicts. It is pure apart from the custom-function
// registry and safe for concurrent use.
type Engine struct {
	classifier *Classifier

	mu     sync.RWMutex
	custom map[string]CustomFunc
}

// NewEngine creates an engine with the given classifier.
func NewEngine(classifier *Classifier) *Engine {
	if classifier == nil {
		classifier, _ = NewClassifier(nil)
	}
	return &Engine{classifier: classifier, custom: make(map[string]CustomFunc)}
}

// Classifier returns the engine's severity classifier.
func (e *Engine) Classifier() *Classifier { return e.classifier }

// RegisterCustom adds a named resolution function.
func (e *Engine) RegisterCustom(name string, fn CustomFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
}

// CustomNames lists registered custom functions.
func (e *Engine) CustomNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.custom))
	for n := range e.custom {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve settles a conflict with strategy. Conflicts classified high or
// critical, schema mismatches and duplicate identities always require
// manual review, whatever the strategy.
func (e *Engine) Resolve(c Conflict, strategy Strategy) (*Resolution, error) {
	sev := e.classifier.Severity(c.EntityType, changedPaths(c.Changes))
	switch c.Type {
	case SchemaMismatch, DuplicateIdentity:
		sev = sev.Max(SeverityHigh)
	}
	manual := func(reason string) *Resolution {
		return &Resolution{Manual: true, Strategy: strategy, Severity: sev, Reason: reason}
	}

	if !sev.AutoResolvable() {
		return manual(fmt.Sprintf("%s severity requires manual review", sev)), nil
	}

	var res *Resolution
	switch strategy {
	case Manual:
		return manual("strategy is manual"), nil
	case LastWriteWins:
		res = pick(c, newer(c.Canonical, c.Incoming))
	case FirstWriteWins:
		res = pick(c, older(c.Canonical, c.Incoming))
	case LocalWins:
		res = pick(c, SideCanonical)
	case RemoteWins:
		res = pick(c, SideIncoming)
	case Merge:
		if c.Canonical.Deleted || c.Incoming.Deleted {
			// A deletion has no fields to merge.
			res = pick(c, newer(c.Canonical, c.Incoming))
		} else {
			res = &Resolution{Winner: SideBoth, Value: merge(c)}
		}
	default:
		name, ok := strategy.CustomName()
		if !ok {
			return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
		}
		e.mu.RLock()
		fn, found := e.custom[name]
		e.mu.RUnlock()
		if !found {
			return nil, fmt.Errorf("custom resolution function %q is not registered", name)
		}
		out, err := fn(c)
		if err != nil {
			return nil, fmt.Errorf("custom resolution %s: %w", name, err)
		}
		if out == nil || out.Manual {
			return manual(fmt.Sprintf("custom resolution %s deferred to manual review", name)), nil
		}
		res = out
	}
	res.Strategy = strategy
	res.Severity = sev
	return res, nil
}

func pick(c Conflict, side Side) *Resolution {
	v := c.Canonical
	if side == SideIncoming {
		v = c.Incoming
	}
	return &Resolution{Winner: side, Value: fieldpath.Clone(v.Value), Deleted: v.Deleted}
}

// newer returns the side modified last. Ties keep the canonical value.
func newer(canonical, incoming Version) Side {
	if incoming.ModifiedAt.After(canonical.ModifiedAt) {
		return SideIncoming
	}
	return SideCanonical
}

func older(canonical, incoming Version) Side {
	if incoming.ModifiedAt.Before(canonical.ModifiedAt) {
		return SideIncoming
	}
	return SideCanonical
}

// merge combines non-overlapping field changes of both sides relative to the
// base snapshot. A field changed on both sides goes to the newer side. With
// no snapshot every differing field counts as changed on both sides.
func merge(c Conflict) fieldpath.Record {
	canon := fieldpath.Flatten(c.Canonical.Value)
	inc := fieldpath.Flatten(c.Incoming.Value)
	var base map[string]any
	if c.Base != nil && c.Base.Snapshot != nil {
		base = fieldpath.Flatten(c.Base.Snapshot)
	}
	lww := newer(c.Canonical, c.Incoming)

	paths := make(map[string]bool, len(canon)+len(inc))
	for p := range canon {
		paths[p] = true
	}
	for p := range inc {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	out := fieldpath.Record{}
	for _, p := range sorted {
		cv, inCanon := canon[p]
		iv, inInc := inc[p]
		if inCanon && inInc && fieldpath.Equal(cv, iv) {
			_ = fieldpath.Set(out, p, fieldpath.CloneValue(cv))
			continue
		}

		from := lww
		if base != nil {
			bv, inBase := base[p]
			canonChanged := inCanon != inBase || (inCanon && !fieldpath.Equal(cv, bv))
			incChanged := inInc != inBase || (inInc && !fieldpath.Equal(iv, bv))
			switch {
			case canonChanged && !incChanged:
				from = SideCanonical
			case incChanged && !canonChanged:
				from = SideIncoming
			}
		}

		if from == SideIncoming {
			if inInc {
				_ = fieldpath.Set(out, p, fieldpath.CloneValue(iv))
			}
		} else if inCanon {
			_ = fieldpath.Set(out, p, fieldpath.CloneValue(cv))
		}
	}
	return out
}
