// Package transform maps records between provider and canonical shapes using
// declarative, versioned rule sets.
package transform

import (
	"errors"
	"fmt"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
)

// Direction selects which rule list of a set is applied.
type Direction string

const (
	Inbound       Direction = "inbound"
	Outbound      Direction = "outbound"
	Bidirectional Direction = "bidirectional"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Inbound, Outbound, Bidirectional:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Mode controls how a failing rule is handled.
type Mode string

const (
	// Strict aborts the record on the first failing rule.
	Strict Mode = "strict"
	// Lenient leaves the failing target absent and records a warning.
	Lenient Mode = "lenient"
)

// DefaultMode is lenient for inbound and strict for outbound, so a partial
// record is never pushed to a provider.
func DefaultMode(d Direction) Mode {
	if d == Outbound {
		return Strict
	}
	return Lenient
}

// Warning describes a rule that failed in lenient mode. Item is the input
// position in batch-level warnings and zero otherwise.
type Warning struct {
	Item    int           `json:"item"`
	Index   int           `json:"index"`
	Kind    Kind          `json:"kind"`
	Target  string        `json:"target"`
	Class   syncerr.Class `json:"class"`
	Message string        `json:"message"`
}

// Result is a transformed record with any lenient-mode warnings.
type Result struct {
	Record   fieldpath.Record `json:"record"`
	Warnings []Warning        `json:"warnings,omitempty"`
}

// Engine compiles and executes rule sets. It is safe for concurrent use.
type Engine struct {
	funcs *Functions
}

// NewEngine creates an engine; nil funcs uses the built-in functions only.
func NewEngine(funcs *Functions) *Engine {
	if funcs == nil {
		funcs = NewFunctions()
	}
	return &Engine{funcs: funcs}
}

// Functions returns the engine's custom-function registry.
func (e *Engine) Functions() *Functions { return e.funcs }

// Transform applies the rules of one direction to input. Rules are applied
// in declaration order and the input is never mutated, so the same input,
// rule set and mode always yield the same output. When the transformed record
// fails schema validation the partial result is returned with the
// SchemaMismatch error.
func (e *Engine) Transform(dir Direction, c *Compiled, input fieldpath.Record, mode Mode) (*Result, error) {
	if c == nil {
		return nil, syncerr.New(syncerr.InvalidRuleSet, "no compiled rule set")
	}
	var rules []compiledRule
	switch dir {
	case Inbound:
		rules = c.inbound
	case Outbound:
		if c.outboundErr != nil {
			return nil, c.outboundErr
		}
		rules = c.outbound
	default:
		return nil, syncerr.New(syncerr.TransformationError, "transform direction must be inbound or outbound, got %q", dir)
	}
	if input == nil {
		input = fieldpath.Record{}
	}

	res := &Result{Record: fieldpath.Record{}}
	for i := range rules {
		r := &rules[i]
		v, ok, err := r.step.apply(input)
		if err == nil && !ok {
			switch {
			case r.def != nil:
				v, ok = r.def, true
			case r.required:
				err = fmt.Errorf("required value for %s is missing", r.target)
			}
		}
		if err == nil && ok {
			err = fieldpath.Set(res.Record, r.target, fieldpath.CloneValue(v))
		}
		if err == nil {
			continue
		}

		class := syncerr.TransformationError
		var mm *mismatchError
		if errors.As(err, &mm) {
			class = syncerr.SchemaMismatch
		}
		if mode == Strict {
			return nil, &syncerr.Error{
				Class:   class,
				Message: fmt.Sprintf("%s rule %d (%s) -> %s", dir, r.index, r.kind, r.target),
				Err:     err,
			}
		}
		res.Warnings = append(res.Warnings, Warning{
			Index:   r.index,
			Kind:    r.kind,
			Target:  r.target,
			Class:   class,
			Message: err.Error(),
		})
	}

	if dir == Inbound && c.schema != nil {
		if err := validateSchema(c.schema, res.Record); err != nil {
			return res, &syncerr.Error{
				Class:   syncerr.SchemaMismatch,
				Message: fmt.Sprintf("canonical %s record does not match schema", c.Set.EntityType),
				Err:     err,
			}
		}
	}
	return res, nil
}

// BatchItem is the outcome of one record in a batch. A SchemaMismatch item
// keeps the partial record.
type BatchItem struct {
	Record   fieldpath.Record
	Warnings []Warning
	Err      error
}

// BatchResult holds per-record outcomes in input order. Warnings collects
// every item's warnings tagged with the item position.
type BatchResult struct {
	Items    []BatchItem
	Warnings []Warning
	Failed   int
}

// TransformBatch transforms each record independently. A failing record,
// including one whose rule panics, never affects the others.
func (e *Engine) TransformBatch(dir Direction, c *Compiled, inputs []fieldpath.Record, mode Mode) *BatchResult {
	out := &BatchResult{Items: make([]BatchItem, len(inputs))}
	for i, in := range inputs {
		item := e.transformOne(dir, c, in, mode)
		if item.Err != nil {
			out.Failed++
		}
		for _, w := range item.Warnings {
			w.Item = i
			out.Warnings = append(out.Warnings, w)
		}
		out.Items[i] = item
	}
	return out
}

func (e *Engine) transformOne(dir Direction, c *Compiled, in fieldpath.Record, mode Mode) (item BatchItem) {
	defer func() {
		if r := recover(); r != nil {
			item = BatchItem{Err: syncerr.New(syncerr.TransformationError, "transform panicked: %v", r)}
		}
	}()
	res, err := e.Transform(dir, c, in, mode)
	if res == nil {
		return BatchItem{Err: err}
	}
	return BatchItem{Record: res.Record, Warnings: res.Warnings, Err: err}
}
