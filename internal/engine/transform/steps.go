package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = time.RFC3339
)

func layoutOr(layout, def string) string {
	if layout == "" {
		return def
	}
	return layout
}

// read returns the value at path. A path that crosses a scalar is a
// structural mismatch between the record and the rule set.
func read(in fieldpath.Record, path string) (any, bool, error) {
	v, found, err := fieldpath.Lookup(in, path)
	if err != nil {
		return nil, false, &mismatchError{err: err}
	}
	return v, found, nil
}

type mismatchError struct{ err error }

func (e *mismatchError) Error() string { return e.err.Error() }
func (e *mismatchError) Unwrap() error { return e.err }

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// ---------------------------------------------------------------------------
// direct, lookup, table
// ---------------------------------------------------------------------------

type directStep struct{ src string }

func (s directStep) apply(in fieldpath.Record) (any, bool, error) {
	return read(in, s.src)
}

type lookupStep struct {
	src    string
	values map[string]any
}

func (s lookupStep) apply(in fieldpath.Record) (any, bool, error) {
	v, ok, err := read(in, s.src)
	if err != nil || !ok {
		return nil, ok, err
	}
	key := scalarString(v)
	mapped, ok := s.values[key]
	if !ok {
		return nil, false, fmt.Errorf("no mapping for value %q", key)
	}
	return mapped, true, nil
}

type tableStep struct {
	src   string
	rows  []map[string]any
	match string
	ret   string
}

func (s tableStep) apply(in fieldpath.Record) (any, bool, error) {
	v, ok, err := read(in, s.src)
	if err != nil || !ok {
		return nil, ok, err
	}
	key := scalarString(v)
	for _, row := range s.rows {
		if cell, ok := row[s.match]; ok && scalarString(cell) == key {
			out, ok := row[s.ret]
			if !ok {
				return nil, false, fmt.Errorf("table row for %q has no column %q", key, s.ret)
			}
			return out, true, nil
		}
	}
	return nil, false, fmt.Errorf("no table row where %s = %q", s.match, key)
}

// ---------------------------------------------------------------------------
// coerce
// ---------------------------------------------------------------------------

type coerceStep struct {
	src    string
	to     string
	format string
	layout string
}

func newCoerceStep(r *Rule) coerceStep {
	s := coerceStep{src: r.Source, to: r.To, format: r.Format, layout: r.Layout}
	switch r.To {
	case "date":
		s.format, s.layout = layoutOr(r.Format, dateLayout), layoutOr(r.Layout, dateLayout)
	case "datetime":
		s.format, s.layout = layoutOr(r.Format, datetimeLayout), layoutOr(r.Layout, datetimeLayout)
	}
	return s
}

func (s coerceStep) apply(in fieldpath.Record) (any, bool, error) {
	v, ok, err := read(in, s.src)
	if err != nil || !ok {
		return nil, ok, err
	}
	out, err := coerce(v, s.to, s.format, s.layout)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func coerce(v any, to, format, layout string) (any, error) {
	switch to {
	case "string":
		return scalarString(v), nil
	case "integer":
		switch t := v.(type) {
		case int:
			return t, nil
		case int64:
			return int(t), nil
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("cannot coerce %v to integer without losing precision", t)
			}
			return int(t), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to integer", t)
			}
			return n, nil
		}
	case "number":
		switch t := v.(type) {
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to number", t)
			}
			return f, nil
		}
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true", "t", "yes", "y", "1":
				return true, nil
			case "false", "f", "no", "n", "0":
				return false, nil
			}
			return nil, fmt.Errorf("cannot coerce %q to boolean", t)
		case float64:
			return t != 0, nil
		case int:
			return t != 0, nil
		}
	case "date", "datetime":
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to %s", v, to)
		}
		ts, err := time.Parse(format, strings.TrimSpace(str))
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s with layout %q", str, to, format)
		}
		if to == "datetime" {
			ts = ts.UTC()
		}
		return ts.Format(layout), nil
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, to)
}

// ---------------------------------------------------------------------------
// concat, split
// ---------------------------------------------------------------------------

type concatStep struct {
	srcs []string
	sep  string
}

func (s concatStep) apply(in fieldpath.Record) (any, bool, error) {
	parts := make([]string, 0, len(s.srcs))
	for _, src := range s.srcs {
		v, ok, err := read(in, src)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if str := scalarString(v); str != "" {
			parts = append(parts, str)
		}
	}
	if len(parts) == 0 {
		return nil, false, nil
	}
	return strings.Join(parts, s.sep), true, nil
}

type splitStep struct {
	src   string
	sep   string
	index *int
}

func (s splitStep) apply(in fieldpath.Record) (any, bool, error) {
	v, ok, err := read(in, s.src)
	if err != nil || !ok {
		return nil, ok, err
	}
	str, isStr := v.(string)
	if !isStr {
		return nil, false, fmt.Errorf("split needs a string, got %T", v)
	}
	raw := strings.Split(str, s.sep)
	parts := make([]any, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if s.index == nil {
		return parts, len(parts) > 0, nil
	}
	idx := *s.index
	if idx < 0 {
		idx += len(parts)
	}
	if idx < 0 || idx >= len(parts) {
		return nil, false, nil
	}
	return parts[idx], true, nil
}

// ---------------------------------------------------------------------------
// computed
// ---------------------------------------------------------------------------

type computedStep struct {
	op   string
	srcs []string
	sep  string
}

func (s computedStep) apply(in fieldpath.Record) (any, bool, error) {
	values := make([]any, 0, len(s.srcs))
	present := 0
	for _, src := range s.srcs {
		v, ok, err := read(in, src)
		if err != nil {
			return nil, false, err
		}
		if ok {
			present++
		}
		values = append(values, v)
	}
	if present == 0 {
		return nil, false, nil
	}

	switch s.op {
	case "coalesce":
		for _, v := range values {
			if v != nil {
				return v, true, nil
			}
		}
	case "upper", "lower", "trim":
		str, ok := values[0].(string)
		if !ok {
			return nil, false, fmt.Errorf("%s needs a string, got %T", s.op, values[0])
		}
		switch s.op {
		case "upper":
			return strings.ToUpper(str), true, nil
		case "lower":
			return strings.ToLower(str), true, nil
		}
		return strings.TrimSpace(str), true, nil
	case "sum":
		var total float64
		for _, v := range values {
			if v == nil {
				continue
			}
			n, err := coerce(v, "number", "", "")
			if err != nil {
				return nil, false, err
			}
			total += n.(float64)
		}
		return total, true, nil
	case "length":
		switch t := values[0].(type) {
		case string:
			return len([]rune(t)), true, nil
		case []any:
			return len(t), true, nil
		}
		return nil, false, fmt.Errorf("length needs a string or list, got %T", values[0])
	case "join":
		list, ok := values[0].([]any)
		if !ok {
			return nil, false, fmt.Errorf("join needs a list, got %T", values[0])
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, scalarString(item))
		}
		return strings.Join(parts, s.sep), true, nil
	}
	return nil, false, nil
}

// templateStep renders "${path}" placeholders. Missing values render empty;
// a template whose placeholders are all missing yields no value.
type templateStep struct {
	literals []string
	paths    []string
}

func newTemplateStep(tmpl string) (templateStep, error) {
	var st templateStep
	rest := tmpl
	for {
		open := strings.Index(rest, "${")
		if open < 0 {
			st.literals = append(st.literals, rest)
			break
		}
		end := strings.Index(rest[open:], "}")
		if end < 0 {
			return st, fmt.Errorf("unterminated placeholder in template %q", tmpl)
		}
		path := rest[open+2 : open+end]
		if !fieldpath.Valid(path) {
			return st, fmt.Errorf("placeholder path %q is malformed", path)
		}
		st.literals = append(st.literals, rest[:open])
		st.paths = append(st.paths, path)
		rest = rest[open+end+1:]
	}
	if len(st.paths) == 0 {
		return st, fmt.Errorf("template %q has no placeholders", tmpl)
	}
	return st, nil
}

func (s templateStep) apply(in fieldpath.Record) (any, bool, error) {
	var b strings.Builder
	present := 0
	for i, path := range s.paths {
		b.WriteString(s.literals[i])
		v, ok, err := read(in, path)
		if err != nil {
			return nil, false, err
		}
		if ok {
			present++
			b.WriteString(scalarString(v))
		}
	}
	b.WriteString(s.literals[len(s.literals)-1])
	if present == 0 {
		return nil, false, nil
	}
	return strings.Join(strings.Fields(b.String()), " "), true, nil
}

// ---------------------------------------------------------------------------
// conditional, custom
// ---------------------------------------------------------------------------

type conditionalStep struct {
	cond Condition
	then step
	els  step
}

func (s conditionalStep) apply(in fieldpath.Record) (any, bool, error) {
	matched, err := evalCondition(in, s.cond)
	if err != nil {
		return nil, false, err
	}
	if matched {
		return s.then.apply(in)
	}
	if s.els != nil {
		return s.els.apply(in)
	}
	return nil, false, nil
}

func evalCondition(in fieldpath.Record, c Condition) (bool, error) {
	v, ok, err := read(in, c.Path)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case "exists":
		return ok, nil
	case "missing":
		return !ok, nil
	case "eq":
		return ok && fieldpath.Equal(v, c.Value), nil
	case "ne":
		return !ok || !fieldpath.Equal(v, c.Value), nil
	case "in":
		if !ok {
			return false, nil
		}
		for _, candidate := range c.Values {
			if fieldpath.Equal(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown condition op %q", c.Op)
}

type customStep struct {
	name string
	fn   Func
	srcs []string
	args map[string]any
}

func (s customStep) apply(in fieldpath.Record) (out any, ok bool, err error) {
	values := make([]any, 0, len(s.srcs))
	present := 0
	for _, src := range s.srcs {
		v, found, rerr := read(in, src)
		if rerr != nil {
			return nil, false, rerr
		}
		if found {
			present++
		}
		values = append(values, v)
	}
	if len(s.srcs) > 0 && present == 0 {
		return nil, false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, ok, err = nil, false, fmt.Errorf("function %s panicked: %v", s.name, r)
		}
	}()
	res, err := s.fn(values, s.args)
	if err != nil {
		return nil, false, err
	}
	return res, res != nil, nil
}
