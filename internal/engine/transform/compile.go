package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
)

// step is one compiled rule variant. Each Kind has exactly one step type.
type step interface {
	apply(in fieldpath.Record) (any, bool, error)
}

type compiledRule struct {
	index    int
	kind     Kind
	target   string
	required bool
	def      any
	step     step
}

// Compiled is a validated, immutable rule set ready for Transform.
type Compiled struct {
	Set      *RuleSet
	inbound  []compiledRule
	outbound []compiledRule
	schema   *jsonschema.Schema

	outboundErr error
}

// Key returns the registry key of the rule set.
func (c *Compiled) Key() string { return registryKey(c.Set.Provider, c.Set.EntityType) }

// Identity returns the canonical identity path, if declared.
func (c *Compiled) Identity() string { return c.Set.Identity }

var coerceTypes = map[string]bool{
	"string": true, "integer": true, "number": true, "boolean": true, "date": true, "datetime": true,
}

var computedOps = map[string]bool{
	"template": true, "coalesce": true, "upper": true, "lower": true,
	"trim": true, "sum": true, "length": true, "join": true,
}

var conditionOps = map[string]bool{"eq": true, "ne": true, "exists": true, "missing": true, "in": true}

// Compile validates a rule set and prepares it for execution. Every problem
// found is reported, joined into one InvalidRuleSet error.
func (e *Engine) Compile(rs *RuleSet) (*Compiled, error) {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if rs == nil {
		return nil, syncerr.New(syncerr.InvalidRuleSet, "nil rule set")
	}
	if strings.TrimSpace(rs.Provider) == "" {
		fail("provider is required")
	}
	if strings.TrimSpace(rs.EntityType) == "" {
		fail("entity_type is required")
	}
	if len(rs.Inbound) == 0 {
		fail("at least one inbound rule is required")
	}
	if rs.Identity != "" && !fieldpath.Valid(rs.Identity) {
		fail("identity path %q is malformed", rs.Identity)
	}

	c := &Compiled{Set: rs}
	c.inbound = e.compileList("inbound", rs, rs.Inbound, fail)

	if len(rs.Outbound) > 0 {
		c.outbound = e.compileList("outbound", rs, rs.Outbound, fail)
	} else if inverted, err := invertRules(rs.Inbound); err != nil {
		// Inbound-only rule sets are valid; outbound use fails at run time.
		c.outboundErr = syncerr.New(syncerr.InvalidRuleSet,
			"rule set %s/%s has no outbound rules: %v", rs.Provider, rs.EntityType, err)
	} else {
		c.outbound = e.compileList("outbound", rs, inverted, fail)
	}

	if len(rs.Schema) > 0 {
		sch, err := compileSchema(rs)
		if err != nil {
			fail("schema: %v", err)
		}
		c.schema = sch
	}

	if len(problems) > 0 {
		return nil, &syncerr.Error{
			Class:   syncerr.InvalidRuleSet,
			Message: fmt.Sprintf("rule set %s/%s", rs.Provider, rs.EntityType),
			Err:     errors.Join(problems...),
		}
	}
	return c, nil
}

func (e *Engine) compileList(dir string, rs *RuleSet, rules []Rule, fail func(string, ...any)) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		where := fmt.Sprintf("%s rule %d (%s)", dir, i, r.Kind)
		if !fieldpath.Valid(r.Target) {
			fail("%s: target path %q is malformed", where, r.Target)
			continue
		}
		for j := 0; j < i; j++ {
			if fieldpath.Overlaps(rules[j].Target, r.Target) {
				fail("%s: target %q overlaps rule %d target %q", where, r.Target, j, rules[j].Target)
			}
		}
		st, err := e.compileStep(rs, r)
		if err != nil {
			fail("%s: %v", where, err)
			continue
		}
		out = append(out, compiledRule{
			index:    i,
			kind:     r.Kind,
			target:   r.Target,
			required: r.Required,
			def:      r.Default,
			step:     st,
		})
	}
	return out
}

func requireSource(r *Rule) error {
	if !fieldpath.Valid(r.Source) {
		return fmt.Errorf("source path %q is malformed", r.Source)
	}
	return nil
}

func requireSources(r *Rule) error {
	if len(r.Sources) == 0 {
		return fmt.Errorf("sources are required")
	}
	for _, s := range r.Sources {
		if !fieldpath.Valid(s) {
			return fmt.Errorf("source path %q is malformed", s)
		}
	}
	return nil
}

func (e *Engine) compileStep(rs *RuleSet, r *Rule) (step, error) {
	switch r.Kind {
	case KindDirect:
		if err := requireSource(r); err != nil {
			return nil, err
		}
		return directStep{src: r.Source}, nil

	case KindLookup:
		if err := requireSource(r); err != nil {
			return nil, err
		}
		if len(r.Values) == 0 {
			return nil, fmt.Errorf("values are required")
		}
		return lookupStep{src: r.Source, values: r.Values}, nil

	case KindCoerce:
		if err := requireSource(r); err != nil {
			return nil, err
		}
		if !coerceTypes[r.To] {
			return nil, fmt.Errorf("unsupported coercion target %q", r.To)
		}
		return newCoerceStep(r), nil

	case KindConcat:
		if err := requireSources(r); err != nil {
			return nil, err
		}
		return concatStep{srcs: r.Sources, sep: separatorOr(r.Separator, " ")}, nil

	case KindSplit:
		if err := requireSource(r); err != nil {
			return nil, err
		}
		return splitStep{src: r.Source, sep: separatorOr(r.Separator, " "), index: r.Index}, nil

	case KindComputed:
		if !computedOps[r.Op] {
			return nil, fmt.Errorf("unknown computed op %q", r.Op)
		}
		if r.Op == "template" {
			if r.Template == "" {
				return nil, fmt.Errorf("template is required for op template")
			}
			return newTemplateStep(r.Template)
		}
		srcs := r.allSources()
		if len(srcs) == 0 {
			return nil, fmt.Errorf("op %s needs at least one source", r.Op)
		}
		for _, s := range srcs {
			if !fieldpath.Valid(s) {
				return nil, fmt.Errorf("source path %q is malformed", s)
			}
		}
		return computedStep{op: r.Op, srcs: srcs, sep: separatorOr(r.Separator, " ")}, nil

	case KindConditional:
		if r.When == nil {
			return nil, fmt.Errorf("when is required")
		}
		if !fieldpath.Valid(r.When.Path) || !conditionOps[r.When.Op] {
			return nil, fmt.Errorf("condition needs a valid path and op (eq, ne, exists, missing, in)")
		}
		if r.Then == nil {
			return nil, fmt.Errorf("then is required")
		}
		then, err := e.compileBranch(rs, r, r.Then)
		if err != nil {
			return nil, fmt.Errorf("then: %w", err)
		}
		var els step
		if r.Else != nil {
			if els, err = e.compileBranch(rs, r, r.Else); err != nil {
				return nil, fmt.Errorf("else: %w", err)
			}
		}
		return conditionalStep{cond: *r.When, then: then, els: els}, nil

	case KindTable:
		if err := requireSource(r); err != nil {
			return nil, err
		}
		rows, ok := rs.Tables[r.Table]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", r.Table)
		}
		if r.Match == "" || r.Return == "" {
			return nil, fmt.Errorf("match and return columns are required")
		}
		return tableStep{src: r.Source, rows: rows, match: r.Match, ret: r.Return}, nil

	case KindCustom:
		fn, ok := e.funcs.Lookup(r.Function)
		if !ok {
			return nil, fmt.Errorf("unknown function %q", r.Function)
		}
		srcs := r.allSources()
		for _, s := range srcs {
			if !fieldpath.Valid(s) {
				return nil, fmt.Errorf("source path %q is malformed", s)
			}
		}
		return customStep{name: r.Function, fn: fn, srcs: srcs, args: r.Args}, nil
	}
	return nil, fmt.Errorf("unknown rule kind %q", r.Kind)
}

// compileBranch compiles a then/else rule; it inherits the parent target.
func (e *Engine) compileBranch(rs *RuleSet, parent, branch *Rule) (step, error) {
	if branch.Target != "" && branch.Target != parent.Target {
		return nil, fmt.Errorf("branch target %q must match %q", branch.Target, parent.Target)
	}
	return e.compileStep(rs, branch)
}

func separatorOr(sep, def string) string {
	if sep == "" {
		return def
	}
	return sep
}

// invertRules derives outbound rules from inbound ones. Only variants with a
// well-defined inverse are accepted.
func invertRules(inbound []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(inbound))
	for i, r := range inbound {
		inv := Rule{Kind: r.Kind, Source: r.Target, Target: r.Source, Required: r.Required}
		switch r.Kind {
		case KindDirect:
		case KindLookup:
			values := make(map[string]any, len(r.Values))
			for k, v := range r.Values {
				key := fmt.Sprint(v)
				if _, dup := values[key]; dup {
					return nil, fmt.Errorf("rule %d: lookup values are not one-to-one (%q)", i, key)
				}
				values[key] = k
			}
			inv.Values = values
		case KindCoerce:
			inv.To, inv.Format, inv.Layout = invertCoercion(r)
		case KindTable:
			inv.Table, inv.Match, inv.Return = r.Table, r.Return, r.Match
		default:
			return nil, fmt.Errorf("rule %d: %s rules are not invertible", i, r.Kind)
		}
		out = append(out, inv)
	}
	return out, nil
}

func invertCoercion(r Rule) (to, format, layout string) {
	switch r.To {
	case "date":
		return "date", layoutOr(r.Layout, dateLayout), layoutOr(r.Format, dateLayout)
	case "datetime":
		return "datetime", layoutOr(r.Layout, datetimeLayout), layoutOr(r.Format, datetimeLayout)
	}
	return "string", "", ""
}
