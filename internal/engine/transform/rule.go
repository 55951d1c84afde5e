package transform

// Kind identifies a rule variant.
type Kind string

const (
	KindDirect      Kind = "direct"
	KindLookup      Kind = "lookup"
	KindCoerce      Kind = "coerce"
	KindConcat      Kind = "concat"
	KindSplit       Kind = "split"
	KindComputed    Kind = "computed"
	KindConditional Kind = "conditional"
	KindTable       Kind = "table"
	KindCustom      Kind = "custom"
)

// Rule is the declarative form of a transformation rule as it appears in a
// rule-set file. Which parameters apply depends on Kind; Compile rejects
// parameters that do not fit the variant.
type Rule struct {
	Kind     Kind     `yaml:"kind" json:"kind"`
	Source   string   `yaml:"source,omitempty" json:"source,omitempty"`
	Sources  []string `yaml:"sources,omitempty" json:"sources,omitempty"`
	Target   string   `yaml:"target,omitempty" json:"target,omitempty"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any      `yaml:"default,omitempty" json:"default,omitempty"`

	// lookup
	Values map[string]any `yaml:"values,omitempty" json:"values,omitempty"`

	// coerce: To is the canonical type, Format the input layout for
	// date/datetime, Layout the output layout.
	To     string `yaml:"to,omitempty" json:"to,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Layout string `yaml:"layout,omitempty" json:"layout,omitempty"`

	// concat, split
	Separator string `yaml:"separator,omitempty" json:"separator,omitempty"`
	Index     *int   `yaml:"index,omitempty" json:"index,omitempty"`

	// computed
	Op       string `yaml:"op,omitempty" json:"op,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// conditional
	When *Condition `yaml:"when,omitempty" json:"when,omitempty"`
	Then *Rule      `yaml:"then,omitempty" json:"then,omitempty"`
	Else *Rule      `yaml:"else,omitempty" json:"else,omitempty"`

	// table
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
	Match  string `yaml:"match,omitempty" json:"match,omitempty"`
	Return string `yaml:"return,omitempty" json:"return,omitempty"`

	// custom
	Function string         `yaml:"function,omitempty" json:"function,omitempty"`
	Args     map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Condition guards a conditional rule.
type Condition struct {
	Path   string `yaml:"path" json:"path"`
	Op     string `yaml:"op" json:"op"` // eq, ne, exists, missing, in
	Value  any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any  `yaml:"values,omitempty" json:"values,omitempty"`
}

// RuleSet groups the rules for one provider and entity type. Inbound rules
// read provider paths and write canonical paths; outbound rules do the
// reverse. When Outbound is empty it is derived by inverting Inbound.
type RuleSet struct {
	Name       string `yaml:"name" json:"name"`
	Provider   string `yaml:"provider" json:"provider"`
	EntityType string `yaml:"entity_type" json:"entity_type"`
	Version    int    `yaml:"version,omitempty" json:"version,omitempty"`

	// Identity is the canonical path holding the logical identity of a record.
	Identity string `yaml:"identity,omitempty" json:"identity,omitempty"`

	Tables   map[string][]map[string]any `yaml:"tables,omitempty" json:"tables,omitempty"`
	Inbound  []Rule                      `yaml:"inbound" json:"inbound"`
	Outbound []Rule                      `yaml:"outbound,omitempty" json:"outbound,omitempty"`

	// Schema is an optional JSON Schema the canonical record must satisfy.
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// allSources lists the source paths a rule reads.
func (r *Rule) allSources() []string {
	out := make([]string, 0, 1+len(r.Sources))
	if r.Source != "" {
		out = append(out, r.Source)
	}
	return append(out, r.Sources...)
}
