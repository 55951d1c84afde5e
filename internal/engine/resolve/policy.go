package resolve

import "strings"

// Policy picks the strategy for an entity type: an entity override beats
// the connection default, which beats the system default.
type Policy struct {
	Default  Strategy
	Entities map[string]Strategy
}

// NewPolicy builds a policy; entity keys are matched case-insensitively.
func NewPolicy(def Strategy, entities map[string]Strategy) Policy {
	p := Policy{Default: def, Entities: make(map[string]Strategy, len(entities))}
	for k, v := range entities {
		p.Entities[strings.ToLower(k)] = v
	}
	if p.Default == "" {
		p.Default = LastWriteWins
	}
	return p
}

// StrategyFor returns the effective strategy.
func (p Policy) StrategyFor(entityType string, connectionDefault Strategy) Strategy {
	if s, ok := p.Entities[strings.ToLower(entityType)]; ok {
		return s
	}
	if connectionDefault != "" {
		return connectionDefault
	}
	return p.Default
}
