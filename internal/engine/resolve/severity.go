package resolve

import (
	"fmt"
	"strings"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

// Severity ranks how dangerous it is to auto-resolve a conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AutoResolvable reports whether a conflict of this severity may be resolved
// without a human. High and critical never are.
func (s Severity) AutoResolvable() bool {
	return severityRank[s] <= severityRank[SeverityMedium]
}

// Max returns the more severe of s and o.
func (s Severity) Max(o Severity) Severity {
	if severityRank[o] > severityRank[s] {
		return o
	}
	return s
}

// Entity types whose every field is safety-relevant.
var criticalEntities = map[string]bool{
	"allergy":             true,
	"allergyintolerance":  true,
	"medication":          true,
	"medicationrequest":   true,
	"medicationstatement": true,
}

// Built-in field classes, keyed by the first path segment.
var fieldSeverity = map[string]Severity{
	// clinical values
	"value":              SeverityCritical,
	"valuequantity":      SeverityCritical,
	"valuestring":        SeverityCritical,
	"code":               SeverityCritical,
	"status":             SeverityCritical,
	"clinicalstatus":     SeverityCritical,
	"verificationstatus": SeverityCritical,
	"interpretation":     SeverityCritical,
	"dosage":             SeverityCritical,
	"allergies":          SeverityCritical,
	"medications":        SeverityCritical,

	// identity
	"name":       SeverityHigh,
	"birthdate":  SeverityHigh,
	"gender":     SeverityHigh,
	"identifier": SeverityHigh,
	"mrn":        SeverityHigh,
	"ssn":        SeverityHigh,
	"deceased":   SeverityHigh,

	// administrative
	"telecom":       SeverityMedium,
	"phone":         SeverityMedium,
	"email":         SeverityMedium,
	"address":       SeverityMedium,
	"contact":       SeverityMedium,
	"maritalstatus": SeverityMedium,
	"language":      SeverityMedium,

	// metadata
	"meta":        SeverityLow,
	"lastupdated": SeverityLow,
	"versionid":   SeverityLow,
	"source":      SeverityLow,
}

// Classifier derives conflict severity from the entity type and the fields
// that differ. Overrides are keyed "entity" or "entity.field" (field being a
// full dot path), case-insensitive; a field override beats an entity override,
// which beats the built-in tables. Critical entities stay critical whatever
// the overrides say.
type Classifier struct {
	entity map[string]Severity
	field  map[string]Severity
}

// NewClassifier builds a classifier from configured overrides.
func NewClassifier(overrides map[string]string) (*Classifier, error) {
	c := &Classifier{entity: make(map[string]Severity), field: make(map[string]Severity)}
	for key, val := range overrides {
		sev, err := ParseSeverity(val)
		if err != nil {
			return nil, fmt.Errorf("severity override %s: %w", key, err)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if entity, field, ok := strings.Cut(key, "."); ok {
			c.field[entity+"."+field] = sev
			continue
		}
		c.entity[key] = sev
	}
	return c, nil
}

// FieldSeverity classifies one field of an entity.
func (c *Classifier) FieldSeverity(entityType, path string) Severity {
	entity := strings.ToLower(entityType)
	lpath := strings.ToLower(path)
	if sev, ok := c.field[entity+"."+lpath]; ok {
		return floor(entity, sev)
	}
	if sev, ok := c.entity[entity]; ok {
		return floor(entity, sev)
	}
	if criticalEntities[entity] {
		return SeverityCritical
	}
	first := lpath
	if i := strings.IndexByte(lpath, '.'); i >= 0 {
		first = lpath[:i]
	}
	if sev, ok := fieldSeverity[first]; ok {
		return sev
	}
	return SeverityMedium
}

// Severity is the most severe class across fields. With no fields it is the
// entity-level class.
func (c *Classifier) Severity(entityType string, fields []string) Severity {
	if len(fields) == 0 {
		entity := strings.ToLower(entityType)
		if sev, ok := c.entity[entity]; ok {
			return floor(entity, sev)
		}
		if criticalEntities[entity] {
			return SeverityCritical
		}
		return SeverityMedium
	}
	out := SeverityLow
	for _, f := range fields {
		out = out.Max(c.FieldSeverity(entityType, f))
	}
	return out
}

// floor keeps an override from lowering a critical entity.
func floor(entity string, sev Severity) Severity {
	if criticalEntities[entity] {
		return sev.Max(SeverityCritical)
	}
	return sev
}

func changedPaths(changes []fieldpath.Change) []string {
	out := make([]string, 0, len(changes))
	for _, ch := range changes {
		out = append(out, ch.Path)
	}
	return out
}
