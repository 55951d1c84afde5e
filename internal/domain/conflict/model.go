// Package conflict stores detected divergences between canonical and
// provider records and runs the manual-review queue.
package conflict

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/resolve"
)

type Status string

const (
	StatusUnresolved       Status = "unresolved"
	StatusAutoResolved     Status = "auto-resolved"
	StatusManuallyResolved Status = "manually-resolved"
)

// ResolverSystem is the resolver identity of automatic resolutions.
const ResolverSystem = "system"

// Conflict is one detected divergence. Once Status leaves unresolved the row
// never changes again.
type Conflict struct {
	ID           uuid.UUID  `json:"id"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	ConnectionID uuid.UUID  `json:"connection_id"`
	EntityType   string     `json:"entity_type"`
	RecordID     *uuid.UUID `json:"record_id,omitempty"`
	ProviderID   string     `json:"provider_id"`
	// Identity is set when RecordID is nil so that an accepted value can
	// become a new canonical record.
	Identity string `json:"identity,omitempty"`

	Type     resolve.ConflictType `json:"type"`
	Severity resolve.Severity     `json:"severity"`
	Status   Status               `json:"status"`

	Canonical resolve.Version    `json:"canonical"`
	Incoming  resolve.Version    `json:"incoming"`
	Base      *BaseSnapshot      `json:"base,omitempty"`
	Changes   []fieldpath.Change `json:"changes"`
	// ProviderData is the untransformed provider payload of a schema mismatch.
	ProviderData fieldpath.Record `json:"provider_data,omitempty"`

	Strategy        string           `json:"strategy,omitempty"`
	Winner          resolve.Side     `json:"winner,omitempty"`
	ResolvedValue   fieldpath.Record `json:"resolved_value,omitempty"`
	ResolvedDeleted bool             `json:"resolved_deleted,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	// Applied is set once a manual resolution reached the canonical store.
	Applied bool `json:"applied"`

	PriorConflictID *uuid.UUID `json:"prior_conflict_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// BaseSnapshot is the last common synchronization point a conflict was
// detected against.
type BaseSnapshot struct {
	CanonicalRevision string           `json:"canonical_revision"`
	IncomingRevision  string           `json:"incoming_revision"`
	Snapshot          fieldpath.Record `json:"snapshot,omitempty"`
}

func baseSnapshot(b *resolve.Base) *BaseSnapshot {
	if b == nil {
		return nil
	}
	return &BaseSnapshot{CanonicalRevision: b.CanonicalRevision, IncomingRevision: b.IncomingRevision, Snapshot: b.Snapshot}
}

// New builds an unresolved conflict from the engine's view of it.
func New(connectionID uuid.UUID, recordID *uuid.UUID, providerID string, c resolve.Conflict) *Conflict {
	return &Conflict{
		ConnectionID: connectionID,
		EntityType:   c.EntityType,
		RecordID:     recordID,
		ProviderID:   providerID,
		Type:         c.Type,
		Status:       StatusUnresolved,
		Canonical:    c.Canonical,
		Incoming:     c.Incoming,
		Base:         baseSnapshot(c.Base),
		Changes:      c.Changes,
	}
}

func (c *Conflict) Resolved() bool { return c.Status != StatusUnresolved }

// Successor returns a fresh unresolved conflict referencing c. canonical
// replaces the canonical side when the store moved on since c was detected.
func (c *Conflict) Successor(canonical *resolve.Version) *Conflict {
	next := &Conflict{
		JobID:           c.JobID,
		ConnectionID:    c.ConnectionID,
		EntityType:      c.EntityType,
		RecordID:        c.RecordID,
		ProviderID:      c.ProviderID,
		Identity:        c.Identity,
		Type:            c.Type,
		Severity:        c.Severity,
		Status:          StatusUnresolved,
		Canonical:       c.Canonical,
		Incoming:        c.Incoming,
		Base:            c.Base,
		Changes:         c.Changes,
		ProviderData:    c.ProviderData,
		PriorConflictID: &c.ID,
	}
	if canonical != nil {
		next.Canonical = *canonical
		next.Changes = fieldpath.Diff(canonical.Value, c.Incoming.Value)
	}
	return next
}

// Choice is a reviewer's decision.
type Choice string

const (
	ChoiceCanonical Choice = "canonical"
	ChoiceIncoming  Choice = "incoming"
	ChoiceMerged    Choice = "merged"
)

// Decision is the body of a manual resolution.
type Decision struct {
	Choice  Choice           `json:"choice"`
	Value   fieldpath.Record `json:"value,omitempty"`
	Deleted bool             `json:"deleted,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

// outcome returns the winner, value and deletion flag d selects on c.
func (d Decision) outcome(c *Conflict) (resolve.Side, fieldpath.Record, bool, error) {
	switch d.Choice {
	case ChoiceCanonical:
		return resolve.SideCanonical, fieldpath.Clone(c.Canonical.Value), c.Canonical.Deleted, nil
	case ChoiceIncoming:
		return resolve.SideIncoming, fieldpath.Clone(c.Incoming.Value), c.Incoming.Deleted, nil
	case ChoiceMerged:
		if d.Value == nil && !d.Deleted {
			return "", nil, false, fmt.Errorf("a merged resolution needs a value")
		}
		return resolve.SideBoth, fieldpath.Clone(d.Value), d.Deleted, nil
	}
	return "", nil, false, fmt.Errorf("invalid choice %q", d.Choice)
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status       Status
	ConnectionID *uuid.UUID
	EntityType   string
	ProviderID   string
	Severity     resolve.Severity
	JobID        *uuid.UUID
}

func (f Filter) Match(c *Conflict) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.ConnectionID != nil && c.ConnectionID != *f.ConnectionID {
		return false
	}
	if f.EntityType != "" && c.EntityType != f.EntityType {
		return false
	}
	if f.ProviderID != "" && c.ProviderID != f.ProviderID {
		return false
	}
	if f.Severity != "" && c.Severity != f.Severity {
		return false
	}
	if f.JobID != nil && (c.JobID == nil || *c.JobID != *f.JobID) {
		return false
	}
	return true
}
