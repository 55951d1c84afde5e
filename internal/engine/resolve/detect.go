// Package resolve decides whether two versions of a record conflict and, if
// they do, how the conflict is settled.
package resolve

import (
	"time"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

// Side names one of the two competing versions.
type Side string

const (
	SideNone      Side = ""
	SideCanonical Side = "canonical"
	SideIncoming  Side = "incoming"
	SideBoth      Side = "both"
)

// ConflictType classifies a divergence.
type ConflictType string

const (
	ConcurrentUpdate  ConflictType = "concurrent-update"
	DeleteVsUpdate    ConflictType = "delete-vs-update"
	SchemaMismatch    ConflictType = "schema-mismatch"
	DuplicateIdentity ConflictType = "duplicate-identity"
)

// Version is one side of a comparison. Revision is an opaque marker; only
// equality with the base revision is meaningful.
type Version struct {
	Value      fieldpath.Record `json:"value"`
	Revision   string           `json:"revision"`
	ModifiedAt time.Time        `json:"modified_at"`
	Deleted    bool             `json:"deleted,omitempty"`
}

// Base is the last common synchronization point of a record pair.
type Base struct {
	CanonicalRevision string
	IncomingRevision  string
	// Snapshot is the canonical value at that point; nil when unknown.
	Snapshot fieldpath.Record
}

// Detection is the outcome of comparing two versions against their base.
type Detection struct {
	// Changed is the side (or sides) modified since the base.
	Changed  Side
	Conflict bool
	Type     ConflictType
	// Changes lists the differing fields, canonical to incoming.
	Changes []fieldpath.Change
}

// Winner is the side whose value should be kept when there is no conflict.
func (d Detection) Winner() Side {
	if d.Changed == SideIncoming {
		return SideIncoming
	}
	return SideCanonical
}

// Detect compares versions by revision marker, never by wall clock. A nil
// base is first contact: the incoming value is accepted and nothing conflicts.
func Detect(base *Base, canonical, incoming Version) Detection {
	if base == nil {
		return Detection{Changed: SideIncoming, Changes: fieldpath.Diff(canonical.Value, incoming.Value)}
	}
	canonChanged := canonical.Revision != base.CanonicalRevision
	incChanged := incoming.Revision != base.IncomingRevision

	switch {
	case !canonChanged && !incChanged:
		return Detection{Changed: SideNone}
	case canonChanged && !incChanged:
		return Detection{Changed: SideCanonical, Changes: fieldpath.Diff(incoming.Value, canonical.Value)}
	case !canonChanged && incChanged:
		return Detection{Changed: SideIncoming, Changes: fieldpath.Diff(canonical.Value, incoming.Value)}
	}

	if canonical.Deleted && incoming.Deleted {
		return Detection{Changed: SideBoth}
	}
	if canonical.Deleted != incoming.Deleted {
		live := incoming.Value
		if incoming.Deleted {
			live = canonical.Value
		}
		return Detection{
			Changed:  SideBoth,
			Conflict: true,
			Type:     DeleteVsUpdate,
			Changes:  fieldpath.Diff(nil, live),
		}
	}
	changes := fieldpath.Diff(canonical.Value, incoming.Value)
	if len(changes) == 0 {
		return Detection{Changed: SideBoth}
	}
	return Detection{Changed: SideBoth, Conflict: true, Type: ConcurrentUpdate, Changes: changes}
}
