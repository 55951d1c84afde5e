// Package record stores canonical records and the sync links that tie them
// to provider records.
package record

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/resolve"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrRevisionMismatch is returned by UpdateIfRevision when the stored
	// revision differs from the expected one.
	ErrRevisionMismatch = errors.New("record revision mismatch")
	// ErrDuplicateIdentity is returned by Insert when a record with the same
	// entity type and identity exists.
	ErrDuplicateIdentity = errors.New("record identity already exists")
)

// Record is the canonical, provider-agnostic form of a clinical entity.
// Revision starts at 1 and grows by one with every write.
type Record struct {
	ID         uuid.UUID        `json:"id"`
	EntityType string           `json:"entity_type"`
	Identity   string           `json:"identity"`
	Data       fieldpath.Record `json:"data"`
	Revision   int64            `json:"revision"`
	Deleted    bool             `json:"deleted"`
	ModifiedAt time.Time        `json:"modified_at"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RevisionMarker renders the revision as the opaque marker used by conflict
// detection.
func RevisionMarker(rev int64) string { return strconv.FormatInt(rev, 10) }

// Version is the record as one side of a conflict comparison.
func (r *Record) Version() resolve.Version {
	return resolve.Version{
		Value:      r.Data,
		Revision:   RevisionMarker(r.Revision),
		ModifiedAt: r.ModifiedAt,
		Deleted:    r.Deleted,
	}
}

// Link is the last common synchronization point between a canonical record
// and one provider record of a connection.
type Link struct {
	ConnectionID      uuid.UUID        `json:"connection_id"`
	EntityType        string           `json:"entity_type"`
	ProviderID        string           `json:"provider_id"`
	RecordID          uuid.UUID        `json:"record_id"`
	CanonicalRevision int64            `json:"canonical_revision"`
	ProviderRevision  string           `json:"provider_revision"`
	Snapshot          fieldpath.Record `json:"snapshot,omitempty"`
	SyncedAt          time.Time        `json:"synced_at"`
}

// Base converts the link into the base of a conflict comparison.
func (l *Link) Base() *resolve.Base {
	if l == nil {
		return nil
	}
	return &resolve.Base{
		CanonicalRevision: RevisionMarker(l.CanonicalRevision),
		IncomingRevision:  l.ProviderRevision,
		Snapshot:          l.Snapshot,
	}
}
