package record

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the single write path for canonical records. Every update
// is conditional on the revision the writer last read.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	FindByIdentity(ctx context.Context, entityType, identity string) (*Record, error)
	// Insert stores a new record at revision 1.
	Insert(ctx context.Context, rec *Record) error
	// UpdateIfRevision writes rec if the stored revision equals expected and
	// advances rec.Revision. Otherwise it returns ErrRevisionMismatch and
	// leaves the store unchanged.
	UpdateIfRevision(ctx context.Context, rec *Record, expected int64) error
	List(ctx context.Context, entityType string, limit, offset int) ([]*Record, int, error)

	GetLink(ctx context.Context, connectionID uuid.UUID, entityType, providerID string) (*Link, error)
	GetLinkByRecord(ctx context.Context, connectionID, recordID uuid.UUID) (*Link, error)
	UpsertLink(ctx context.Context, l *Link) error
}
