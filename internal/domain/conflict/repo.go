package conflict

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("conflict not found")
	// ErrAlreadyResolved is returned when resolving a conflict that left the
	// unresolved state.
	ErrAlreadyResolved = errors.New("conflict already resolved")
	// ErrNoRecord is returned when a decision would keep a value for a
	// conflict that has neither a canonical record nor an identity.
	ErrNoRecord = errors.New("conflict has no canonical record to write to")
)

type Repository interface {
	Create(ctx context.Context, c *Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Conflict, int, error)
	// MarkResolved stores the resolution fields of c when the stored row is
	// still unresolved.
	MarkResolved(ctx context.Context, c *Conflict) error
	MarkApplied(ctx context.Context, id uuid.UUID) error
}
