package connection

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("connection not found")

type Repository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	Update(ctx context.Context, c *Connection) error
	List(ctx context.Context, limit, offset int) ([]*Connection, int, error)
}
