package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepo struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{conns: make(map[uuid.UUID]*Connection)}
}

func clone(c *Connection) *Connection {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func (r *MemoryRepo) Create(_ context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.conns[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (r *MemoryRepo) Update(_ context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.conns[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	r.conns[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepo) List(_ context.Context, limit, offset int) ([]*Connection, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, clone(c))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
