package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

type MemoryRepo struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*Conflict
	seq       int64
	order     map[uuid.UUID]int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{conflicts: make(map[uuid.UUID]*Conflict), order: make(map[uuid.UUID]int64)}
}

func clone(c *Conflict) *Conflict {
	out := *c
	out.Canonical.Value = fieldpath.Clone(c.Canonical.Value)
	out.Incoming.Value = fieldpath.Clone(c.Incoming.Value)
	out.ResolvedValue = fieldpath.Clone(c.ResolvedValue)
	out.ProviderData = fieldpath.Clone(c.ProviderData)
	out.Changes = append([]fieldpath.Change(nil), c.Changes...)
	if c.Base != nil {
		b := *c.Base
		b.Snapshot = fieldpath.Clone(c.Base.Snapshot)
		out.Base = &b
	}
	return &out
}

func (r *MemoryRepo) Create(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	r.seq++
	r.order[c.ID] = r.seq
	r.conflicts[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// List returns newest first.
func (r *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Conflict, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Conflict
	for _, c := range r.conflicts {
		if f.Match(c) {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return r.order[all[i].ID] > r.order[all[j].ID] })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Conflict, 0, end-offset)
	for _, c := range all[offset:end] {
		out = append(out, clone(c))
	}
	return out, total, nil
}

func (r *MemoryRepo) MarkResolved(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conflicts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Resolved() {
		return ErrAlreadyResolved
	}
	upd := clone(cur)
	upd.Status = c.Status
	upd.Severity = c.Severity
	upd.Strategy = c.Strategy
	upd.Winner = c.Winner
	upd.ResolvedValue = fieldpath.Clone(c.ResolvedValue)
	upd.ResolvedDeleted = c.ResolvedDeleted
	upd.Reason = c.Reason
	upd.ResolvedBy = c.ResolvedBy
	upd.ResolvedAt = c.ResolvedAt
	r.conflicts[c.ID] = upd
	return nil
}

func (r *MemoryRepo) MarkApplied(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	c.Applied = true
	return nil
}
