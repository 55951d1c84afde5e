package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
)

// MemoryRepo is an in-process Repository. Records are deep-copied on the
// way in and out so callers never share maps with the store.
type MemoryRepo struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]*Record
	byIdentity map[string]uuid.UUID
	links      map[string]*Link
	now        func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records:    make(map[uuid.UUID]*Record),
		byIdentity: make(map[string]uuid.UUID),
		links:      make(map[string]*Link),
		now:        time.Now,
	}
}

func identityKey(entityType, identity string) string { return entityType + "\x00" + identity }

func linkKey(connectionID uuid.UUID, entityType, providerID string) string {
	return connectionID.String() + "\x00" + entityType + "\x00" + providerID
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Data = fieldpath.Clone(r.Data)
	return &c
}

func cloneLink(l *Link) *Link {
	c := *l
	c.Snapshot = fieldpath.Clone(l.Snapshot)
	return &c
}

func (m *MemoryRepo) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryRepo) FindByIdentity(_ context.Context, entityType, identity string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdentity[identityKey(entityType, identity)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(m.records[id]), nil
}

func (m *MemoryRepo) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identityKey(rec.EntityType, rec.Identity)
	if _, dup := m.byIdentity[key]; dup {
		return ErrDuplicateIdentity
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := m.now()
	rec.Revision = 1
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = now
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.ID] = cloneRecord(rec)
	m.byIdentity[key] = rec.ID
	return nil
}

func (m *MemoryRepo) UpdateIfRevision(_ context.Context, rec *Record, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != expected {
		return syncerr.Wrap(ErrRevisionMismatch, syncerr.RevisionMismatch,
			fmt.Sprintf("%s %s expected revision %d, found %d", cur.EntityType, rec.ID, expected, cur.Revision))
	}
	now := m.now()
	cur.Data = fieldpath.Clone(rec.Data)
	cur.Deleted = rec.Deleted
	cur.Revision++
	cur.ModifiedAt = rec.ModifiedAt
	if cur.ModifiedAt.IsZero() {
		cur.ModifiedAt = now
	}
	cur.UpdatedAt = now

	rec.Revision = cur.Revision
	rec.ModifiedAt = cur.ModifiedAt
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryRepo) List(_ context.Context, entityType string, limit, offset int) ([]*Record, int, error) {
	m.mu.RLock()
	var out []*Record
	for _, r := range m.records {
		if r.EntityType == entityType {
			out = append(out, cloneRecord(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	total := len(out)
	if offset >= total {
		return []*Record{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *MemoryRepo) GetLink(_ context.Context, connectionID uuid.UUID, entityType, providerID string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[linkKey(connectionID, entityType, providerID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLink(l), nil
}

func (m *MemoryRepo) GetLinkByRecord(_ context.Context, connectionID, recordID uuid.UUID) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.links {
		if l.ConnectionID == connectionID && l.RecordID == recordID {
			return cloneLink(l), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepo) UpsertLink(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.SyncedAt = m.now()
	m.links[linkKey(l.ConnectionID, l.EntityType, l.ProviderID)] = cloneLink(l)
	return nil
}
