package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("webhook subscription not found")

// Store persists subscriptions and the delivery log.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, connectionID *uuid.UUID) ([]*Subscription, error)
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*Delivery, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscription
	deliveries map[uuid.UUID][]*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[uuid.UUID]*Subscription),
		deliveries: make(map[uuid.UUID][]*Delivery),
	}
}

func cloneSub(s *Subscription) *Subscription {
	out := *s
	out.Events = append([]string(nil), s.Events...)
	if s.SecretRotatedAt != nil {
		t := *s.SecretRotatedAt
		out.SecretRotatedAt = &t
	}
	return &out
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.subs[s.ID] = cloneSub(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSub(s), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	m.subs[s.ID] = cloneSub(s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	delete(m.deliveries, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, connectionID *uuid.UUID) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if connectionID != nil && s.ConnectionID != *connectionID {
			continue
		}
		out = append(out, cloneSub(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	m.deliveries[d.SubscriptionID] = append(m.deliveries[d.SubscriptionID], &cp)
	return nil
}

// ListDeliveries returns the newest deliveries first.
func (m *MemoryStore) ListDeliveries(_ context.Context, subscriptionID uuid.UUID, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.deliveries[subscriptionID]
	out := make([]*Delivery, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
