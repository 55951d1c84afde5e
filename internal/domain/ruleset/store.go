package ruleset

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("rule set not found")

type Store interface {
	Save(ctx context.Context, m *RuleSetModel) error
	Get(ctx context.Context, id uuid.UUID) (*RuleSetModel, error)
	List(ctx context.Context, provider string, limit, offset int) ([]*RuleSetModel, int, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status, message string) error
	// Active returns every active rule set.
	Active(ctx context.Context) ([]*RuleSetModel, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RuleSetModel{})
}

func (s *GormStore) Save(ctx context.Context, m *RuleSetModel) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*RuleSetModel, error) {
	var m RuleSetModel
	result := s.db.WithContext(ctx).First(&m, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &m, result.Error
}

func (s *GormStore) List(ctx context.Context, provider string, limit, offset int) ([]*RuleSetModel, int, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&RuleSetModel{})
		if provider != "" {
			q = q.Where("provider = ?", provider)
		}
		return q
	}
	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []*RuleSetModel
	if err := scoped().Order("created_at desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (s *GormStore) SetStatus(ctx context.Context, id uuid.UUID, status Status, message string) error {
	updates := map[string]interface{}{
		"status":     status,
		"error":      message,
		"updated_at": time.Now().UTC(),
	}
	if status == StatusActive {
		updates["activated_at"] = time.Now().UTC()
	}
	result := s.db.WithContext(ctx).Model(&RuleSetModel{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Active(ctx context.Context) ([]*RuleSetModel, error) {
	var items []*RuleSetModel
	result := s.db.WithContext(ctx).Where("status = ?", StatusActive).Order("activated_at").Find(&items)
	return items, result.Error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*RuleSetModel
	seq   map[uuid.UUID]int
	next  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]*RuleSetModel), seq: make(map[uuid.UUID]int)}
}

func cloneModel(m *RuleSetModel) *RuleSetModel {
	c := *m
	c.Document = append([]byte(nil), m.Document...)
	return &c
}

func (s *MemoryStore) Save(_ context.Context, m *RuleSetModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if _, ok := s.seq[m.ID]; !ok {
		s.next++
		s.seq[m.ID] = s.next
	}
	s.items[m.ID] = cloneModel(m)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*RuleSetModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneModel(m), nil
}

func (s *MemoryStore) List(_ context.Context, provider string, limit, offset int) ([]*RuleSetModel, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*RuleSetModel
	for _, m := range s.items {
		if provider == "" || m.Provider == provider {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return s.seq[all[i].ID] > s.seq[all[j].ID] })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*RuleSetModel, 0, end-offset)
	for _, m := range all[offset:end] {
		out = append(out, cloneModel(m))
	}
	return out, total, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	m.Status = status
	m.Error = message
	m.UpdatedAt = now
	if status == StatusActive {
		m.ActivatedAt = &now
	}
	return nil
}

func (s *MemoryStore) Active(_ context.Context) ([]*RuleSetModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RuleSetModel
	for _, m := range s.items {
		if m.Status == StatusActive {
			out = append(out, cloneModel(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}
