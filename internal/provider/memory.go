package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
)

// KindMemory is the adapter kind of in-process sandboxes.
const KindMemory = "memory"

// MemoryAdapter is an in-process provider holding entities per entity type.
// Each Put advances the entity's revision. It backs sandbox connections
// and tests.
type MemoryAdapter struct {
	mu       sync.Mutex
	entities map[string]map[string]Entity // entity type -> id -> entity
	rev      int
	now      func() time.Time

	// Healthy controls TestConnection.
	Healthy bool
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		entities: make(map[string]map[string]Entity),
		now:      time.Now,
		Healthy:  true,
	}
}

// Put stores or replaces an entity and returns its new revision.
func (m *MemoryAdapter) Put(entityType, id string, data fieldpath.Record) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	ent := Entity{
		ID:         id,
		Revision:   strconv.Itoa(m.rev),
		ModifiedAt: m.now(),
		Data:       fieldpath.Clone(data),
	}
	if m.entities[entityType] == nil {
		m.entities[entityType] = make(map[string]Entity)
	}
	m.entities[entityType][id] = ent
	return ent.Revision
}

// Delete marks an entity deleted.
func (m *MemoryAdapter) Delete(entityType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[entityType][id]
	if !ok {
		return
	}
	m.rev++
	ent.Deleted = true
	ent.Revision = strconv.Itoa(m.rev)
	ent.ModifiedAt = m.now()
	m.entities[entityType][id] = ent
}

// Get returns a stored entity.
func (m *MemoryAdapter) Get(entityType, id string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[entityType][id]
	if ok {
		ent.Data = fieldpath.Clone(ent.Data)
	}
	return ent, ok
}

func (m *MemoryAdapter) Authenticate(context.Context) (*Token, error) {
	return &Token{AccessToken: "memory", TokenType: "Bearer", ExpiresAt: m.now().Add(time.Hour)}, nil
}

// FetchEntities pages through entities in id order. PageToken is the offset
// of the next page.
func (m *MemoryAdapter) FetchEntities(ctx context.Context, req FetchRequest) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ResourceID != "" {
		ent, ok := m.entities[req.EntityType][req.ResourceID]
		if !ok {
			return &Page{Entities: []Entity{{ID: req.ResourceID, Deleted: true}}}, nil
		}
		ent.Data = fieldpath.Clone(ent.Data)
		return &Page{Entities: []Entity{ent}}, nil
	}

	var matched []Entity
	for _, ent := range m.entities[req.EntityType] {
		if req.Since != nil && !ent.ModifiedAt.After(*req.Since) {
			continue
		}
		if req.PatientID != "" && !belongsTo(req.EntityType, ent, req.PatientID) {
			continue
		}
		matched = append(matched, ent)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	offset := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil || n < 0 {
			return nil, syncerr.New(syncerr.ProviderError, "bad page token %q", req.PageToken)
		}
		offset = n
	}
	size := req.PageSize
	if size <= 0 {
		size = 100
	}
	page := &Page{}
	if offset < len(matched) {
		end := offset + size
		if end > len(matched) {
			end = len(matched)
		}
		for _, ent := range matched[offset:end] {
			ent.Data = fieldpath.Clone(ent.Data)
			page.Entities = append(page.Entities, ent)
		}
		if end < len(matched) {
			page.NextPageToken = strconv.Itoa(end)
		}
	}
	return page, nil
}

func belongsTo(entityType string, ent Entity, patientID string) bool {
	if entityType == "patient" {
		return ent.ID == patientID
	}
	v, ok := fieldpath.Get(ent.Data, "patient")
	return ok && fmt.Sprint(v) == patientID
}

func (m *MemoryAdapter) PushEntity(_ context.Context, entityType, providerID string, rec fieldpath.Record) (string, error) {
	if providerID == "" {
		providerID = uuid.NewString()
	}
	m.Put(entityType, providerID, rec)
	return providerID, nil
}

func (m *MemoryAdapter) TestConnection(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Healthy {
		return syncerr.New(syncerr.ProviderError, "sandbox provider is marked unhealthy")
	}
	return nil
}

// MemoryFactory returns a factory that hands out one shared MemoryAdapter
// per base URL, so every job of a sandbox connection sees the same data.
func MemoryFactory() Factory {
	var mu sync.Mutex
	sandboxes := make(map[string]*MemoryAdapter)
	return func(cfg Config) (Adapter, error) {
		mu.Lock()
		defer mu.Unlock()
		a, ok := sandboxes[cfg.BaseURL]
		if !ok {
			a = NewMemoryAdapter()
			sandboxes[cfg.BaseURL] = a
		}
		return a, nil
	}
}
