package transform

import (
	"sort"
	"strings"
	"sync"
)

// Sources of rule sets, in increasing precedence. A rule set stored through
// the API overrides a file with the same provider and entity type.
const (
	SourceFile = "file"
	SourceDB   = "db"
)

var sourceRank = map[string]int{SourceFile: 1, SourceDB: 2}

func registryKey(provider, entityType string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(entityType)
}

// Registry holds the active compiled rule set per provider and entity type.
// Readers always see a complete rule set; swaps are atomic per key.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]map[string]*Compiled // key -> source -> compiled
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]map[string]*Compiled)}
}

// Get returns the highest-precedence rule set for provider and entity type.
func (r *Registry) Get(provider, entityType string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bySource := r.sets[registryKey(provider, entityType)]
	var best *Compiled
	bestRank := 0
	for src, c := range bySource {
		if rank := sourceRank[src]; rank > bestRank {
			best, bestRank = c, rank
		}
	}
	return best, best != nil
}

// Put installs c under source, replacing any previous set from that source.
func (r *Registry) Put(source string, c *Compiled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := c.Key()
	if r.sets[key] == nil {
		r.sets[key] = make(map[string]*Compiled)
	}
	r.sets[key][source] = c
}

// Remove drops the set installed by source for provider and entity type.
func (r *Registry) Remove(source, provider, entityType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(provider, entityType)
	delete(r.sets[key], source)
	if len(r.sets[key]) == 0 {
		delete(r.sets, key)
	}
}

// ReplaceSource atomically swaps every set from source for sets.
func (r *Registry) ReplaceSource(source string, sets []*Compiled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, bySource := range r.sets {
		delete(bySource, source)
		if len(bySource) == 0 {
			delete(r.sets, key)
		}
	}
	for _, c := range sets {
		key := c.Key()
		if r.sets[key] == nil {
			r.sets[key] = make(map[string]*Compiled)
		}
		r.sets[key][source] = c
	}
}

// Keys lists the registered provider/entity keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sets))
	for k := range r.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
