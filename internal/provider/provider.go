// Package provider defines the contract between the sync orchestrator and
// external clinical-record systems, plus the adapters shipped with the
// engine.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

// Config carries the connection settings an adapter is built from.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Token is a provider access token.
type Token struct {
	AccessToken string    `json:"-"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Entity is one provider-native record.
type Entity struct {
	ID         string
	Revision   string
	ModifiedAt time.Time
	Deleted    bool
	Data       fieldpath.Record
}

// FetchRequest selects the entities of one page.
type FetchRequest struct {
	EntityType string
	ResourceID string
	PatientID  string
	Since      *time.Time
	PageToken  string
	PageSize   int
}

// Page is one page of fetched entities. An empty NextPageToken means there
// are no more pages.
type Page struct {
	Entities      []Entity
	NextPageToken string
}

// Adapter translates orchestrator operations into calls on one remote API.
// Errors are classified with syncerr so the orchestrator can tell
// retryable failures from fatal ones.
type Adapter interface {
	Authenticate(ctx context.Context) (*Token, error)
	FetchEntities(ctx context.Context, req FetchRequest) (*Page, error)
	// PushEntity creates the record when providerID is empty, updates it
	// otherwise, and returns the provider's identifier.
	PushEntity(ctx context.Context, entityType, providerID string, rec fieldpath.Record) (string, error)
	TestConnection(ctx context.Context) error
}

// Factory builds an adapter for one connection.
type Factory func(cfg Config) (Adapter, error)

// Registry maps adapter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in fhir adapter.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindFHIR, func(cfg Config) (Adapter, error) { return NewFHIRAdapter(cfg) })
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(kind)] = f
}

// Open builds an adapter of the given kind.
func (r *Registry) Open(kind string, cfg Config) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter kind %q", kind)
	}
	return f(cfg)
}

// Kinds lists the registered adapter kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
