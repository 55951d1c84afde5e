package connection

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/provider"
)

// Status of a provider connection. Only active connections accept jobs.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError:
		return true
	}
	return false
}

// Connection is one configured link to an external record system.
// Provider names the rule-set family used to transform its entities;
// Adapter selects the wire implementation.
type Connection struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Provider        string     `json:"provider"`
	Adapter         string     `json:"adapter"`
	BaseURL         string     `json:"base_url"`
	TokenURL        string     `json:"token_url,omitempty"`
	ClientID        string     `json:"client_id,omitempty"`
	ClientSecret    string     `json:"client_secret,omitempty"`
	Scopes          []string   `json:"scopes,omitempty"`
	Status          Status     `json:"status"`
	DefaultStrategy string     `json:"default_strategy,omitempty"`
	LastTestedAt    *time.Time `json:"last_tested_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProviderConfig returns the adapter settings of the connection.
func (c *Connection) ProviderConfig() provider.Config {
	return provider.Config{
		BaseURL:      c.BaseURL,
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
	}
}

// AdapterKind returns the adapter kind, defaulting to FHIR.
func (c *Connection) AdapterKind() string {
	if c.Adapter == "" {
		return provider.KindFHIR
	}
	return strings.ToLower(c.Adapter)
}

// Redacted returns a copy safe to serialize to API clients.
func (c *Connection) Redacted() *Connection {
	out := *c
	if out.ClientSecret != "" {
		out.ClientSecret = "********"
	}
	return &out
}
