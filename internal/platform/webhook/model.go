// Package webhook dispatches job events to subscriber endpoints and accepts
// signed entity notifications from providers.
package webhook

import (
	"time"

	"github.com/google/uuid"
)

// Signature algorithms.
const (
	AlgorithmSHA256 = "hmac-sha256"
	AlgorithmSHA512 = "hmac-sha512"
)

// Subscription is a registered endpoint of a connection. Its secret signs
// outbound deliveries and verifies inbound notifications. URL may be empty
// for subscriptions that only receive.
type Subscription struct {
	ID              uuid.UUID  `json:"id"`
	ConnectionID    uuid.UUID  `json:"connection_id"`
	URL             string     `json:"url,omitempty"`
	Secret          string     `json:"secret,omitempty"`
	PreviousSecret  string     `json:"-"`
	SecretRotatedAt *time.Time `json:"secret_rotated_at,omitempty"`
	Events          []string   `json:"events"`
	Algorithm       string     `json:"algorithm"`
	MaxAttempts     int        `json:"max_attempts"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Redacted hides the shared secret.
func (s *Subscription) Redacted() *Subscription {
	out := *s
	out.Secret = ""
	return &out
}

// Subscribed reports whether one of the subscription's patterns matches
// eventType. An empty pattern list matches every event.
func (s *Subscription) Subscribed(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, pat := range s.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

func (s *Subscription) timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Outcome of one delivery attempt or inbound receipt.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeFailed           Outcome = "failed"
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeAccepted         Outcome = "accepted"
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeUnknownEvent     Outcome = "unknown_event"
	OutcomeRejected         Outcome = "rejected"
)

// Delivery is one row of the delivery log.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	Direction      Direction  `json:"direction"`
	EventType      string     `json:"event_type"`
	EventID        string     `json:"event_id,omitempty"`
	PayloadDigest  string     `json:"payload_digest"`
	StatusCode     int        `json:"status_code"`
	Outcome        Outcome    `json:"outcome"`
	Attempt        int        `json:"attempt"`
	SignatureValid *bool      `json:"signature_valid,omitempty"`
	JobID          *uuid.UUID `json:"job_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `json:"created_at"`
}
