// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every failure surfaced to operators carries a Class so that job status,
// statistics and the delivery log can break errors down by classification.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class categorizes sync failures.
type Class string

const (
	ConnectionInactive   Class = "ConnectionInactive"
	InvalidScope         Class = "InvalidScope"
	AuthenticationFailed Class = "AuthenticationFailed"
	RateLimited          Class = "RateLimited"
	NetworkTimeout       Class = "NetworkTimeout"
	TransformationError  Class = "TransformationError"
	SchemaMismatch       Class = "SchemaMismatch"
	RetryLimitExceeded   Class = "RetryLimitExceeded"
	SignatureInvalid     Class = "SignatureInvalid"
	UnknownEvent         Class = "UnknownEvent"
	Timeout              Class = "Timeout"
	JobNotCancellable    Class = "JobNotCancellable"
	JobNotRetryable      Class = "JobNotRetryable"
	InvalidRuleSet       Class = "InvalidRuleSet"
	RevisionMismatch     Class = "RevisionMismatch"
	NotFound             Class = "NotFound"
	ProviderError        Class = "ProviderError"
	Internal             Class = "Internal"
)

// Error is a classified sync failure.
type Error struct {
	Class   Class
	Message string

	// RecordID identifies the offending record for per-record failures.
	RecordID string

	// RetryAfter is a provider-supplied hint, zero when absent.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Class, e.Message)
	if e.RecordID != "" {
		msg += fmt.Sprintf(" (record=%s)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error.
func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, class Class, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Message: message, Err: err}
}

// WithRecord attaches the offending record identifier.
func (e *Error) WithRecord(id string) *Error {
	e.RecordID = id
	return e
}

// WithRetryAfter attaches a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// ClassOf returns the classification of err. Context deadline errors map to
// Timeout; anything unclassified is Internal.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Is reports whether err carries the given class.
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

// IsRetryable reports whether the job-level retry policy applies.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case RateLimited, NetworkTimeout:
		return true
	}
	return false
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
