package webhook

import (
	"strings"
)

// Entity actions of the inbound vocabulary.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Outbound-only event types.
const (
	EventSyncCompleted    = "sync.completed"
	EventSyncFailed       = "sync.failed"
	EventConflictDetected = "conflict.detected"
)

var entityAliases = map[string]string{
	"patient":              "patient",
	"observation":          "observation",
	"clinical-observation": "observation",
	"clinicalobservation":  "observation",
	"medication":           "medication",
	"medicationrequest":    "medication",
	"medicationstatement":  "medication",
	"allergy":              "allergy",
	"allergyintolerance":   "allergy",
	"condition":            "condition",
	"encounter":            "encounter",
	"document":             "document",
	"documentreference":    "document",
}

var actionAliases = map[string]string{
	"create":  ActionCreated,
	"created": ActionCreated,
	"insert":  ActionCreated,
	"update":  ActionUpdated,
	"updated": ActionUpdated,
	"modify":  ActionUpdated,
	"delete":  ActionDeleted,
	"deleted": ActionDeleted,
	"remove":  ActionDeleted,
}

var outboundEvents = map[string]bool{
	EventSyncCompleted:    true,
	EventSyncFailed:       true,
	EventConflictDetected: true,
}

// NormalizeEvent maps an inbound event name such as "Patient.update" or
// "PATIENT_UPDATED" to its canonical "<entity>.<action>" form and returns
// the entity and action.
func NormalizeEvent(name string) (event, entity, action string, ok bool) {
	s := strings.ToLower(strings.TrimSpace(name))
	i := strings.LastIndexAny(s, "._")
	if i <= 0 || i == len(s)-1 {
		return "", "", "", false
	}
	entity, ok = entityAliases[strings.ReplaceAll(s[:i], "_", "-")]
	if !ok {
		entity, ok = entityAliases[strings.ReplaceAll(s[:i], "_", "")]
	}
	if !ok {
		return "", "", "", false
	}
	action, ok = actionAliases[s[i+1:]]
	if !ok {
		return "", "", "", false
	}
	return entity + "." + action, entity, action, true
}

// KnownEvent reports whether eventType belongs to the vocabulary, in either
// direction.
func KnownEvent(eventType string) bool {
	if outboundEvents[eventType] {
		return true
	}
	canonical, _, _, ok := NormalizeEvent(eventType)
	return ok && canonical == eventType
}

// eventMatches returns true if the event type matches a subscription
// pattern. Patterns can be exact ("patient.updated") or wildcard
// ("*.deleted", "patient.*", "*").
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// validPattern accepts vocabulary events and wildcard patterns.
func validPattern(p string) bool {
	if p == "*" || KnownEvent(p) {
		return true
	}
	if strings.HasPrefix(p, "*.") {
		_, ok := actionAliases[p[2:]]
		return ok && actionAliases[p[2:]] == p[2:]
	}
	if strings.HasSuffix(p, ".*") {
		prefix := p[:len(p)-2]
		if prefix == "sync" || prefix == "conflict" {
			return true
		}
		return entityAliases[prefix] == prefix
	}
	return false
}
