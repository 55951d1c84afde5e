// Package scopelock serializes jobs that touch the same (connection, scope)
// pair. The wildcard scope of a connection excludes every narrower scope of
// that connection, and each narrower scope excludes the wildcard.
package scopelock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wildcard is the scope key held by connection-wide jobs.
const Wildcard = "*"

// ErrLocked is returned when a conflicting scope is held.
var ErrLocked = errors.New("scopelock: scope is locked")

// Scope identifies what a job operates on.
type Scope struct {
	ConnectionID string
	Key          string
}

func (s Scope) String() string { return s.ConnectionID + "/" + s.Key }

// Wide reports whether s covers the whole connection.
func (s Scope) Wide() bool { return s.Key == Wildcard || s.Key == "" }

// Conflicts reports whether s and o cannot be held at the same time.
func (s Scope) Conflicts(o Scope) bool {
	if s.ConnectionID != o.ConnectionID {
		return false
	}
	return s.Wide() || o.Wide() || s.Key == o.Key
}

// Handle is a held lock. Release is idempotent and safe on every exit path.
type Handle interface {
	Scope() Scope
	Release(ctx context.Context) error
}

// Locker hands out scope locks. ttl bounds how long a lock survives a
// crashed holder.
type Locker interface {
	TryAcquire(ctx context.Context, scope Scope, ttl time.Duration) (Handle, error)
}

// ---------------------------------------------------------------------------
// In-memory arena
// ---------------------------------------------------------------------------

type held struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process lock arena keyed by connection.
type MemoryLocker struct {
	mu    sync.Mutex
	conns map[string]map[string]held // connection -> scope key -> holder
	now   func() time.Time
}

// NewMemoryLocker creates an empty arena.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{conns: make(map[string]map[string]held), now: time.Now}
}

func normalize(s Scope) Scope {
	if s.Key == "" {
		s.Key = Wildcard
	}
	return s
}

// TryAcquire returns ErrLocked if any conflicting scope is held.
func (l *MemoryLocker) TryAcquire(_ context.Context, scope Scope, ttl time.Duration) (Handle, error) {
	scope = normalize(scope)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	holders := l.conns[scope.ConnectionID]
	if holders == nil {
		holders = make(map[string]held)
		l.conns[scope.ConnectionID] = holders
	}
	for key, h := range holders {
		if !h.expires.IsZero() && !h.expires.After(now) {
			delete(holders, key)
			continue
		}
		if scope.Conflicts(Scope{ConnectionID: scope.ConnectionID, Key: key}) {
			return nil, ErrLocked
		}
	}
	h := held{token: uuid.New().String()}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	holders[scope.Key] = h
	return &memoryHandle{locker: l, scope: scope, token: h.token}, nil
}

// Held lists the currently held scopes of a connection.
func (l *MemoryLocker) Held(connectionID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var out []string
	for key, h := range l.conns[connectionID] {
		if h.expires.IsZero() || h.expires.After(now) {
			out = append(out, key)
		}
	}
	return out
}

type memoryHandle struct {
	locker *MemoryLocker
	scope  Scope
	token  string
	once   sync.Once
}

func (h *memoryHandle) Scope() Scope { return h.scope }

func (h *memoryHandle) Release(context.Context) error {
	h.once.Do(func() {
		l := h.locker
		l.mu.Lock()
		defer l.mu.Unlock()
		holders := l.conns[h.scope.ConnectionID]
		// A lock that expired and was re-acquired belongs to someone else.
		if cur, ok := holders[h.scope.Key]; ok && cur.token == h.token {
			delete(holders, h.scope.Key)
		}
		if len(holders) == 0 {
			delete(l.conns, h.scope.ConnectionID)
		}
	})
	return nil
}
