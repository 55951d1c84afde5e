package scopelock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScope_Conflicts(t *testing.T) {
	tests := []struct {
		a, b Scope
		want bool
	}{
		{Scope{"c1", "*"}, Scope{"c1", "patient/1"}, true},
		{Scope{"c1", "patient/1"}, Scope{"c1", "*"}, true},
		{Scope{"c1", "patient/1"}, Scope{"c1", "patient/1"}, true},
		{Scope{"c1", "patient/1"}, Scope{"c1", "patient/2"}, false},
		{Scope{"c1", "*"}, Scope{"c2", "*"}, false},
		{Scope{"c1", ""}, Scope{"c1", "patient/1"}, true},
	}
	for _, tt := range tests {
		if got := tt.a.Conflicts(tt.b); got != tt.want {
			t.Errorf("%s vs %s = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMemoryLocker_Hierarchy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	narrow, err := l.TryAcquire(ctx, Scope{"c1", "patient/1"}, time.Minute)
	if err != nil {
		t.Fatalf("acquire narrow: %v", err)
	}
	if _, err := l.TryAcquire(ctx, Scope{"c1", "patient/1"}, time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("same scope twice = %v, want ErrLocked", err)
	}
	if _, err := l.TryAcquire(ctx, Scope{"c1", Wildcard}, time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("wide over narrow = %v, want ErrLocked", err)
	}
	other, err := l.TryAcquire(ctx, Scope{"c1", "patient/2"}, time.Minute)
	if err != nil {
		t.Errorf("disjoint narrow scope: %v", err)
	}
	if _, err := l.TryAcquire(ctx, Scope{"c2", Wildcard}, time.Minute); err != nil {
		t.Errorf("other connection: %v", err)
	}

	_ = narrow.Release(ctx)
	_ = other.Release(ctx)
	wide, err := l.TryAcquire(ctx, Scope{"c1", Wildcard}, time.Minute)
	if err != nil {
		t.Fatalf("wide after release: %v", err)
	}
	if _, err := l.TryAcquire(ctx, Scope{"c1", "patient/9"}, time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("narrow under wide = %v, want ErrLocked", err)
	}
	_ = wide.Release(ctx)
	_ = wide.Release(ctx)
	if held := l.Held("c1"); len(held) != 0 {
		t.Errorf("Held = %v after release", held)
	}
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }

	stale, err := l.TryAcquire(ctx, Scope{"c1", Wildcard}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	fresh, err := l.TryAcquire(ctx, Scope{"c1", Wildcard}, time.Minute)
	if err != nil {
		t.Fatalf("expired lock should be reclaimable: %v", err)
	}
	// The stale holder's release must not drop the new holder's lock.
	_ = stale.Release(ctx)
	if _, err := l.TryAcquire(ctx, Scope{"c1", Wildcard}, time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("stale release freed the lock: %v", err)
	}
	_ = fresh.Release(ctx)
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	var inside, violations int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := Scope{"c1", "patient/1"}
			if i%5 == 0 {
				scope.Key = Wildcard
			}
			h, err := l.TryAcquire(ctx, scope, time.Minute)
			if err != nil {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = h.Release(ctx)
		}(i)
	}
	wg.Wait()
	if violations > 0 {
		t.Errorf("%d overlapping holders", violations)
	}
}
