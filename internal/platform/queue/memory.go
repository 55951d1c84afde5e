package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultVisibilityTimeout is how long a dequeued message stays leased.
const DefaultVisibilityTimeout = 5 * time.Minute

type memEntry struct {
	msg       Message
	seq       uint64
	readyAt   time.Time
	leasedTil time.Time
}

type readyHeap []*memEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*memEntry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type memLane struct {
	ready    readyHeap
	delayed  []*memEntry
	inflight map[string]*memEntry
	wake     chan struct{}
}

// MemoryBroker is an in-process Broker. It is not durable across restarts
// and is used for development and tests.
type MemoryBroker struct {
	mu         sync.Mutex
	lanes      map[Lane]*memLane
	seq        uint64
	visibility time.Duration
	closed     bool
	done       chan struct{}
	now        func() time.Time
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	b := &MemoryBroker{
		lanes:      make(map[Lane]*memLane),
		visibility: visibility,
		done:       make(chan struct{}),
		now:        time.Now,
	}
	for _, l := range Lanes() {
		b.lanes[l] = &memLane{inflight: make(map[string]*memEntry), wake: make(chan struct{})}
	}
	return b
}

// signal wakes every Dequeue waiting on the lane. Caller holds mu.
func (ml *memLane) signal() {
	close(ml.wake)
	ml.wake = make(chan struct{})
}

func (b *MemoryBroker) Enqueue(_ context.Context, m Message) (string, error) {
	if err := checkMessage(&m); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := b.now()
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	b.seq++
	e := &memEntry{msg: m, seq: b.seq, readyAt: m.NotBefore}
	ml := b.lanes[m.Lane]
	if m.NotBefore.After(now) {
		ml.delayed = append(ml.delayed, e)
	} else {
		heap.Push(&ml.ready, e)
	}
	ml.signal()
	return m.ID, nil
}

// promote moves due delayed messages and expired leases back to ready and
// returns the next instant something becomes due. Caller holds mu.
func (b *MemoryBroker) promote(ml *memLane, now time.Time) time.Time {
	var next time.Time
	kept := ml.delayed[:0]
	for _, e := range ml.delayed {
		if !e.readyAt.After(now) {
			heap.Push(&ml.ready, e)
			continue
		}
		if next.IsZero() || e.readyAt.Before(next) {
			next = e.readyAt
		}
		kept = append(kept, e)
	}
	ml.delayed = kept

	for id, e := range ml.inflight {
		if !e.leasedTil.After(now) {
			delete(ml.inflight, id)
			e.leasedTil = time.Time{}
			heap.Push(&ml.ready, e)
			continue
		}
		if next.IsZero() || e.leasedTil.Before(next) {
			next = e.leasedTil
		}
	}
	return next
}

func (b *MemoryBroker) Dequeue(ctx context.Context, lane Lane) (*Message, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		ml, ok := b.lanes[lane]
		if !ok {
			b.mu.Unlock()
			return nil, checkMessage(&Message{Lane: lane})
		}
		now := b.now()
		next := b.promote(ml, now)
		if ml.ready.Len() > 0 {
			e := heap.Pop(&ml.ready).(*memEntry)
			e.leasedTil = now.Add(b.visibility)
			ml.inflight[e.msg.ID] = e
			msg := e.msg
			b.mu.Unlock()
			return &msg, nil
		}
		wake := ml.wake
		b.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if !next.IsZero() {
			t = time.NewTimer(next.Sub(now))
			timer = t.C
		}
		select {
		case <-ctx.Done():
			stopTimer(t)
			return nil, ctx.Err()
		case <-b.done:
			stopTimer(t)
			return nil, ErrClosed
		case <-wake:
		case <-timer:
		}
		stopTimer(t)
	}
}

func (b *MemoryBroker) Ack(_ context.Context, lane Lane, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ml, ok := b.lanes[lane]
	if !ok {
		return ErrUnknownMessage
	}
	if _, ok := ml.inflight[id]; !ok {
		return ErrUnknownMessage
	}
	delete(ml.inflight, id)
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, lane Lane, id string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ml, ok := b.lanes[lane]
	if !ok {
		return ErrUnknownMessage
	}
	e, ok := ml.inflight[id]
	if !ok {
		return ErrUnknownMessage
	}
	delete(ml.inflight, id)
	e.msg.Attempt++
	e.leasedTil = time.Time{}
	if delay > 0 {
		e.readyAt = b.now().Add(delay)
		ml.delayed = append(ml.delayed, e)
	} else {
		heap.Push(&ml.ready, e)
	}
	ml.signal()
	return nil
}

func (b *MemoryBroker) Depth(_ context.Context, lane Lane) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ml, ok := b.lanes[lane]
	if !ok {
		return 0, nil
	}
	return ml.ready.Len() + len(ml.delayed), nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
