package au

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FIFO errors.
var (
	// ErrEmpty indicates a bounded Pop found nothing before its wait expired.
	ErrEmpty = errors.New("fifo empty")

	// ErrClosed indicates the FIFO has been closed and drained.
	ErrClosed = errors.New("fifo closed")

	// ErrInvalidCapacity indicates a FIFO was requested with no room.
	ErrInvalidCapacity = errors.New("fifo capacity must be positive")
)

// FIFOStats is a snapshot of FIFO counters.
type FIFOStats struct {
	Len     int
	Pushed  uint64
	Evicted uint64
	Stale   uint64
	Flushed uint64
}

// FIFO is the bounded latency queue between the reassembler and a consumer
// of access units. It has one producer and one consumer. When full, Push
// evicts the oldest entry instead of blocking, so latency stays bounded.
type FIFO struct {
	mu     sync.Mutex
	ring   []*AccessUnit
	head   int
	count  int
	closed bool

	notify chan struct{}
	done   chan struct{}

	maxAge time.Duration
	now    func() time.Time

	// lostDiscontinuity is set when an entry flagged as a discontinuity
	// left the queue without being popped. The next popped entry carries
	// the flag instead.
	lostDiscontinuity bool

	pushed  uint64
	evicted uint64
	stale   uint64
	flushed uint64
}

// NewFIFO creates a FIFO holding at most capacity access units.
func NewFIFO(capacity int) (*FIFO, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &FIFO{
		ring:   make([]*AccessUnit, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// SetMaxAge makes Pop discard entries whose ReceivedAt is more than d older
// than now(). A zero d disables the check. A nil now uses time.Now.
func (f *FIFO) SetMaxAge(d time.Duration, now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.maxAge = d
	if now == nil {
		now = time.Now
	}
	f.now = now
}

// Push appends a to the tail. If the FIFO is full the oldest entry is
// removed and returned so the caller can account for the loss. A
// discontinuity carried by the removed entry moves to the next entry popped.
// Pushing into a closed FIFO rejects a and returns it.
func (f *FIFO) Push(a *AccessUnit) *AccessUnit {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return a
	}

	var evicted *AccessUnit
	if f.count == len(f.ring) {
		evicted = f.ring[f.head]
		f.ring[f.head] = nil
		f.head = (f.head + 1) % len(f.ring)
		f.count--
		f.evicted++
		f.lostDiscontinuity = f.lostDiscontinuity || evicted.Discontinuity
	}
	f.ring[(f.head+f.count)%len(f.ring)] = a
	f.count++
	f.pushed++
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return evicted
}

// TryPop removes and returns the head without waiting.
func (f *FIFO) TryPop() (*AccessUnit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.popLocked()
}

// Pop removes and returns the head, waiting up to wait for one to arrive.
// It returns ErrEmpty when the wait expires, ErrClosed once the FIFO is
// closed and empty, and ctx.Err() when ctx is done.
func (f *FIFO) Pop(ctx context.Context, wait time.Duration) (*AccessUnit, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if a, ok := f.popLocked(); ok {
			f.mu.Unlock()
			return a, nil
		}
		closed := f.closed
		f.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-f.notify:
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		}
	}
}

func (f *FIFO) popLocked() (*AccessUnit, bool) {
	for f.count > 0 {
		a := f.ring[f.head]
		f.ring[f.head] = nil
		f.head = (f.head + 1) % len(f.ring)
		f.count--

		if f.maxAge > 0 && f.now().Sub(a.ReceivedAt) > f.maxAge {
			f.stale++
			f.lostDiscontinuity = f.lostDiscontinuity || a.Discontinuity
			continue
		}
		if f.lostDiscontinuity {
			// Entries may be shared with other queues, so flag a copy.
			marked := *a
			marked.Discontinuity = true
			a = &marked
			f.lostDiscontinuity = false
		}
		return a, true
	}
	return nil, false
}

// Len returns the number of queued access units.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Cap returns the FIFO capacity.
func (f *FIFO) Cap() int {
	return len(f.ring)
}

// Snapshot returns the IDs of queued access units from head to tail.
func (f *FIFO) Snapshot() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]uint64, 0, f.count)
	for i := 0; i < f.count; i++ {
		ids = append(ids, f.ring[(f.head+i)%len(f.ring)].ID)
	}
	return ids
}

// Stats returns the FIFO counters.
func (f *FIFO) Stats() FIFOStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FIFOStats{Len: f.count, Pushed: f.pushed, Evicted: f.evicted, Stale: f.stale, Flushed: f.flushed}
}

// Close wakes any waiting Pop. Entries still queued can be popped; after
// that Pop returns ErrClosed. Close is idempotent.
func (f *FIFO) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

// Flush drops every queued entry and returns how many were dropped. Like
// eviction, it keeps a discontinuity carried by a dropped entry for the
// next entry popped.
func (f *FIFO) Flush() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.count
	for i := 0; i < n; i++ {
		idx := (f.head + i) % len(f.ring)
		f.lostDiscontinuity = f.lostDiscontinuity || f.ring[idx].Discontinuity
		f.ring[idx] = nil
	}
	f.head = 0
	f.count = 0
	f.flushed += uint64(n)
	return n
}
