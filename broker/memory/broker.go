// Package memory implements broker.Broker with in-process structures:
// slice-backed FIFO queues, a map in-flight set, and a min-heap of
// scheduled retries. Suitable for single-process deployments and tests.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/job"
)

// Ensure Broker implements broker.Broker at compile time.
var _ broker.Broker = (*Broker)(nil)

// Broker is an in-memory queue broker. Safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	main     []*job.Descriptor
	retry    []*job.Descriptor
	inflight map[string]*job.Descriptor
	sched    scheduleHeap

	// wake is closed and replaced whenever a descriptor becomes
	// dequeueable, releasing every blocked Dequeue to re-check.
	wake   chan struct{}
	closed bool
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		inflight: make(map[string]*job.Descriptor),
		wake:     make(chan struct{}),
	}
}

// Enqueue appends the descriptor to the tail of the main queue.
func (b *Broker) Enqueue(_ context.Context, d *job.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transcodeq.ErrBrokerClosed
	}
	b.main = append(b.main, d)
	b.wakeLocked()
	return nil
}

// Dequeue returns the next descriptor, retry queue first, blocking up
// to timeout when both queues are empty.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*job.Descriptor, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, transcodeq.ErrBrokerClosed
		}
		if d := b.popLocked(); d != nil {
			b.inflight[d.JobID.String()] = d
			b.mu.Unlock()
			return d, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// popLocked removes the head of the retry queue, falling back to the
// main queue. Caller holds b.mu.
func (b *Broker) popLocked() *job.Descriptor {
	if len(b.retry) > 0 {
		d := b.retry[0]
		b.retry = b.retry[1:]
		return d
	}
	if len(b.main) > 0 {
		d := b.main[0]
		b.main = b.main[1:]
		return d
	}
	return nil
}

// Release removes the descriptor from the in-flight set.
func (b *Broker) Release(_ context.Context, d *job.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, d.JobID.String())
	return nil
}

// ScheduleRetry inserts the descriptor with ready_at = now + delay.
func (b *Broker) ScheduleRetry(_ context.Context, d *job.Descriptor, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transcodeq.ErrBrokerClosed
	}
	heap.Push(&b.sched, &scheduledEntry{d: d, readyAt: time.Now().UTC().Add(delay)})
	return nil
}

// PromoteReadyRetries moves every scheduled entry due at or before now
// into the retry queue.
func (b *Broker) PromoteReadyRetries(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	moved := 0
	for b.sched.Len() > 0 && !b.sched[0].readyAt.After(now) {
		entry := heap.Pop(&b.sched).(*scheduledEntry)
		b.retry = append(b.retry, entry.d)
		moved++
	}
	if moved > 0 {
		b.wakeLocked()
	}
	return moved, nil
}

// InFlight returns a snapshot of descriptors currently claimed by
// workers.
func (b *Broker) InFlight(_ context.Context) ([]*job.Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*job.Descriptor, 0, len(b.inflight))
	for _, d := range b.inflight {
		out = append(out, d)
	}
	return out, nil
}

// Stats returns point-in-time occupancy counts.
func (b *Broker) Stats(_ context.Context) (broker.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return broker.Stats{
		Queued:           len(b.main),
		Inflight:         len(b.inflight),
		RetryQueued:      len(b.retry),
		ScheduledRetries: b.sched.Len(),
	}, nil
}

// Close releases all blocked Dequeue calls.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.wakeLocked()
	return nil
}

// wakeLocked releases every blocked Dequeue. Caller holds b.mu.
func (b *Broker) wakeLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// scheduledEntry pairs a descriptor with the time it becomes eligible
// for promotion into the retry queue.
type scheduledEntry struct {
	d       *job.Descriptor
	readyAt time.Time
}

// scheduleHeap is a min-heap of scheduled retries ordered by readyAt.
type scheduleHeap []*scheduledEntry

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)         { *h = append(*h, x.(*scheduledEntry)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
