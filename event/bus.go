// Package event provides an in-process pub/sub bus for job lifecycle
// events, used to feed live progress streams to API clients.
package event

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeStatus   = "status"
	TypeProgress = "progress"
)

// Event describes a change to a job observable by a subscriber.
type Event struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Status   string    `json:"status,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Bus fans events out to per-job subscribers. Slow subscribers drop
// events rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe registers interest in events for jobID. The returned channel
// is buffered; the caller must Unsubscribe when done.
func (b *Bus) Subscribe(jobID string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16)
	b.subscribers[jobID] = append(b.subscribers[jobID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(b.subscribers[jobID]) == 0 {
		delete(b.subscribers, jobID)
	}
}

// Publish delivers an event to every subscriber of the job. Events to
// subscribers with full buffers are dropped.
func (b *Bus) Publish(jobID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[jobID] {
		select {
		case ch <- ev:
		default:
			// Drop event if subscriber is slow.
		}
	}
}

// SubscriberCount reports active subscriptions for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}
