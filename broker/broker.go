// Package broker defines the Queue Broker contract: the transient,
// ordered structures holding job descriptors awaiting execution.
//
// A broker owns four structures — a main FIFO queue, a retry queue, an
// in-flight set, and a time-ordered scheduled-retry structure. Dequeue
// drains the retry queue before the main queue so previously-started
// work regains a worker before new work starts. The broker's contents
// are intentionally transient: they can be rebuilt from job records
// that are queued or processing (see engine.RequeueOrphans).
package broker

import (
	"context"
	"time"

	"github.com/mediaforge/transcodeq/job"
)

// Stats is a point-in-time snapshot of broker occupancy.
type Stats struct {
	// Queued is the number of descriptors in the main queue.
	Queued int `json:"queued"`
	// Inflight is the number of descriptors claimed by workers.
	Inflight int `json:"inflight"`
	// RetryQueued is the number of promoted retries awaiting a worker.
	RetryQueued int `json:"retry_queued"`
	// ScheduledRetries is the number of retries still waiting out their
	// backoff delay.
	ScheduledRetries int `json:"scheduled_retries"`
}

// Broker holds job descriptors between the producer, the retry
// scheduler, and the workers. Implementations must be safe for
// concurrent use.
type Broker interface {
	// Enqueue appends a descriptor to the tail of the main queue.
	Enqueue(ctx context.Context, d *job.Descriptor) error

	// Dequeue removes and returns the next descriptor, preferring the
	// retry queue over the main queue, blocking up to timeout when both
	// are empty. The descriptor is recorded in the in-flight set before
	// being returned. Returns (nil, nil) when the timeout elapses with
	// nothing available.
	Dequeue(ctx context.Context, timeout time.Duration) (*job.Descriptor, error)

	// Release removes a descriptor from the in-flight set. It must be
	// called exactly once per successful Dequeue, on both success and
	// failure paths.
	Release(ctx context.Context, d *job.Descriptor) error

	// ScheduleRetry inserts the descriptor into the scheduled-retry
	// structure with ready_at = now + delay.
	ScheduleRetry(ctx context.Context, d *job.Descriptor, delay time.Duration) error

	// PromoteReadyRetries moves every scheduled entry whose ready_at is
	// at or before now into the retry queue and returns how many moved.
	PromoteReadyRetries(ctx context.Context, now time.Time) (int, error)

	// InFlight returns a snapshot of the descriptors currently claimed
	// by workers. The reaper uses it to find abandoned jobs.
	InFlight(ctx context.Context) ([]*job.Descriptor, error)

	// Stats returns point-in-time occupancy counts.
	Stats(ctx context.Context) (Stats, error)

	// Close shuts the broker down. Blocked Dequeue calls return
	// transcodeq.ErrBrokerClosed.
	Close() error
}
