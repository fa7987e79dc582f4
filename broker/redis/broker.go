// Package redis implements broker.Broker on Redis. Queues are Lists
// (LPUSH head, BRPOP tail), scheduled retries a Sorted Set scored by
// ready time, and the in-flight set a Hash keyed by job ID — so the
// queue survives process restarts and can be shared by worker fleets.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbroker.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/job"
)

var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// Broker is a Redis-backed queue broker. Safe for concurrent use.
type Broker struct {
	client goredis.Cmdable
	logger *slog.Logger
	closed atomic.Bool
}

// New creates a Redis-backed broker. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Client returns the underlying Redis client.
func (b *Broker) Client() goredis.Cmdable { return b.client }

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Enqueue appends a descriptor to the tail of the main queue.
func (b *Broker) Enqueue(ctx context.Context, d *job.Descriptor) error {
	if b.closed.Load() {
		return transcodeq.ErrBrokerClosed
	}
	data, err := encodeDescriptor(d)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, mainQueueKey, data).Err(); err != nil {
		return fmt.Errorf("transcodeq/redis: enqueue: %w", err)
	}
	return nil
}

// Dequeue pops the next descriptor, retry queue first, blocking up to
// timeout. The descriptor is recorded in the in-flight hash before
// being returned. Returns (nil, nil) when nothing arrives in time.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*job.Descriptor, error) {
	if b.closed.Load() {
		return nil, transcodeq.ErrBrokerClosed
	}

	// BRPOP checks keys in argument order, giving retries priority.
	vals, err := b.client.BRPop(ctx, timeout, retryQueueKey, mainQueueKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if b.closed.Load() {
			return nil, transcodeq.ErrBrokerClosed
		}
		return nil, fmt.Errorf("transcodeq/redis: dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("transcodeq/redis: dequeue: unexpected reply length %d", len(vals))
	}

	d, err := decodeDescriptor([]byte(vals[1]))
	if err != nil {
		return nil, err
	}

	if err := b.client.HSet(ctx, inflightKey, d.JobID.String(), vals[1]).Err(); err != nil {
		return nil, fmt.Errorf("transcodeq/redis: dequeue track inflight: %w", err)
	}
	return d, nil
}

// Release removes a descriptor from the in-flight hash.
func (b *Broker) Release(ctx context.Context, d *job.Descriptor) error {
	if err := b.client.HDel(ctx, inflightKey, d.JobID.String()).Err(); err != nil {
		return fmt.Errorf("transcodeq/redis: release: %w", err)
	}
	return nil
}

// ScheduleRetry inserts the descriptor into the scheduled sorted set
// with ready_at = now + delay.
func (b *Broker) ScheduleRetry(ctx context.Context, d *job.Descriptor, delay time.Duration) error {
	if b.closed.Load() {
		return transcodeq.ErrBrokerClosed
	}
	data, err := encodeDescriptor(d)
	if err != nil {
		return err
	}
	readyAt := time.Now().UTC().Add(delay)
	err = b.client.ZAdd(ctx, scheduledKey, goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("transcodeq/redis: schedule retry: %w", err)
	}
	return nil
}

// PromoteReadyRetries moves every scheduled entry due at or before now
// into the retry queue and returns how many moved.
func (b *Broker) PromoteReadyRetries(ctx context.Context, now time.Time) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, scheduledKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("transcodeq/redis: promote range: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, retryQueueKey, m)
		pipe.ZRem(ctx, scheduledKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("transcodeq/redis: promote move: %w", err)
	}
	return len(members), nil
}

// InFlight returns a snapshot of the descriptors currently claimed by
// workers.
func (b *Broker) InFlight(ctx context.Context) ([]*job.Descriptor, error) {
	vals, err := b.client.HGetAll(ctx, inflightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("transcodeq/redis: inflight: %w", err)
	}
	out := make([]*job.Descriptor, 0, len(vals))
	for jobID, raw := range vals {
		d, decErr := decodeDescriptor([]byte(raw))
		if decErr != nil {
			b.logger.Warn("dropping undecodable inflight descriptor",
				slog.String("job_id", jobID),
				slog.String("error", decErr.Error()))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Stats returns point-in-time occupancy counts.
func (b *Broker) Stats(ctx context.Context) (broker.Stats, error) {
	pipe := b.client.Pipeline()
	queued := pipe.LLen(ctx, mainQueueKey)
	retryQueued := pipe.LLen(ctx, retryQueueKey)
	inflight := pipe.HLen(ctx, inflightKey)
	scheduled := pipe.ZCard(ctx, scheduledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Stats{}, fmt.Errorf("transcodeq/redis: stats: %w", err)
	}
	return broker.Stats{
		Queued:           int(queued.Val()),
		RetryQueued:      int(retryQueued.Val()),
		Inflight:         int(inflight.Val()),
		ScheduledRetries: int(scheduled.Val()),
	}, nil
}

// Close marks the broker closed. The caller owns the Redis client
// lifecycle; blocked Dequeue calls return ErrBrokerClosed after their
// current poll interval elapses.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}
