package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/backoff"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/event"
	"github.com/mediaforge/transcodeq/hook"
	"github.com/mediaforge/transcodeq/job"
)

// reapMessage is recorded on records reclaimed by the reaper.
const reapMessage = "processing timed out: worker stopped reporting"

// Reaper scans the broker's in-flight set for jobs whose record has
// been processing longer than the stale timeout and fails the attempt
// on the worker's behalf, consuming retry budget exactly like an
// ordinary failure.
type Reaper struct {
	store        job.RecordStore
	broker       broker.Broker
	hooks        *hook.Registry
	events       *event.Bus
	backoff      backoff.Strategy
	interval     time.Duration
	staleTimeout time.Duration
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewReaper creates a reaper sweeping on the given interval with the
// given stale timeout.
func NewReaper(
	store job.RecordStore,
	brk broker.Broker,
	hooks *hook.Registry,
	events *event.Bus,
	bo backoff.Strategy,
	interval, staleTimeout time.Duration,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		store:        store,
		broker:       brk,
		hooks:        hooks,
		events:       events,
		backoff:      bo,
		interval:     interval,
		staleTimeout: staleTimeout,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.Sweep(context.Background()); err != nil {
				r.logger.Error("reaper sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass over the in-flight set and returns how many jobs
// were reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	inflight, err := r.broker.InFlight(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	reaped := 0
	for _, d := range inflight {
		rec, getErr := r.store.Get(ctx, d.JobID)
		if getErr != nil {
			if errors.Is(getErr, transcodeq.ErrJobNotFound) {
				// Record gone; drop the orphaned in-flight entry.
				_ = r.broker.Release(ctx, d)
				continue
			}
			r.logger.Warn("reaper: record lookup failed",
				slog.String("job_id", d.JobID.String()),
				slog.String("error", getErr.Error()),
			)
			continue
		}

		if rec.Status != job.StatusProcessing {
			continue
		}
		if rec.StartedAt == nil || now.Sub(*rec.StartedAt) < r.staleTimeout {
			continue
		}

		if reapErr := r.reap(ctx, d, rec); reapErr != nil {
			r.logger.Error("reaper: failed to reclaim job",
				slog.String("job_id", d.JobID.String()),
				slog.String("error", reapErr.Error()),
			)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("reaped stale jobs", slog.Int("count", reaped))
	}
	return reaped, nil
}

// reap fails the stale attempt, schedules a retry if budget remains,
// and clears the in-flight entry.
func (r *Reaper) reap(ctx context.Context, d *job.Descriptor, rec *job.Job) error {
	fj, err := r.store.Fail(ctx, d.JobID, reapMessage)
	if err != nil {
		return err
	}

	if fj.RetryPending() {
		delay := r.backoff.Delay(fj.RetryCount)
		if schedErr := r.broker.ScheduleRetry(ctx, d.WithRetryCount(fj.RetryCount), delay); schedErr != nil {
			return schedErr
		}
		r.events.Publish(d.JobID.String(), event.Event{
			Type:    event.TypeStatus,
			JobID:   d.JobID.String(),
			Status:  string(job.StatusQueued),
			Message: reapMessage,
			At:      time.Now().UTC(),
		})
		r.hooks.EmitJobRetrying(ctx, fj, fj.RetryCount, time.Now().UTC().Add(delay))
	} else if fj.Status == job.StatusFailed {
		r.events.Publish(d.JobID.String(), event.Event{
			Type:    event.TypeStatus,
			JobID:   d.JobID.String(),
			Status:  string(job.StatusFailed),
			Message: reapMessage,
			At:      time.Now().UTC(),
		})
		r.hooks.EmitJobFailed(ctx, fj, errors.New(reapMessage))
	}

	r.hooks.EmitJobReaped(ctx, fj)

	r.logger.Warn("reaped stale job",
		slog.String("job_id", d.JobID.String()),
		slog.String("video_id", rec.VideoID),
		slog.Int("retry_count", fj.RetryCount),
		slog.Time("started_at", *rec.StartedAt),
	)

	return r.broker.Release(ctx, d)
}
