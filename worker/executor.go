// Package worker provides the transcode execution engine — an Executor
// that claims a job record and drives the Pipeline through middleware,
// and a Pool that manages concurrent worker goroutines dequeuing from
// the broker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaforge/transcodeq/backoff"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/event"
	"github.com/mediaforge/transcodeq/hook"
	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/middleware"
)

// Executor runs a single job attempt: it claims the record, runs the
// pipeline through the middleware chain, then handles completion,
// retry scheduling, state updates, and lifecycle events.
type Executor struct {
	store    job.RecordStore
	broker   broker.Broker
	pipeline *Pipeline
	hooks    *hook.Registry
	events   *event.Bus
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	store job.RecordStore,
	brk broker.Broker,
	pipeline *Pipeline,
	hooks *hook.Registry,
	events *event.Bus,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		store:    store,
		broker:   brk,
		pipeline: pipeline,
		hooks:    hooks,
		events:   events,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs one delivery of a descriptor.
// If the record cannot be claimed (already cancelled, reaped, or taken
// by another worker) the delivery is dropped without error.
// On success: marks completed, emits JobCompleted.
// On failure with retries remaining: schedules a backoff retry, emits JobRetrying.
// On failure with retries exhausted: marks failed, emits JobFailed.
func (e *Executor) Execute(ctx context.Context, d *job.Descriptor) error {
	claimed, err := e.store.MarkProcessing(ctx, d.JobID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", d.JobID, err)
	}
	if !claimed {
		// At-least-once delivery means duplicates and stale descriptors
		// are expected. Dropping them here is the dedup point.
		e.logger.Debug("descriptor not claimable, dropping",
			slog.String("job_id", d.JobID.String()),
			slog.Int("retry_count", d.RetryCount),
		)
		return nil
	}

	if j, getErr := e.store.Get(ctx, d.JobID); getErr == nil {
		e.hooks.EmitJobStarted(ctx, j)
	}
	e.publishStatus(d, job.StatusProcessing, "")

	start := time.Now()

	var result *Result
	terminal := func(ctx context.Context) error {
		r, runErr := e.pipeline.Run(ctx, d, e.progressFunc(ctx, d))
		result = r
		return runErr
	}

	err = e.mw(ctx, d, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, d, err)
	}
	return e.handleSuccess(ctx, d, result, elapsed)
}

// progressFunc persists and broadcasts pipeline progress. Store errors
// are logged, not propagated: losing a progress tick never fails a job.
func (e *Executor) progressFunc(ctx context.Context, d *job.Descriptor) func(int) {
	return func(percent int) {
		if _, err := e.store.UpdateProgress(ctx, d.JobID, percent); err != nil {
			e.logger.Warn("progress update failed",
				slog.String("job_id", d.JobID.String()),
				slog.Int("percent", percent),
				slog.String("error", err.Error()),
			)
			return
		}
		e.events.Publish(d.JobID.String(), event.Event{
			Type:     event.TypeProgress,
			JobID:    d.JobID.String(),
			Progress: percent,
			At:       time.Now().UTC(),
		})
		e.hooks.EmitJobProgress(ctx, d.JobID.String(), percent)
	}
}

// handleSuccess records the artifacts and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, d *job.Descriptor, result *Result, elapsed time.Duration) error {
	ok, err := e.store.Complete(ctx, d.JobID, result.OutputKey, result.ManifestKey, result.OutputSize)
	if err != nil {
		e.logger.Error("failed to record job completion",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !ok {
		// The record left processing while we ran — cancelled or reaped.
		// The work is done and the artifacts are uploaded; the record's
		// terminal state wins.
		e.logger.Warn("completion rejected, record no longer processing",
			slog.String("job_id", d.JobID.String()),
		)
		return nil
	}

	e.publishStatus(d, job.StatusCompleted, "")
	if j, getErr := e.store.Get(ctx, d.JobID); getErr == nil {
		e.hooks.EmitJobCompleted(ctx, j, elapsed)
	}
	return nil
}

// handleFailure records the failed attempt and either schedules a
// backoff retry or lets the record fail permanently.
func (e *Executor) handleFailure(ctx context.Context, d *job.Descriptor, attemptErr error) error {
	fj, err := e.store.Fail(ctx, d.JobID, attemptErr.Error())
	if err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if fj.RetryPending() {
		return e.scheduleRetry(ctx, d, fj, attemptErr)
	}

	if fj.Status == job.StatusFailed {
		e.publishStatus(d, job.StatusFailed, fj.ErrorMessage)
		e.hooks.EmitJobFailed(ctx, fj, attemptErr)
		e.logger.Warn("job failed permanently",
			slog.String("job_id", d.JobID.String()),
			slog.String("video_id", d.VideoID),
			slog.Int("retry_count", fj.RetryCount),
			slog.String("error", attemptErr.Error()),
		)
	}
	return attemptErr
}

// scheduleRetry hands the descriptor back to the broker with the
// ladder delay for the attempt the record just failed.
func (e *Executor) scheduleRetry(ctx context.Context, d *job.Descriptor, fj *job.Job, attemptErr error) error {
	delay := e.backoff.Delay(fj.RetryCount)
	nextRunAt := time.Now().UTC().Add(delay)

	if schedErr := e.broker.ScheduleRetry(ctx, d.WithRetryCount(fj.RetryCount), delay); schedErr != nil {
		e.logger.Error("failed to schedule retry",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", schedErr.Error()),
		)
		return schedErr
	}

	e.publishStatus(d, job.StatusQueued, fj.ErrorMessage)
	e.hooks.EmitJobRetrying(ctx, fj, fj.RetryCount, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", d.JobID.String()),
		slog.String("video_id", d.VideoID),
		slog.Int("attempt", fj.RetryCount),
		slog.Int("max_retries", fj.MaxRetries),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s retry %d/%d: %w", d.JobID, fj.RetryCount, fj.MaxRetries, attemptErr)
}

func (e *Executor) publishStatus(d *job.Descriptor, status job.Status, message string) {
	e.events.Publish(d.JobID.String(), event.Event{
		Type:    event.TypeStatus,
		JobID:   d.JobID.String(),
		Status:  string(status),
		Message: message,
		At:      time.Now().UTC(),
	})
}
