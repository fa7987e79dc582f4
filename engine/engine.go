// Package engine wires all transcodeq subsystems together: the record
// store, the broker, the worker pool, the retry scheduler, the reaper,
// the extension registry, and the middleware chain. It provides the
// producer-facing operations (enqueue, cancel, retry, inspect).
//
// This package exists to break the import cycle: the root transcodeq
// package defines Entity and Config (imported by job and the stores)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/backoff"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/event"
	"github.com/mediaforge/transcodeq/hook"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/limits"
	mw "github.com/mediaforge/transcodeq/middleware"
	"github.com/mediaforge/transcodeq/sweep"
	"github.com/mediaforge/transcodeq/worker"
)

// cancelMessage is recorded on records cancelled through CancelJob.
const cancelMessage = "cancelled by user"

// Engine owns the subsystem lifecycles and exposes the job operations.
// Use Build() to create one.
type Engine struct {
	cfg    transcodeq.Config
	store  job.RecordStore
	broker broker.Broker
	hooks  *hook.Registry
	events *event.Bus
	bo     backoff.Strategy
	pool   *worker.Pool
	sched  *sweep.RetryScheduler
	reaper *sweep.Reaper
	mws    []mw.Middleware
	logger *slog.Logger

	// Preset limits subsystem.
	presetConfigs []limits.Config
	limiter       *limits.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e hook.Extension) Option {
	return func(eng *Engine) { eng.hooks.Register(e) }
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, the Config's RetryDelays ladder is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithPresetLimits registers preset-level rate limiting and concurrency
// configurations. Presets not listed have no limits.
func WithPresetLimits(configs ...limits.Config) Option {
	return func(eng *Engine) {
		eng.presetConfigs = append(eng.presetConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine from a record store, a broker, and the
// media pipeline the workers will execute.
func Build(cfg transcodeq.Config, store job.RecordStore, brk broker.Broker, pipeline *worker.Pipeline, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, transcodeq.ErrNoStore
	}
	if brk == nil {
		return nil, transcodeq.ErrNoBroker
	}

	eng := &Engine{
		cfg:    cfg,
		store:  store,
		broker: brk,
		logger: slog.Default(),
		events: event.NewBus(),
	}
	eng.hooks = hook.NewRegistry(eng.logger)

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff: the configured retry ladder.
	if eng.bo == nil {
		if len(cfg.RetryDelays) > 0 {
			eng.bo = backoff.NewSchedule(cfg.RetryDelays...)
		} else {
			eng.bo = backoff.DefaultSchedule()
		}
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/mediaforge/transcodeq")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/mediaforge/transcodeq")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(
		eng.store, eng.broker, pipeline,
		eng.hooks, eng.events, eng.bo,
		eng.logger,
		allMws...,
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPollTimeout(cfg.PollTimeout),
	}
	if len(eng.presetConfigs) > 0 {
		eng.limiter = limits.NewManager(eng.presetConfigs...)
		poolOpts = append(poolOpts, worker.WithPresetLimiter(eng.limiter))
	}
	eng.pool = worker.NewPool(eng.broker, executor, eng.logger, poolOpts...)

	eng.sched = sweep.NewRetryScheduler(eng.broker, cfg.PromoteInterval, eng.logger)
	eng.reaper = sweep.NewReaper(
		eng.store, eng.broker, eng.hooks, eng.events, eng.bo,
		cfg.ReapInterval, cfg.StaleTimeout,
		eng.logger,
	)

	return eng, nil
}

// Enqueue validates the request, persists a new job record, and hands
// its descriptor to the broker.
func (eng *Engine) Enqueue(ctx context.Context, videoID string, params job.Params, opts ...job.Option) (*job.Job, error) {
	if videoID == "" {
		return nil, fmt.Errorf("%w: video id is required", transcodeq.ErrInvalidParams)
	}
	normalized, err := params.Normalize()
	if err != nil {
		return nil, err
	}

	jobOpts := job.Options{MaxRetries: eng.cfg.MaxRetries}
	for _, opt := range opts {
		opt(&jobOpts)
	}

	j := &job.Job{
		ID:         id.NewJobID(),
		VideoID:    videoID,
		Params:     normalized,
		Status:     job.StatusQueued,
		MaxRetries: jobOpts.MaxRetries,
	}
	j.Touch()

	if err := eng.store.Create(ctx, j); err != nil {
		return nil, err
	}
	if err := eng.broker.Enqueue(ctx, j.Descriptor()); err != nil {
		// The record exists but never reached the broker. RequeueOrphans
		// repairs this on the next pass.
		eng.logger.Error("enqueue to broker failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, j)
	eng.events.Publish(j.ID.String(), event.Event{
		Type:   event.TypeStatus,
		JobID:  j.ID.String(),
		Status: string(job.StatusQueued),
		At:     time.Now().UTC(),
	})

	eng.logger.Info("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("video_id", videoID),
		slog.String("preset", normalized.Preset),
	)
	return j, nil
}

// GetJob returns the job record for the given ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.Get(ctx, jobID)
}

// ListJobs returns job records matching opts, newest first.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.store.List(ctx, opts)
}

// CountJobs returns the number of job records matching opts.
func (eng *Engine) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	return eng.store.Count(ctx, opts)
}

// QueueStats returns the broker's occupancy counts.
func (eng *Engine) QueueStats(ctx context.Context) (broker.Stats, error) {
	return eng.broker.Stats(ctx)
}

// CancelJob transitions a queued or processing job to failed. A worker
// mid-pipeline notices at its next conditional transition. Reports
// false if the job was already terminal.
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	ok, err := eng.store.Cancel(ctx, jobID, cancelMessage)
	if err != nil || !ok {
		return ok, err
	}

	eng.events.Publish(jobID.String(), event.Event{
		Type:    event.TypeStatus,
		JobID:   jobID.String(),
		Status:  string(job.StatusFailed),
		Message: cancelMessage,
		At:      time.Now().UTC(),
	})
	eng.logger.Info("job cancelled", slog.String("job_id", jobID.String()))
	return true, nil
}

// RetryJob enqueues a fresh job with the same video and parameters as a
// terminally failed one. The original record is left untouched; the new
// job gets its own ID and a full retry budget.
func (eng *Engine) RetryJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	orig, err := eng.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s, only terminal jobs can be retried",
			transcodeq.ErrInvalidState, jobID, orig.Status)
	}

	return eng.Enqueue(ctx, orig.VideoID, orig.Params, job.WithMaxRetries(orig.MaxRetries))
}

// RequeueOrphans rebuilds the broker's transient contents from the
// durable records: queued records are re-enqueued, and processing
// records — whose worker no longer exists — are failed through the
// normal retry accounting and re-enqueued if budget remains. Intended
// to run once at startup, before the pool starts. Duplicate deliveries
// this may cause are absorbed by the workers' conditional claim.
func (eng *Engine) RequeueOrphans(ctx context.Context) (int, error) {
	requeued := 0

	queued, err := eng.store.List(ctx, job.ListOpts{Status: job.StatusQueued})
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}
	for _, j := range queued {
		if err := eng.broker.Enqueue(ctx, j.Descriptor()); err != nil {
			return requeued, err
		}
		requeued++
	}

	processing, err := eng.store.List(ctx, job.ListOpts{Status: job.StatusProcessing})
	if err != nil {
		return requeued, fmt.Errorf("list processing: %w", err)
	}
	for _, j := range processing {
		fj, failErr := eng.store.Fail(ctx, j.ID, "interrupted by restart")
		if failErr != nil {
			return requeued, failErr
		}
		if !fj.RetryPending() {
			continue
		}
		// Immediate re-enqueue: the interruption was ours, not the
		// job's, so the backoff ladder does not apply.
		if err := eng.broker.Enqueue(ctx, fj.Descriptor()); err != nil {
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		eng.logger.Info("requeued orphaned jobs", slog.Int("count", requeued))
	}
	return requeued, nil
}

// Start launches the retry scheduler, the reaper, and the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.running {
		return nil
	}
	eng.running = true

	if err := eng.sched.Start(ctx); err != nil {
		return fmt.Errorf("start retry scheduler: %w", err)
	}
	if err := eng.reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	eng.logger.Info("engine started",
		slog.String("worker_id", eng.pool.WorkerID().String()),
		slog.Int("concurrency", eng.cfg.Concurrency),
	)
	return nil
}

// Stop gracefully shuts the engine down: the pool drains within the
// configured shutdown timeout, then the sweep loops stop and the
// shutdown hooks fire.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return nil
	}
	eng.running = false
	eng.mu.Unlock()

	stopCtx := ctx
	if eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := eng.pool.Stop(stopCtx); err != nil {
		eng.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	if err := eng.sched.Stop(ctx); err != nil {
		eng.logger.Error("retry scheduler stop error", slog.String("error", err.Error()))
	}
	if err := eng.reaper.Stop(ctx); err != nil {
		eng.logger.Error("reaper stop error", slog.String("error", err.Error()))
	}

	eng.hooks.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return nil
}

// Hooks returns the extension registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Events returns the event bus feeding live progress streams.
func (eng *Engine) Events() *event.Bus { return eng.events }

// Limiter returns the preset limiter, or nil if no preset configs were
// provided.
func (eng *Engine) Limiter() *limits.Manager { return eng.limiter }

// Scheduler returns the retry scheduler.
func (eng *Engine) Scheduler() *sweep.RetryScheduler { return eng.sched }

// Reaper returns the stale job reaper.
func (eng *Engine) Reaper() *sweep.Reaper { return eng.reaper }
