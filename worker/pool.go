package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
)

// PresetLimiter controls per-preset admission for dequeued jobs. The
// pool calls Acquire before executing a dequeued descriptor and Release
// after execution completes.
type PresetLimiter interface {
	// Acquire checks rate limits and concurrency for the preset.
	// Returns true if the job is allowed to proceed.
	Acquire(preset string) bool
	// Release decrements the active count for the preset.
	Release(preset string)
}

// Pool manages a set of concurrent worker goroutines that block on the
// broker for descriptors and execute them through the Executor.
type Pool struct {
	broker      broker.Broker
	executor    *Executor
	concurrency int
	pollTimeout time.Duration
	workerID    id.WorkerID
	logger      *slog.Logger

	// Preset limiter (optional).
	limiter PresetLimiter

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollTimeout sets how long a worker blocks on the broker before
// re-checking for shutdown.
func WithPollTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollTimeout = d }
}

// WithPresetLimiter sets the limiter for per-preset rate limiting and
// concurrency control.
func WithPresetLimiter(l PresetLimiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool.
func NewPool(brk broker.Broker, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:      brk,
		executor:    executor,
		concurrency: 4,
		pollTimeout: 2 * time.Second,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		stopCh:      make(chan struct{}),
		activeJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := p.broker.Dequeue(context.Background(), p.pollTimeout)
		if err != nil {
			if errors.Is(err, transcodeq.ErrBrokerClosed) {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if d == nil {
			// Idle timeout, loop to re-check stopCh.
			continue
		}

		p.execute(d)
	}
}

// execute runs one dequeued descriptor end to end, always releasing the
// broker's in-flight entry afterwards.
func (p *Pool) execute(d *job.Descriptor) {
	// Check preset rate limit and concurrency.
	if p.limiter != nil && !p.limiter.Acquire(d.Params.Preset) {
		// Rate limited — put the descriptor back with a small delay so
		// another preset gets the slot.
		if schedErr := p.broker.ScheduleRetry(context.Background(), d, p.pollTimeout); schedErr != nil {
			p.logger.Error("failed to re-schedule rate-limited descriptor",
				slog.String("job_id", d.JobID.String()),
				slog.String("error", schedErr.Error()),
			)
		}
		p.release(d)
		p.sleep()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(d.JobID.String(), cancel)

	execErr := p.executor.Execute(ctx, d)
	if execErr != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", d.JobID.String()),
			slog.String("video_id", d.VideoID),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrackJob(d.JobID.String())
	cancel()

	if p.limiter != nil {
		p.limiter.Release(d.Params.Preset)
	}
	p.release(d)
}

func (p *Pool) release(d *job.Descriptor) {
	if err := p.broker.Release(context.Background(), d); err != nil {
		p.logger.Error("failed to release in-flight descriptor",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollTimeout):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
