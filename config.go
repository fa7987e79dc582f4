package transcodeq

import "time"

// Config holds tunables for the engine's worker pool and sweep loops.
type Config struct {
	// Concurrency is the number of concurrent worker loops.
	Concurrency int

	// PollTimeout bounds how long a worker blocks on an empty broker
	// before checking liveness and polling again.
	PollTimeout time.Duration

	// PromoteInterval is how often scheduled retries whose delay has
	// elapsed are promoted into the retry queue.
	PromoteInterval time.Duration

	// ReapInterval is how often the in-flight set is scanned for jobs
	// stuck in processing.
	ReapInterval time.Duration

	// StaleTimeout is the ceiling on a single processing attempt. Jobs
	// whose StartedAt is older than this are forced through the failure
	// path by the reaper.
	StaleTimeout time.Duration

	// MaxRetries bounds how many failed attempts are re-enqueued before
	// a job fails permanently.
	MaxRetries int

	// RetryDelays is the backoff ladder. Attempt n waits
	// RetryDelays[min(n-1, len-1)] before re-entering the retry queue.
	RetryDelays []time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before in-flight pipeline executions are cancelled.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with the defaults the subsystem is
// specified with: short worker polls, a 30s promotion sweep, a 10m reap
// sweep with a 60m stale ceiling, and a 60s/300s/900s retry ladder.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		PollTimeout:     2 * time.Second,
		PromoteInterval: 30 * time.Second,
		ReapInterval:    10 * time.Minute,
		StaleTimeout:    60 * time.Minute,
		MaxRetries:      3,
		RetryDelays:     []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
		ShutdownTimeout: 30 * time.Second,
	}
}
