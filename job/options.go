package job

// Options configures per-job behavior at enqueue time.
type Options struct {
	// MaxRetries is the retry budget for this job.
	MaxRetries int
}

// DefaultOptions returns Options with the default retry budget.
func DefaultOptions() Options {
	return Options{MaxRetries: 3}
}

// Option is a functional option applied at enqueue time.
type Option func(*Options)

// WithMaxRetries overrides the retry budget for a single job.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}
