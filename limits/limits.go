// Package limits provides per-preset admission control for the worker
// pool: token-bucket rate limiting on dequeue and concurrency caps so
// heavy presets cannot starve the rest.
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-preset behaviour such as rate limiting and concurrency.
type Config struct {
	// Preset is the encoding preset identifier (must match the
	// job.Params.Preset field).
	Preset string

	// MaxConcurrency limits how many jobs for this preset may run
	// simultaneously across the local worker pool. Zero means no
	// preset-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may be
	// admitted for this preset. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// presetState tracks runtime state for a single preset.
type presetState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-preset rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	presets map[string]*presetState
}

// NewManager creates a Manager with the given preset configurations.
// Presets not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		presets: make(map[string]*presetState, len(configs)),
	}
	for _, cfg := range configs {
		m.presets[cfg.Preset] = newPresetState(cfg)
	}
	return m
}

func newPresetState(cfg Config) *presetState {
	ps := &presetState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ps.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ps
}

// Acquire checks rate limits and concurrency for the given preset. If
// the job is allowed to proceed it increments the active counter and
// returns true. The caller MUST call Release when the job completes.
func (m *Manager) Acquire(preset string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.presets[preset]
	if ps != nil {
		if ps.limiter != nil && !ps.limiter.Allow() {
			return false
		}
		if ps.config.MaxConcurrency > 0 && ps.active >= ps.config.MaxConcurrency {
			return false
		}
		ps.active++
	}

	return true
}

// Release decrements the active job count for the preset.
func (m *Manager) Release(preset string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps := m.presets[preset]; ps != nil && ps.active > 0 {
		ps.active--
	}
}

// SetPresetConfig dynamically updates (or creates) a preset configuration.
func (m *Manager) SetPresetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.presets[cfg.Preset]
	ps := newPresetState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ps.active = existing.active
	}
	m.presets[cfg.Preset] = ps
}

// ActiveCount returns the current number of active jobs for a preset.
func (m *Manager) ActiveCount(preset string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps := m.presets[preset]; ps != nil {
		return ps.active
	}
	return 0
}
