// Package sweep provides the background maintenance loops that keep the
// queue honest: a retry scheduler that promotes due retries back into
// the dequeue path, and a reaper that reclaims jobs whose worker
// stopped reporting.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mediaforge/transcodeq/broker"
)

// RetryScheduler periodically moves scheduled retries whose delay has
// elapsed into the broker's retry queue.
type RetryScheduler struct {
	broker   broker.Broker
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRetryScheduler creates a scheduler promoting on the given interval.
func NewRetryScheduler(brk broker.Broker, interval time.Duration, logger *slog.Logger) *RetryScheduler {
	return &RetryScheduler{
		broker:   brk,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the promotion loop. It returns immediately.
func (s *RetryScheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the promotion loop and waits for it to exit.
func (s *RetryScheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *RetryScheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Promote(context.Background()); err != nil {
				s.logger.Error("retry promotion failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Promote runs one promotion pass and returns how many retries moved.
func (s *RetryScheduler) Promote(ctx context.Context) (int, error) {
	n, err := s.broker.PromoteReadyRetries(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("promoted scheduled retries", slog.Int("count", n))
	}
	return n, nil
}
