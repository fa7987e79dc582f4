// Package memory implements job.RecordStore with mutex-guarded maps.
// Intended for unit testing and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
)

// Ensure Store implements job.RecordStore at compile time.
var _ job.RecordStore = (*Store)(nil)

// Store is a fully in-memory job record store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Create persists a new job record.
func (m *Store) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return transcodeq.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, transcodeq.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// List returns jobs matching opts, newest first.
func (m *Store) List(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.VideoID != "" && j.VideoID != opts.VideoID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Count returns the number of jobs matching opts.
func (m *Store) Count(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.VideoID != "" && j.VideoID != opts.VideoID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		n++
	}
	return n, nil
}

// MarkProcessing conditionally transitions queued → processing.
func (m *Store) MarkProcessing(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Status != job.StatusQueued {
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusProcessing
	j.StartedAt = &now
	j.Progress = 0
	j.UpdatedAt = now
	return true, nil
}

// UpdateProgress clamps percent to [0,100] and stores it if the job is
// processing and the value does not decrease the current progress.
func (m *Store) UpdateProgress(_ context.Context, jobID id.JobID, percent int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Status != job.StatusProcessing {
		return false, nil
	}

	percent = clamp(percent)
	if percent < j.Progress {
		return true, nil
	}
	j.Progress = percent
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Complete conditionally transitions processing → completed.
func (m *Store) Complete(_ context.Context, jobID id.JobID, outputKey, manifestKey string, outputSize int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Status != job.StatusProcessing {
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.ErrorMessage = ""
	j.OutputKey = outputKey
	j.ManifestKey = manifestKey
	j.OutputSize = outputSize
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// Fail records a failed attempt, re-queueing while retry budget
// remains and failing permanently once it is exhausted.
func (m *Store) Fail(_ context.Context, jobID id.JobID, message string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, transcodeq.ErrJobNotFound
	}
	if j.Status.Terminal() {
		cp := *j
		return &cp, nil
	}

	now := time.Now().UTC()
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = job.StatusQueued
		j.ErrorMessage = message
	} else {
		j.Status = job.StatusFailed
		j.ErrorMessage = message
		j.CompletedAt = &now
	}
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// Cancel conditionally transitions queued|processing → failed.
func (m *Store) Cancel(_ context.Context, jobID id.JobID, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Status.Terminal() {
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.ErrorMessage = message
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func clamp(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
