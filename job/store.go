package job

import (
	"context"

	"github.com/mediaforge/transcodeq/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// VideoID filters by source asset. Empty means all videos.
	VideoID string
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// VideoID filters by source asset. Empty means all videos.
	VideoID string
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// RecordStore is the persistence contract for job records. It holds the
// only durable state this subsystem owns.
//
// Transition methods returning (bool, error) report false — not an
// error — when the record is not in an eligible state. Callers must
// tolerate those races: a job may have been cancelled, reaped, or
// claimed by another worker between dequeue and transition.
type RecordStore interface {
	// Create persists a new job record. The job must carry status
	// queued, zero progress and retry count, and a creation timestamp.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by ID, returning transcodeq.ErrJobNotFound
	// when no such record exists.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// List returns jobs matching opts, newest first.
	List(ctx context.Context, opts ListOpts) ([]*Job, error)

	// Count returns the number of jobs matching opts.
	Count(ctx context.Context, opts CountOpts) (int64, error)

	// MarkProcessing conditionally transitions queued → processing,
	// setting StartedAt to now and resetting Progress to zero.
	MarkProcessing(ctx context.Context, jobID id.JobID) (bool, error)

	// UpdateProgress sets the job's progress, clamped to [0,100] and
	// never decreasing within the current attempt. No-op unless the job
	// is processing.
	UpdateProgress(ctx context.Context, jobID id.JobID, percent int) (bool, error)

	// Complete conditionally transitions processing → completed,
	// recording the output artifacts, setting Progress to 100 and
	// clearing ErrorMessage.
	Complete(ctx context.Context, jobID id.JobID, outputKey, manifestKey string, outputSize int64) (bool, error)

	// Fail records a failed attempt. With retry budget remaining it
	// increments RetryCount, stores the message, and puts the record
	// back to queued (retry pending) — the caller schedules the actual
	// retry. Otherwise it transitions to failed permanently with
	// CompletedAt set. The updated record is returned either way;
	// failing a job already in a terminal state returns the record
	// unchanged.
	Fail(ctx context.Context, jobID id.JobID, message string) (*Job, error)

	// Cancel conditionally transitions queued|processing → failed with
	// the given message. Reports false if the job was already terminal.
	Cancel(ctx context.Context, jobID id.JobID, message string) (bool, error)

	// Close releases the store's resources.
	Close() error
}
