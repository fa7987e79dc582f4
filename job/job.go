package job

import (
	"time"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting for a worker, either fresh
	// or pending a scheduled retry.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker is currently driving the job
	// through the encode pipeline.
	StatusProcessing Status = "processing"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed permanently (retry budget
	// exhausted, cancelled, or timed out past the budget).
	StatusFailed Status = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one request to transcode a video into one quality variant.
// It is mutated only through RecordStore transitions.
type Job struct {
	transcodeq.Entity

	ID      id.JobID `json:"id"`
	VideoID string   `json:"video_id"`
	Params  Params   `json:"params"`
	Status  Status   `json:"status"`

	// Progress is an integer in [0,100], non-decreasing within a single
	// processing attempt and reset to 0 when the job re-enters
	// processing after a retry.
	Progress int `json:"progress"`

	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Output fields, populated only on completion.
	OutputKey   string `json:"output_key,omitempty"`
	ManifestKey string `json:"manifest_key,omitempty"`
	OutputSize  int64  `json:"output_size,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RetryPending reports whether a job returned by RecordStore.Fail still
// has retry budget: it was put back to queued instead of failing
// permanently, and the caller is responsible for scheduling the retry.
func (j *Job) RetryPending() bool {
	return j.Status == StatusQueued
}

// Descriptor returns the transient queue snapshot for this job,
// capturing its parameters and retry count at the time of the call.
func (j *Job) Descriptor() *Descriptor {
	return &Descriptor{
		Version:    DescriptorVersion,
		JobID:      j.ID,
		VideoID:    j.VideoID,
		Params:     j.Params,
		RetryCount: j.RetryCount,
		EnqueuedAt: time.Now().UTC(),
	}
}
