package job

import (
	"time"

	"github.com/mediaforge/transcodeq/id"
)

// DescriptorVersion is the current descriptor wire version. Brokers that
// serialize descriptors reject versions they do not understand instead
// of guessing at field meanings.
const DescriptorVersion = 1

// Descriptor is the transient, broker-resident snapshot of a job. It
// exists only while the job sits in the broker's structures and is
// discarded once a worker has durably recorded a transition. It is not
// the source of truth for job state — the Job record is.
type Descriptor struct {
	Version int      `json:"version" msgpack:"version"`
	JobID   id.JobID `json:"job_id" msgpack:"job_id"`
	VideoID string   `json:"video_id" msgpack:"video_id"`
	Params  Params   `json:"params" msgpack:"params"`

	// RetryCount is the record's retry count at the time of enqueue.
	// Descriptors re-enqueued after a failure carry the incremented
	// count.
	RetryCount int `json:"retry_count" msgpack:"retry_count"`

	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
}

// WithRetryCount returns a copy of the descriptor carrying the given
// retry count, stamped with a fresh enqueue time.
func (d *Descriptor) WithRetryCount(n int) *Descriptor {
	cp := *d
	cp.RetryCount = n
	cp.EnqueuedAt = time.Now().UTC()
	return &cp
}
