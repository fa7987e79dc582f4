package redis

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
)

// wireDescriptor is the MessagePack wire form of a job descriptor. The
// job ID travels as its string form so the encoding does not depend on
// the ID type's internals.
type wireDescriptor struct {
	Version    int        `msgpack:"version"`
	JobID      string     `msgpack:"job_id"`
	VideoID    string     `msgpack:"video_id"`
	Params     job.Params `msgpack:"params"`
	RetryCount int        `msgpack:"retry_count"`
	EnqueuedAt time.Time  `msgpack:"enqueued_at"`
}

func encodeDescriptor(d *job.Descriptor) ([]byte, error) {
	w := wireDescriptor{
		Version:    d.Version,
		JobID:      d.JobID.String(),
		VideoID:    d.VideoID,
		Params:     d.Params,
		RetryCount: d.RetryCount,
		EnqueuedAt: d.EnqueuedAt,
	}
	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("transcodeq/redis: encode descriptor: %w", err)
	}
	return data, nil
}

func decodeDescriptor(data []byte) (*job.Descriptor, error) {
	var w wireDescriptor
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("transcodeq/redis: decode descriptor: %w", err)
	}
	if w.Version != job.DescriptorVersion {
		return nil, fmt.Errorf("transcodeq/redis: unsupported descriptor version %d", w.Version)
	}
	jobID, err := id.ParseJobID(w.JobID)
	if err != nil {
		return nil, fmt.Errorf("transcodeq/redis: parse job id %q: %w", w.JobID, err)
	}
	return &job.Descriptor{
		Version:    w.Version,
		JobID:      jobID,
		VideoID:    w.VideoID,
		Params:     w.Params,
		RetryCount: w.RetryCount,
		EnqueuedAt: w.EnqueuedAt,
	}, nil
}
