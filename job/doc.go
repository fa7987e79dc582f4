// Package job defines the job entity, its state machine, encode
// parameters, the transient queue descriptor, and the record store
// interface.
//
// # Job Entity
//
// A [Job] is one request to transcode a video into one quality variant.
// It embeds [transcodeq.Entity] for timestamps and progresses through a
// state machine:
//
//	queued → processing → completed
//	queued → processing → queued (retry pending) → processing → ...
//	queued → processing → failed
//
// A job failed with retry budget remaining returns to "queued"; the
// worker that failed it schedules a delayed retry with the broker, and
// the retry scheduler promotes it back into circulation once the delay
// has elapsed. Once RetryCount would exceed MaxRetries the job fails
// permanently. Completed and failed are terminal: no transition leaves
// them.
//
// # Descriptor
//
// A [Descriptor] is the transient, broker-resident snapshot of a job's
// parameters — the unit of message-passing between producer, scheduler,
// and worker. It is a typed, versioned struct rather than a serialized
// blob so that producer and worker cannot silently drift apart on its
// shape. The Job record, not the descriptor, is the source of truth for
// job state.
//
// # RecordStore
//
// [RecordStore] is the persistence contract. All state transitions are
// conditional: MarkProcessing, UpdateProgress, Complete, and Cancel
// report false instead of failing when the record is not in an eligible
// state, so duplicate delivery and reaper races are absorbed by callers
// rather than surfaced as errors.
package job
