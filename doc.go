// Package transcodeq provides an asynchronous video transcoding job queue.
//
// It accepts encode requests, durably tracks their lifecycle in a Job
// Record Store, dispatches them to concurrent workers through a Queue
// Broker, and recovers from failures via bounded backoff retries and
// stale-job reaping.
//
// The root package holds the vocabulary shared by every subsystem:
// sentinel errors, the Entity timestamp base, and the engine Config.
// The subsystems themselves live in subpackages:
//
//   - job: the Job entity, its state machine, and the RecordStore contract
//   - broker: the transient queue structures (main, retry, in-flight,
//     scheduled retries) with in-memory and Redis implementations
//   - worker: the pipeline executor and the polling worker pool
//   - sweep: the retry scheduler and the stale-job reaper
//   - engine: wiring plus the producer-facing operations
//
// Delivery is at-least-once. Every record transition is conditional, so
// duplicate delivery and reaper races are absorbed rather than surfaced.
package transcodeq
