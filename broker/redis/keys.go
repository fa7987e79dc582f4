package redis

// Redis key naming conventions for broker structures.
// All keys are prefixed with "transcodeq:" to avoid collisions.

const keyPrefix = "transcodeq:"

// mainQueueKey is the List holding fresh descriptors (LPUSH head, BRPOP tail).
const mainQueueKey = keyPrefix + "queue:main"

// retryQueueKey is the List holding promoted retries. BRPOP checks it
// before the main queue so retries regain a worker first.
const retryQueueKey = keyPrefix + "queue:retry"

// scheduledKey is the Sorted Set of encoded descriptors scored by
// ready_at in unix milliseconds.
const scheduledKey = keyPrefix + "retry:scheduled"

// inflightKey is the Hash of descriptors claimed by workers, keyed by
// job ID.
const inflightKey = keyPrefix + "inflight"
