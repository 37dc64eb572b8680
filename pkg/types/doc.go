/*
Package types defines the core data structures shared across relay: the
task-dispatch and coordination fabric that routes prompt-completion jobs
through a shared Redis broker to a pool of registered workers.

# Architecture

types is the foundation every other package builds on. It defines:

  - Task: a unit of work, its classification (Category, ComplexityTier),
    priority, capability requirements, and lifecycle bookkeeping (attempts,
    last error, DLQ retry count, migration provenance)
  - Worker: a registry record of one worker process — its capabilities,
    capacity, resource usage, derived load/health scores, and liveness
    state machine position (WorkerStatus)
  - Lock: an exclusive lease on a named resource, used by the Conflict
    Arbiter to serialize access across workers
  - Message: inter-worker mailbox entries and broadcast payloads
    (MessageType enumerates the coordination vocabulary)
  - MetricSample: one point in a worker's rolling time series
  - Result: what an Executor returns on successful task completion

All types are JSON-serializable (the wire format for every broker blob:
task queues, processing lists, DLQ entries, worker hashes, and pub/sub
payloads) and use string-enum constants for their closed vocabularies
(Priority, Category, ComplexityTier, WorkerStatus, MessageType) rather than
integer codes, so blobs remain human-readable in redis-cli during
debugging.

# Relationship to other packages

  - pkg/queue: moves Task between pending/processing/DLQ lists
  - pkg/registry: persists and transitions Worker records
  - pkg/lock: grants and releases Lock records
  - pkg/messaging: routes Message between mailboxes and broadcast channels
  - pkg/dispatcher: classifies Task into Category/ComplexityTier and scores
    Worker candidates for selection
  - pkg/health: reads Task/Worker state to assess queue health and drive
    corrections
  - pkg/metrics: records MetricSample series per worker
*/
package types
