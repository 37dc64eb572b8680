// Package queue implements the per-queue FIFO with reliable lease handoff:
// enqueue, atomic lease, ack, requeue, DLQ, stuck-task detection and a
// bounded transaction log. It is the sole owner of the broker key schema
// queue:<name>, processing:<name>(:meta), dlq:<name> and txlog:<name>.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/taskerr"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxTxlogEntries = 1000
	defaultMaxAttempts = 5
)

// TxEvent is one entry in a queue's transaction log.
type TxEvent struct {
	Event    string    `json:"event"`
	TaskID   string    `json:"taskId"`
	Ts       time.Time `json:"ts"`
	Detail   string    `json:"detail,omitempty"`
}

// ProcessingMeta is the companion hash entry for a leased task.
type ProcessingMeta struct {
	StartTime   time.Time `json:"startTime"`
	OwnerWorker string    `json:"ownerWorker"`
	Attempts    int       `json:"attempts"`
}

// Manager is the Queue Manager for one broker connection, serving any
// number of named queues.
type Manager struct {
	client      broker.Client
	logger      zerolog.Logger
	maxAttempts int
}

// NewManager constructs a Queue Manager bound to client.
func NewManager(client broker.Client) *Manager {
	return &Manager{
		client:      client,
		logger:      log.WithComponent("queue"),
		maxAttempts: defaultMaxAttempts,
	}
}

// WithMaxAttempts overrides the default DLQ threshold.
func (m *Manager) WithMaxAttempts(n int) *Manager {
	m.maxAttempts = n
	return m
}

func queueKey(name string) string      { return "queue:" + name }
func processingKey(name string) string  { return "processing:" + name }
func processingMetaKey(name string) string { return "processing:" + name + ":meta" }
func dlqKey(name string) string        { return "dlq:" + name }
func txlogKey(name string) string      { return "txlog:" + name }

// Enqueue appends task at the tail of its home queue and records the
// task_enqueued txlog entry.
func (m *Manager) Enqueue(ctx context.Context, task *types.Task) error {
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	blob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := m.client.EnqueueTail(ctx, queueKey(task.Queue), blob); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	m.appendTxlog(ctx, task.Queue, TxEvent{Event: "task_enqueued", TaskID: task.ID, Ts: time.Now()})
	return nil
}

// Lease atomically moves one task from the head of queue to its processing
// list and stamps startTime/ownerWorker into the processing meta hash.
// Returns nil, nil when the queue is empty.
func (m *Manager) Lease(ctx context.Context, queueName, ownerWorker string) (*types.Task, error) {
	blob, err := m.client.LeaseHead(ctx, queueKey(queueName), processingKey(queueName))
	if err != nil {
		return nil, fmt.Errorf("lease from %s: %w", queueName, err)
	}
	if blob == nil {
		return nil, nil
	}

	var task types.Task
	if err := json.Unmarshal(blob, &task); err != nil {
		// Malformed payload: never block the queue on it. Move straight to
		// the DLQ and report no task leased this cycle.
		_ = m.client.PushDLQ(ctx, processingKey(queueName), dlqKey(queueName), blob)
		m.appendTxlog(ctx, queueName, TxEvent{Event: "task_rejected", Ts: time.Now(), Detail: "malformed payload"})
		return nil, taskerr.New(taskerr.Permanent, fmt.Errorf("unmarshal leased task: %w", err))
	}

	task.StartTime = time.Now()
	meta := ProcessingMeta{StartTime: task.StartTime, OwnerWorker: ownerWorker, Attempts: task.Attempts}
	metaBlob, _ := json.Marshal(meta)
	if err := m.client.HashSet(ctx, processingMetaKey(queueName), task.ID, metaBlob); err != nil {
		m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to write processing meta")
	}

	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_leased", TaskID: task.ID, Ts: time.Now()})
	return &task, nil
}

// blobFor reconstructs the exact bytes a task was stored as in a processing
// list, since LRem matches on exact member value. Lease() stamps startTime
// onto the caller's in-memory copy but never writes it back into the
// processing list entry itself (only into the companion meta hash), so any
// call site working from a leased task must zero startTime before matching
// against the stored blob.
func blobFor(task *types.Task) ([]byte, error) {
	stored := *task
	stored.StartTime = time.Time{}
	return json.Marshal(&stored)
}

// Ack removes task from the processing list and clears its meta entry.
// Best-effort: a duplicate ack (task already removed by a prior recovery) is
// not an error.
func (m *Manager) Ack(ctx context.Context, queueName string, task *types.Task) error {
	blob, err := blobFor(task)
	if err != nil {
		return fmt.Errorf("marshal task for ack: %w", err)
	}
	if err := m.client.AckFromProcessing(ctx, processingKey(queueName), blob); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)
	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_completed", TaskID: task.ID, Ts: time.Now()})
	return nil
}

// Requeue moves task from processing back to the head of its queue,
// incrementing attempts, and marks it for DLQ instead once maxAttempts is
// reached.
func (m *Manager) Requeue(ctx context.Context, queueName string, task *types.Task, lastErr error) error {
	oldBlob, err := blobFor(task)
	if err != nil {
		return fmt.Errorf("marshal task for requeue: %w", err)
	}

	task.Attempts++
	if lastErr != nil {
		task.LastError = lastErr.Error()
	}

	if task.Attempts >= m.maxAttempts || taskerr.Classify(lastErr) == taskerr.Permanent {
		return m.dlq(ctx, queueName, oldBlob, task, "max_attempts_exceeded")
	}

	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal requeued task: %w", err)
	}
	if err := m.client.MoveModified(ctx, processingKey(queueName), oldBlob, queueKey(queueName), newBlob, true); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)

	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_requeued", TaskID: task.ID, Ts: time.Now()})
	return nil
}

// RequeueVerbatim moves task from processing back to the head of its queue
// without incrementing attempts, used when a circuit breaker is open: the
// task returns to the queue without consuming a retry.
func (m *Manager) RequeueVerbatim(ctx context.Context, queueName string, task *types.Task) error {
	oldBlob, err := blobFor(task)
	if err != nil {
		return fmt.Errorf("marshal task for verbatim requeue: %w", err)
	}
	if err := m.client.MoveModified(ctx, processingKey(queueName), oldBlob, queueKey(queueName), oldBlob, true); err != nil {
		return fmt.Errorf("requeue verbatim task %s: %w", task.ID, err)
	}
	_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)
	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_circuit_open_requeued", TaskID: task.ID, Ts: time.Now()})
	return nil
}

// DLQ moves task from processing directly to the dead-letter list, used
// when the Executor boundary reports a Permanent error.
func (m *Manager) DLQ(ctx context.Context, queueName string, task *types.Task, reason string) error {
	blob, err := blobFor(task)
	if err != nil {
		return fmt.Errorf("marshal task for dlq: %w", err)
	}
	return m.dlq(ctx, queueName, blob, task, reason)
}

func (m *Manager) dlq(ctx context.Context, queueName string, processingBlob []byte, task *types.Task, reason string) error {
	dlqBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task for dlq: %w", err)
	}
	if err := m.client.MoveModified(ctx, processingKey(queueName), processingBlob, dlqKey(queueName), dlqBlob, false); err != nil {
		return fmt.Errorf("dlq task %s: %w", task.ID, err)
	}
	_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)
	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_failed", TaskID: task.ID, Ts: time.Now(), Detail: reason})
	return nil
}

// DLQDirect appends task straight to queueName's dead-letter list without
// expecting it to currently sit in the processing list, used when a task has
// already been removed from processing by some other operation (e.g.
// DrainProcessing during a worker's deregistration).
func (m *Manager) DLQDirect(ctx context.Context, queueName string, task *types.Task, reason string) error {
	blob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task for direct dlq: %w", err)
	}
	if err := m.client.EnqueueTail(ctx, dlqKey(queueName), blob); err != nil {
		return fmt.Errorf("dlq task %s: %w", task.ID, err)
	}
	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_failed", TaskID: task.ID, Ts: time.Now(), Detail: reason})
	return nil
}

// Depth returns the pending (non-leased) length of a queue.
func (m *Manager) Depth(ctx context.Context, queueName string) (int64, error) {
	return m.client.ListLen(ctx, queueKey(queueName))
}

// ProcessingCount returns the number of in-flight (leased) tasks.
func (m *Manager) ProcessingCount(ctx context.Context, queueName string) (int64, error) {
	return m.client.ListLen(ctx, processingKey(queueName))
}

// DLQDepth returns the number of dead-lettered tasks.
func (m *Manager) DLQDepth(ctx context.Context, queueName string) (int64, error) {
	return m.client.ListLen(ctx, dlqKey(queueName))
}

// StuckTasks returns processing-list entries whose recorded startTime is
// older than threshold, for Health Monitor recovery.
func (m *Manager) StuckTasks(ctx context.Context, queueName string, threshold time.Duration) ([]*types.Task, error) {
	entries, err := m.client.ListRange(ctx, processingKey(queueName), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list processing for %s: %w", queueName, err)
	}

	metaAll, err := m.client.HashGetAll(ctx, processingMetaKey(queueName))
	if err != nil {
		return nil, fmt.Errorf("read processing meta for %s: %w", queueName, err)
	}

	now := time.Now()
	var stuck []*types.Task
	for _, blob := range entries {
		var task types.Task
		if err := json.Unmarshal(blob, &task); err != nil {
			continue
		}
		metaBlob, ok := metaAll[task.ID]
		start := task.StartTime
		if ok {
			var meta ProcessingMeta
			if err := json.Unmarshal(metaBlob, &meta); err == nil {
				start = meta.StartTime
			}
		}
		if start.IsZero() {
			continue
		}
		if now.Sub(start) > threshold {
			stuck = append(stuck, &task)
		}
	}
	return stuck, nil
}

// RecoverStuck requeues a stuck task to the head of its queue with raised
// priority, marking previouslyStuck, per the Health Monitor correction
// table.
func (m *Manager) RecoverStuck(ctx context.Context, queueName string, task *types.Task) error {
	entries, err := m.client.ListRange(ctx, processingKey(queueName), 0, -1)
	if err != nil {
		return fmt.Errorf("list processing for %s: %w", queueName, err)
	}
	var staleBlob []byte
	for _, blob := range entries {
		var t types.Task
		if err := json.Unmarshal(blob, &t); err == nil && t.ID == task.ID {
			staleBlob = blob
			break
		}
	}
	if staleBlob == nil {
		// Already recovered or acked by a racing caller; nothing to do.
		return nil
	}

	task.PreviouslyStuck = true
	task.Priority = raisedPriority(task.Priority)
	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal recovered task: %w", err)
	}

	if err := m.client.MoveModified(ctx, processingKey(queueName), staleBlob, queueKey(queueName), newBlob, true); err != nil {
		return fmt.Errorf("recover stuck task %s: %w", task.ID, err)
	}
	_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)

	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_recovered", TaskID: task.ID, Ts: time.Now(), Detail: "previously_stuck"})
	return nil
}

func raisedPriority(p types.Priority) types.Priority {
	switch p {
	case types.PriorityLow:
		return types.PriorityNormal
	case types.PriorityNormal:
		return types.PriorityHigh
	default:
		return p
	}
}

// MigrateTask atomically moves a just-leased task (as returned by Lease) off
// queueName's processing list onto targetQueue's tail, annotating
// migratedFrom and clearing startTime since the task is pending again. The
// blob removed from the processing list is reconstructed with startTime
// zeroed, matching what Lease actually left in storage (Lease sets
// startTime on the in-memory copy only, as a write-back to the meta hash,
// not into the processing list entry itself).
func (m *Manager) MigrateTask(ctx context.Context, queueName string, task *types.Task, targetQueue, migratedFrom string) error {
	stored := *task
	stored.StartTime = time.Time{}
	oldBlob, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal task for migration: %w", err)
	}

	task.MigratedFrom = migratedFrom
	task.Queue = targetQueue
	task.StartTime = time.Time{}
	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal migrated task: %w", err)
	}

	if err := m.client.MoveModified(ctx, processingKey(queueName), oldBlob, queueKey(targetQueue), newBlob, false); err != nil {
		return fmt.Errorf("migrate task %s: %w", task.ID, err)
	}
	_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)
	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_migrated", TaskID: task.ID, Ts: time.Now(), Detail: "to:" + targetQueue})
	return nil
}

// DrainProcessing removes and returns every task currently leased on
// queueName's processing list, clearing their meta entries. Used by the
// Balancer when a worker deregisters: its in-flight work must be moved
// elsewhere rather than left to stuck-task recovery.
func (m *Manager) DrainProcessing(ctx context.Context, queueName string) ([]*types.Task, error) {
	entries, err := m.client.ListRange(ctx, processingKey(queueName), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list processing for drain on %s: %w", queueName, err)
	}
	tasks := make([]*types.Task, 0, len(entries))
	for _, blob := range entries {
		var task types.Task
		if err := json.Unmarshal(blob, &task); err != nil {
			continue
		}
		if err := m.client.RemoveFromList(ctx, processingKey(queueName), blob); err != nil {
			m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to remove drained processing entry")
			continue
		}
		_ = m.client.HashDel(ctx, processingMetaKey(queueName), task.ID)
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// ScanDLQ returns up to n head entries of a queue's dead-letter list,
// oldest first, for the Health Monitor's DLQ-retry scan.
func (m *Manager) ScanDLQ(ctx context.Context, queueName string, n int64) ([]*types.Task, error) {
	blobs, err := m.client.ListRange(ctx, dlqKey(queueName), 0, n-1)
	if err != nil {
		return nil, fmt.Errorf("scan dlq for %s: %w", queueName, err)
	}
	var tasks []*types.Task
	for _, blob := range blobs {
		var t types.Task
		if err := json.Unmarshal(blob, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// RetryFromDLQ moves task from the dead-letter list back to the head of its
// main queue, marking retriedFromDLQ. Callers are responsible for enforcing
// maxDLQRetries and the 5-minute dampener (see health.Monitor).
func (m *Manager) RetryFromDLQ(ctx context.Context, queueName string, task *types.Task) error {
	blobs, err := m.client.ListRange(ctx, dlqKey(queueName), 0, -1)
	if err != nil {
		return fmt.Errorf("list dlq for %s: %w", queueName, err)
	}
	var staleBlob []byte
	for _, blob := range blobs {
		var t types.Task
		if err := json.Unmarshal(blob, &t); err == nil && t.ID == task.ID {
			staleBlob = blob
			break
		}
	}
	if staleBlob == nil {
		return nil
	}

	now := time.Now()
	task.RetriedFromDLQ = true
	task.DLQRetryCount++
	task.LastDLQRetryAt = &now
	task.LastError = ""

	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dlq retry payload: %w", err)
	}

	if err := m.client.RemoveFromList(ctx, dlqKey(queueName), staleBlob); err != nil {
		return fmt.Errorf("remove dlq entry for %s: %w", task.ID, err)
	}
	if err := m.client.EnqueueHead(ctx, queueKey(queueName), newBlob); err != nil {
		return fmt.Errorf("requeue dlq retry for %s: %w", task.ID, err)
	}

	m.appendTxlog(ctx, queueName, TxEvent{Event: "task_retried_from_dlq", TaskID: task.ID, Ts: time.Now()})
	return nil
}

// appendTxlog writes a bounded transaction-log entry; failures here are
// logged, not returned, since the txlog is diagnostic rather than
// load-bearing.
func (m *Manager) appendTxlog(ctx context.Context, queueName string, event TxEvent) {
	blob, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := txlogKey(queueName)
	if err := m.client.SortedSetAdd(ctx, key, float64(event.Ts.UnixMilli()), blob); err != nil {
		m.logger.Debug().Err(err).Str("queue", queueName).Msg("txlog append failed")
		return
	}
	if err := m.client.SortedSetTrim(ctx, key, maxTxlogEntries); err != nil {
		m.logger.Debug().Err(err).Str("queue", queueName).Msg("txlog trim failed")
	}
}

// TxlogLen reports the current bounded transaction-log length, used by
// TestTxlogBounded to check the bounded-txlog invariant.
func (m *Manager) TxlogLen(ctx context.Context, queueName string) (int64, error) {
	return m.client.SortedSetLen(ctx, txlogKey(queueName))
}
