package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autopilot/internal/domain/task"
	"autopilot/internal/infra/filestore"
	jsonx "autopilot/internal/shared/json"
	"autopilot/internal/shared/logging"
)

const (
	DefaultMaxSize   = 1000
	DefaultNamespace = "tasks"
)

// Config sizes and locates one queue.
type Config struct {
	// Namespace names the persisted file; one queue per namespace.
	Namespace string
	Dir       string
	MaxSize   int
	// Persist writes the queue to disk after every change.
	Persist bool
}

// FlushReport summarises one Flush.
type FlushReport struct {
	Replayed int `json:"replayed"`
	Retained int `json:"retained"`
	Skipped  int `json:"skipped"`
	// Failures lists operations the store rejected, with their queue index
	// after the flush.
	Failures []ReplayFailure `json:"failures,omitempty"`
}

// ReplayFailure is a queued operation whose replay returned an error.
type ReplayFailure struct {
	Index     int       `json:"index"`
	Operation Operation `json:"operation"`
	Error     string    `json:"error"`
}

// ErrIndexOutOfRange is returned by Remove for an index outside the queue.
var ErrIndexOutOfRange = errors.New("queue index out of range")

// Queue is a bounded FIFO of store mutations. When full, the oldest entry is
// evicted to make room. It is safe for concurrent use; Flush calls are
// serialised and operations enqueued during a flush are kept after it.
type Queue struct {
	cfg     Config
	path    string
	logger  logging.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	items   []Operation
	nextSeq uint64
	// replayErrs holds the last replay error per task with queued operations.
	replayErrs map[string]error

	flushMu sync.Mutex
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithLogger overrides the queue logger.
func WithLogger(logger logging.Logger) QueueOption {
	return func(q *Queue) {
		if !logging.IsNil(logger) {
			q.logger = logger
		}
	}
}

// WithReplayLimiter paces Flush so a recovering store is not hit with the
// whole backlog at once.
func WithReplayLimiter(limiter *rate.Limiter) QueueOption {
	return func(q *Queue) { q.limiter = limiter }
}

// NewQueue builds a queue and restores its persisted state, if any.
func NewQueue(cfg Config, opts ...QueueOption) (*Queue, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Persist && cfg.Dir == "" {
		return nil, errors.New("offline queue: persistence requires a directory")
	}

	q := &Queue{
		cfg:        cfg,
		logger:     logging.NewComponentLogger("OfflineQueue"),
		now:        time.Now,
		replayErrs: make(map[string]error),
	}
	if cfg.Dir != "" {
		q.path = filepath.Join(cfg.Dir, cfg.Namespace+".queue.json")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	if err := q.Load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Path returns the persisted file location; empty when not persisting.
func (q *Queue) Path() string {
	if !q.cfg.Persist {
		return ""
	}
	return q.path
}

// Load replaces the in-memory queue with the persisted one. A missing file
// is an empty queue.
func (q *Queue) Load() error {
	if !q.cfg.Persist {
		return nil
	}
	data, err := filestore.ReadFileOrEmpty(q.path)
	if err != nil {
		return fmt.Errorf("offline queue: read %s: %w", q.path, err)
	}

	var ops []Operation
	if len(data) > 0 {
		if err := jsonx.Unmarshal(data, &ops); err != nil {
			return fmt.Errorf("offline queue: decode %s: %w", q.path, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	for _, op := range ops {
		q.nextSeq++
		op.seq = q.nextSeq
		q.items = append(q.items, op)
	}
	if over := len(q.items) - q.cfg.MaxSize; over > 0 {
		q.logger.Warn("%s holds %d operations, dropping the oldest %d", q.path, len(q.items), over)
		q.items = append(q.items[:0], q.items[over:]...)
	}
	if len(q.items) > 0 {
		q.logger.Info("Restored %d buffered operations from %s", len(q.items), q.path)
	}
	return nil
}

// Enqueue appends op, evicting the oldest entry when the queue is full.
// A zero Timestamp is set to now.
func (q *Queue) Enqueue(op Operation) error {
	if op.Timestamp.IsZero() {
		op.Timestamp = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.cfg.MaxSize {
		evicted := q.items[0]
		q.items = q.items[1:]
		q.logger.Warn("Queue full (%d), evicting oldest %s", q.cfg.MaxSize, evicted)
	}
	q.nextSeq++
	op.seq = q.nextSeq
	q.items = append(q.items, op)
	q.pruneReplayErrsLocked()
	return q.persistLocked()
}

// Size returns the number of buffered operations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue, oldest first.
func (q *Queue) Items() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.items))
	copy(out, q.items)
	return out
}

// HasTask reports whether any buffered operation targets id.
func (q *Queue) HasTask(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.TaskID == id {
			return true
		}
	}
	return false
}

// ReplayError returns the error of the last failed replay of an operation
// still queued for id, or nil.
func (q *Queue) ReplayError(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replayErrs[id]
}

func (q *Queue) pruneReplayErrsLocked() {
	if len(q.replayErrs) == 0 {
		return
	}
	queued := make(map[string]bool, len(q.items))
	for _, op := range q.items {
		queued[op.TaskID] = true
	}
	for id := range q.replayErrs {
		if !queued[id] {
			delete(q.replayErrs, id)
		}
	}
}

// Remove drops the entry at index, counted from the oldest.
func (q *Queue) Remove(index int) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return Operation{}, fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, index, len(q.items))
	}
	removed := q.items[index]
	q.items = append(q.items[:index:index], q.items[index+1:]...)
	q.pruneReplayErrsLocked()
	return removed, q.persistLocked()
}

// Clear empties the queue and deletes its file.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	clear(q.replayErrs)
	return q.persistLocked()
}

// Flush replays every buffered operation against store in FIFO order.
// Operations that succeed are dropped; failing ones stay queued in their
// original relative order. Unknown types are logged and dropped. The error
// is non-nil only when ctx ended the flush early or the result could not be
// persisted.
func (q *Queue) Flush(ctx context.Context, store task.Store) (FlushReport, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	pending := q.Items()
	var report FlushReport
	if len(pending) == 0 {
		return report, nil
	}
	lastSeq := pending[len(pending)-1].seq

	done := make(map[uint64]bool, len(pending))
	failed := make(map[uint64]error)
	var stopErr error
	for _, op := range pending {
		if stopErr != nil {
			report.Retained++
			continue
		}
		replay, ok := replayers[op.Type]
		if !ok {
			q.logger.Warn("Skipping %s: unknown operation type %q", op, op.Type)
			done[op.seq] = true
			report.Skipped++
			continue
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				stopErr = err
				report.Retained++
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			stopErr = err
			report.Retained++
			continue
		}
		if err := replay(ctx, store, op); err != nil {
			q.logger.Warn("Replay of %s failed, keeping it queued: %v", op, err)
			failed[op.seq] = err
			report.Retained++
			continue
		}
		done[op.seq] = true
		report.Replayed++
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0:0]
	for _, op := range q.items {
		// Entries newer than lastSeq were enqueued mid-flush and are kept.
		if op.seq > lastSeq || !done[op.seq] {
			kept = append(kept, op)
		}
	}
	q.items = kept
	clear(q.replayErrs)
	for i, op := range kept {
		if err, ok := failed[op.seq]; ok {
			q.replayErrs[op.TaskID] = err
			report.Failures = append(report.Failures, ReplayFailure{Index: i, Operation: op, Error: err.Error()})
		}
	}
	if err := q.persistLocked(); err != nil {
		return report, err
	}
	if report.Replayed > 0 || report.Skipped > 0 {
		q.logger.Info("Flushed %d operations (%d retained, %d skipped)", report.Replayed, report.Retained, report.Skipped)
	}
	if stopErr != nil {
		return report, fmt.Errorf("offline queue: flush interrupted: %w", stopErr)
	}
	return report, nil
}

func (q *Queue) persistLocked() error {
	if !q.cfg.Persist {
		return nil
	}
	if len(q.items) == 0 {
		if err := filestore.RemoveIfExists(q.path); err != nil {
			return fmt.Errorf("offline queue: remove %s: %w", q.path, err)
		}
		return nil
	}
	data, err := jsonx.MarshalDocument(q.items)
	if err != nil {
		return fmt.Errorf("offline queue: encode: %w", err)
	}
	if err := filestore.AtomicWrite(q.path, data, 0o600); err != nil {
		return fmt.Errorf("offline queue: write %s: %w", q.path, err)
	}
	return nil
}
