package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopilot/internal/domain/task"
	apperrors "autopilot/internal/shared/errors"
	"autopilot/internal/shared/logging"
)

// ResilientStore decorates a task store so mutations that fail because the
// store is unreachable are buffered in a Queue instead of surfacing to the
// caller. Reads are passed through unchanged.
type ResilientStore struct {
	inner  task.Store
	queue  *Queue
	logger logging.Logger
}

// StoreOption customises a ResilientStore.
type StoreOption func(*ResilientStore)

// WithStoreLogger overrides the decorator's logger.
func WithStoreLogger(logger logging.Logger) StoreOption {
	return func(s *ResilientStore) {
		if !logging.IsNil(logger) {
			s.logger = logger
		}
	}
}

// NewResilientStore wraps inner with queue as its write buffer.
func NewResilientStore(inner task.Store, queue *Queue, opts ...StoreOption) *ResilientStore {
	s := &ResilientStore{
		inner:  inner,
		queue:  queue,
		logger: logging.NewComponentLogger("ResilientStore"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store returns the decorator as a task.Store. When the wrapped store can
// claim atomically, the returned value is also a task.Claimer.
func (s *ResilientStore) Store() task.Store {
	if claimer, ok := s.inner.(task.Claimer); ok {
		return &claimingStore{ResilientStore: s, claimer: claimer}
	}
	return s
}

// Queue exposes the write buffer.
func (s *ResilientStore) Queue() *Queue {
	return s.queue
}

// Size returns the number of buffered mutations.
func (s *ResilientStore) Size() int {
	return s.queue.Size()
}

// Flush replays buffered mutations against the wrapped store.
func (s *ResilientStore) Flush(ctx context.Context) (FlushReport, error) {
	return s.queue.Flush(ctx, s.inner)
}

// Replay flushes the buffer if the wrapped store answers a ping. It returns
// an error while the store is still down or operations remain queued.
func (s *ResilientStore) Replay(ctx context.Context) error {
	if s.queue.Size() == 0 {
		return nil
	}
	if _, err := s.inner.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", task.ErrUnavailable, err)
	}
	report, err := s.Flush(ctx)
	if err != nil {
		return err
	}
	if report.Retained > 0 {
		return fmt.Errorf("%d buffered operations still pending", report.Retained)
	}
	return nil
}

func (s *ResilientStore) FindNextTask(ctx context.Context, filter task.Filter) (*task.Task, error) {
	return s.inner.FindNextTask(ctx, filter)
}

func (s *ResilientStore) Ping(ctx context.Context) (time.Duration, error) {
	return s.inner.Ping(ctx)
}

func (s *ResilientStore) MarkInProgress(ctx context.Context, id string) error {
	return s.apply(ctx, Operation{Type: OpMarkInProgress, TaskID: id})
}

func (s *ResilientStore) MarkCompleted(ctx context.Context, id, comment string) error {
	return s.apply(ctx, Operation{Type: OpMarkCompleted, TaskID: id, Data: map[string]string{DataComment: comment}})
}

func (s *ResilientStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.apply(ctx, Operation{Type: OpMarkFailed, TaskID: id, Data: map[string]string{DataError: errMsg}})
}

func (s *ResilientStore) MarkQuarantined(ctx context.Context, id, reason string) error {
	return s.apply(ctx, Operation{Type: OpMarkQuarantined, TaskID: id, Data: map[string]string{DataReason: reason}})
}

func (s *ResilientStore) ResetToPending(ctx context.Context, id string) error {
	return s.apply(ctx, Operation{Type: OpResetToPending, TaskID: id})
}

// apply runs op against the wrapped store, buffering it when the store is
// unreachable. A task with operations already queued has new ones queued
// behind them so its mutations replay in order.
func (s *ResilientStore) apply(ctx context.Context, op Operation) error {
	if s.queue.HasTask(op.TaskID) {
		return s.buffer(op, nil)
	}
	err := replayers[op.Type](ctx, s.inner, op)
	if err == nil || !Unavailable(err) {
		return err
	}
	return s.buffer(op, err)
}

func (s *ResilientStore) buffer(op Operation, cause error) error {
	if err := s.queue.Enqueue(op); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	if cause != nil {
		s.logger.Warn("Store unavailable, buffered %s (%d pending): %v", op, s.queue.Size(), cause)
	} else if replayErr := s.queue.ReplayError(op.TaskID); replayErr != nil {
		s.logger.Warn("Buffered %s behind an operation the store rejected on replay, it applies only after `autopilot queue remove` drops that entry: %v", op, replayErr)
	} else {
		s.logger.Debug("Buffered %s behind earlier operations for the same task", op)
	}
	return nil
}

// Unavailable reports whether err means the store could not be reached, as
// opposed to the store rejecting the request.
func Unavailable(err error) bool {
	if err == nil || errors.Is(err, task.ErrNotFound) {
		return false
	}
	return errors.Is(err, task.ErrUnavailable) || apperrors.IsTransient(err)
}

type claimingStore struct {
	*ResilientStore
	claimer task.Claimer
}

func (s *claimingStore) ClaimTask(ctx context.Context, filter task.Filter) (*task.Task, error) {
	return s.claimer.ClaimTask(ctx, filter)
}

var (
	_ task.Store   = (*ResilientStore)(nil)
	_ task.Claimer = (*claimingStore)(nil)
)
