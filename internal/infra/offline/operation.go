// Package offline buffers task-store mutations while the store is
// unreachable and replays them, in order, once it answers again.
package offline

import (
	"context"
	"fmt"
	"time"

	"autopilot/internal/domain/task"
)

// OpType tags which store mutation an Operation replays.
type OpType string

const (
	OpMarkInProgress  OpType = "markInProgress"
	OpMarkCompleted   OpType = "markCompleted"
	OpMarkFailed      OpType = "markFailed"
	OpMarkQuarantined OpType = "markQuarantined"
	OpResetToPending  OpType = "resetToPending"
)

// Payload keys carried in Operation.Data.
const (
	DataComment = "comment"
	DataError   = "error"
	DataReason  = "reason"
)

// Operation is one buffered store mutation.
type Operation struct {
	Type      OpType            `json:"type"`
	TaskID    string            `json:"taskId"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	// seq orders operations inside one process; it is not persisted.
	seq uint64
}

func (op Operation) String() string {
	return fmt.Sprintf("%s(%s)", op.Type, op.TaskID)
}

type replayFunc func(ctx context.Context, store task.Store, op Operation) error

var replayers = map[OpType]replayFunc{
	OpMarkInProgress: func(ctx context.Context, s task.Store, op Operation) error {
		return s.MarkInProgress(ctx, op.TaskID)
	},
	OpMarkCompleted: func(ctx context.Context, s task.Store, op Operation) error {
		return s.MarkCompleted(ctx, op.TaskID, op.Data[DataComment])
	},
	OpMarkFailed: func(ctx context.Context, s task.Store, op Operation) error {
		return s.MarkFailed(ctx, op.TaskID, op.Data[DataError])
	},
	OpMarkQuarantined: func(ctx context.Context, s task.Store, op Operation) error {
		return s.MarkQuarantined(ctx, op.TaskID, op.Data[DataReason])
	},
	OpResetToPending: func(ctx context.Context, s task.Store, op Operation) error {
		return s.ResetToPending(ctx, op.TaskID)
	},
}

// Known reports whether t is a replayable operation type.
func (t OpType) Known() bool {
	_, ok := replayers[t]
	return ok
}
