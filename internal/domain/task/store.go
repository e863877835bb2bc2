package task

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a mutation targets an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrUnavailable wraps failures caused by the store being unreachable
	// (network, disk, connection pool). Such mutations may be buffered and
	// replayed later.
	ErrUnavailable = errors.New("task store unavailable")
)

// Store is the persistence port the orchestrator drives tasks through.
// Implementations must be safe for concurrent use by all worker slots, and
// every mutation must be idempotent.
type Store interface {
	// FindNextTask returns the highest-priority eligible task without
	// claiming it, or (nil, nil) when nothing is eligible.
	FindNextTask(ctx context.Context, filter Filter) (*Task, error)

	MarkInProgress(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, comment string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkQuarantined(ctx context.Context, id, reason string) error
	ResetToPending(ctx context.Context, id string) error

	// Ping reports round-trip latency; a non-nil error means unreachable.
	Ping(ctx context.Context) (time.Duration, error)
}

// Claimer is the optional atomic find-and-mark-in-progress capability.
// A store that cannot guarantee atomicity must not implement it.
type Claimer interface {
	ClaimTask(ctx context.Context, filter Filter) (*Task, error)
}

// Creator adds tasks to a store.
type Creator interface {
	Add(ctx context.Context, draft Draft) (Task, error)
}

// Lister enumerates tasks in selection order.
type Lister interface {
	List(ctx context.Context, filter Filter) ([]Task, error)
}
