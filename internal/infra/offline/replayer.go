package offline

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"autopilot/internal/shared/async"
	"autopilot/internal/shared/logging"
)

// Replayer drains a ResilientStore's buffer in the background, backing off
// exponentially while the wrapped store stays down.
type Replayer struct {
	store        *ResilientStore
	interval     time.Duration
	buildBackoff func() backoff.BackOff
	logger       logging.Logger

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ReplayerOption customises a Replayer.
type ReplayerOption func(*Replayer)

// WithInterval sets how often an idle replayer checks the buffer.
func WithInterval(d time.Duration) ReplayerOption {
	return func(r *Replayer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBackoff replaces the retry policy used while the store is down.
func WithBackoff(factory func() backoff.BackOff) ReplayerOption {
	return func(r *Replayer) {
		if factory != nil {
			r.buildBackoff = factory
		}
	}
}

// WithReplayerLogger overrides the replayer logger.
func WithReplayerLogger(logger logging.Logger) ReplayerOption {
	return func(r *Replayer) {
		if !logging.IsNil(logger) {
			r.logger = logger
		}
	}
}

// NewReplayer builds a replayer for store. Call Start to run it.
func NewReplayer(store *ResilientStore, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		store:    store,
		interval: 15 * time.Second,
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
		logger:  logging.NewComponentLogger("Replayer"),
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start runs the replay loop until ctx ends or Stop is called.
func (r *Replayer) Start(ctx context.Context) {
	async.Go(r.logger, "offline-replayer", func() {
		defer close(r.done)
		r.loop(ctx)
	})
}

// ReplayNow asks the loop to attempt a replay without waiting for the
// next tick.
func (r *Replayer) ReplayNow() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for it to exit.
func (r *Replayer) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Replayer) loop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if r.store.Size() == 0 {
			continue
		}
		r.drain(ctx)
	}
}

// drain retries Replay with backoff until the buffer is empty, the policy
// gives up or ctx ends.
func (r *Replayer) drain(ctx context.Context) {
	attempt := 0
	op := func() error {
		attempt++
		err := r.store.Replay(ctx)
		if err != nil {
			r.logger.Debug("Replay attempt %d: %v", attempt, err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(r.buildBackoff(), ctx)); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Giving up replay for now after %d attempts, %d operations pending: %v",
				attempt, r.store.Size(), err)
		}
		return
	}
	r.logger.Info("Buffered store writes replayed after %d attempts", attempt)
}
