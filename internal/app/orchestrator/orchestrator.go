// Package orchestrator drains the task backlog in synchronous rounds of
// parallel worker slots, feeding every outcome through the retry ledger and
// the circuit breaker before the next round starts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"autopilot/internal/app/healing"
	"autopilot/internal/domain/agent"
	"autopilot/internal/domain/task"
	"autopilot/internal/shared/logging"
	id "autopilot/internal/shared/utils/id"
)

// Termination names why Run returned.
type Termination string

const (
	TerminationDrained        Termination = "drained"
	TerminationAborted        Termination = "aborted"
	TerminationFatal          Termination = "fatal"
	TerminationIterationLimit Termination = "iteration_limit"
	TerminationDryRun         Termination = "dry_run"
)

// RunResult is what Run reports when it returns.
type RunResult struct {
	SessionID string      `json:"sessionId"`
	Reason    Termination `json:"reason"`
	Stats     RunStats    `json:"stats"`
}

// WriteBuffer is a store-side buffer of mutations that could not be applied.
// The loop replays it at the start of each round while it is non-empty.
type WriteBuffer interface {
	Size() int
	Replay(ctx context.Context) error
}

// Orchestrator runs one backlog-draining session. It is single use: call Run
// once. Abort, Snapshot and RecentOutcomes are safe from other goroutines.
type Orchestrator struct {
	cfg     Config
	store   task.Store
	claimer task.Claimer
	runner  agent.Runner
	writes  WriteBuffer

	healer   *healing.Healer
	agg      *aggregator
	settings healing.Settings

	statsMu   sync.RWMutex
	published RunStats
	recent    *lru.Cache[string, OutcomeRecord]

	metrics *Metrics
	tracer  trace.Tracer
	logger  logging.Logger

	sessionID string
	stopped   chan struct{}
	stopOnce  sync.Once
	killed    chan struct{}
	killOnce  sync.Once
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) {
		if !logging.IsNil(logger) {
			o.logger = logger
		}
	}
}

// WithMetrics reports loop activity to m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithWriteBuffer lets the loop flush buffered store writes between rounds.
func WithWriteBuffer(buf WriteBuffer) Option {
	return func(o *Orchestrator) { o.writes = buf }
}

// WithTracer overrides the tracer used for round and slot spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithSessionID pins the run identifier instead of generating one.
func WithSessionID(sessionID string) Option {
	return func(o *Orchestrator) {
		if sessionID != "" {
			o.sessionID = sessionID
		}
	}
}

// withClock replaces time and sleeping for tests.
func withClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// New validates cfg and wires an orchestrator over store and runner.
func New(cfg Config, store task.Store, runner agent.Runner, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: task store is required")
	}
	if runner == nil {
		return nil, errors.New("orchestrator: agent runner is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		healer:  healing.NewHealer(cfg.CircuitBreakerThreshold),
		tracer:  otel.Tracer("autopilot/orchestrator"),
		logger:  logging.NewComponentLogger("Orchestrator"),
		stopped: make(chan struct{}),
		killed:  make(chan struct{}),
		sleep:   sleepContext,
		now:     time.Now,
		settings: healing.Settings{
			Workers:   cfg.Workers,
			TaskDelay: cfg.TaskDelay,
			Timeout:   cfg.Timeout,
		},
	}
	// Resolved once so every slot takes the same claim path for the run.
	if claimer, ok := store.(task.Claimer); ok {
		o.claimer = claimer
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.sessionID == "" {
		o.sessionID = id.NewSessionID()
	}

	recent, err := lru.New[string, OutcomeRecord](cfg.RecentOutcomes)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: outcome history: %w", err)
	}
	o.recent = recent
	o.agg = newAggregator(cfg, o.now)
	o.published = o.agg.stats.clone()
	return o, nil
}

// SessionID identifies this run in logs, file names and failure payloads.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Abort asks the loop to stop before the next round. Slots already running
// finish and their outcomes are recorded.
func (o *Orchestrator) Abort() {
	o.stopOnce.Do(func() { close(o.stopped) })
}

// Kill aborts the run and cancels agents that are still running. Their
// slots report errored outcomes and release their tasks.
func (o *Orchestrator) Kill() {
	o.Abort()
	o.killOnce.Do(func() { close(o.killed) })
}

// Snapshot returns the stats as of the last completed round.
func (o *Orchestrator) Snapshot() RunStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.published.clone()
}

// Settings returns the current pool parameters.
func (o *Orchestrator) Settings() healing.Settings {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.settings
}

// RecentOutcomes returns the last recorded outcome per task, oldest first.
func (o *Orchestrator) RecentOutcomes() []OutcomeRecord {
	keys := o.recent.Keys()
	out := make([]OutcomeRecord, 0, len(keys))
	for _, key := range keys {
		if rec, ok := o.recent.Peek(key); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (o *Orchestrator) runDir() string {
	return filepath.Join(o.cfg.WorkDir, o.sessionID)
}

// Run drives rounds until the backlog drains, an abort is requested, the
// iteration limit is hit or the circuit breaker goes fatal. The returned
// error is a *FatalError in the fatal case and nil for every other
// termination.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := o.now()
	o.logger.Info("Run %s starting: workers=%d delay=%s timeout=%s maxRetries=%d threshold=%d mode=%s dryRun=%t",
		o.sessionID, o.settings.Workers, o.settings.TaskDelay, o.settings.Timeout,
		o.cfg.MaxRetries, o.cfg.CircuitBreakerThreshold, o.cfg.FailureMode, o.cfg.DryRun)
	o.metrics.SetWorkers(o.settings.Workers)

	finish := func(reason Termination, err error) (*RunResult, error) {
		o.agg.stats.Duration = o.now().Sub(start)
		o.publish()
		stats := o.Snapshot()
		o.logger.Info("Run %s finished (%s): completed=%d failed=%d retried=%d rounds=%d heals=%d in %s",
			o.sessionID, reason, stats.Completed, stats.Failed, stats.Retried, stats.Rounds,
			stats.SelfHealingAttempts, stats.Duration.Round(time.Millisecond))
		return &RunResult{SessionID: o.sessionID, Reason: reason, Stats: stats}, err
	}

	for iteration := 1; ; iteration++ {
		if o.stopRequested(ctx) {
			return finish(TerminationAborted, nil)
		}
		if o.cfg.MaxIterations > 0 && iteration > o.cfg.MaxIterations {
			return finish(TerminationIterationLimit, nil)
		}

		if o.agg.tracker.ConsecutiveFailures() >= o.cfg.CircuitBreakerThreshold {
			adj, ok := o.healer.Heal(o.agg.tracker, o.settings)
			if !ok {
				fatal := o.fatalError()
				o.logger.Error("Run %s: %v", o.sessionID, fatal)
				return finish(TerminationFatal, fatal)
			}
			o.applyAdjustment(adj)
			if err := o.wait(ctx, o.cfg.HealCooldown); err != nil {
				return finish(TerminationAborted, nil)
			}
			if o.stopRequested(ctx) {
				return finish(TerminationAborted, nil)
			}
		}

		o.replayWrites(ctx)

		outcomes, elapsed := o.dispatchRound(ctx, iteration)
		summary := o.agg.fold(iteration, outcomes)
		o.agg.stats.Duration = o.now().Sub(start)
		o.publish()
		o.record(summary, outcomes, elapsed)

		if summary.allIdle(len(outcomes)) {
			return finish(TerminationDrained, nil)
		}
		if o.cfg.DryRun {
			return finish(TerminationDryRun, nil)
		}
		if summary.abort {
			o.logger.Warn("Run %s: failure in round %d with mode %s, stopping", o.sessionID, iteration, o.cfg.FailureMode)
			return finish(TerminationAborted, nil)
		}
		if err := o.wait(ctx, o.settings.TaskDelay); err != nil {
			return finish(TerminationAborted, nil)
		}
	}
}

// dispatchRound fans out one slot per worker and waits for all of them.
// Slots never fail the group, so one panicking or erroring slot cannot
// cancel its siblings.
func (o *Orchestrator) dispatchRound(ctx context.Context, iteration int) ([]Outcome, time.Duration) {
	settings := o.settings
	ctx, span := o.tracer.Start(ctx, "orchestrator.round", trace.WithAttributes(
		attribute.String("autopilot.session_id", o.sessionID),
		attribute.Int("autopilot.iteration", iteration),
		attribute.Int("autopilot.workers", settings.Workers),
	))
	defer span.End()

	started := o.now()
	ledger := o.agg.ledger.Snapshot()
	failures := newRoundFailures()
	// In-flight agents outlive ctx and Abort; only Kill preempts them.
	slotCtx, cancelSlots := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSlots()
	go func() {
		select {
		case <-o.killed:
			cancelSlots()
		case <-slotCtx.Done():
		}
	}()

	outcomes := make([]Outcome, settings.Workers)
	var group errgroup.Group
	for worker := 0; worker < settings.Workers; worker++ {
		group.Go(func() error {
			outcomes[worker] = o.runSlot(slotCtx, slotParams{
				iteration: iteration,
				worker:    worker,
				timeout:   settings.Timeout,
				ledger:    ledger,
				failures:  failures,
			})
			return nil
		})
	}
	_ = group.Wait()

	elapsed := o.now().Sub(started)
	failed := 0
	for _, out := range outcomes {
		if out.Kind.IsFailure() {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("autopilot.failures", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d slot failures", failed))
	}
	return outcomes, elapsed
}

func (o *Orchestrator) applyAdjustment(adj healing.Adjustment) {
	o.statsMu.Lock()
	o.settings = adj.After
	o.statsMu.Unlock()

	o.agg.resize(adj.After.Workers)
	o.agg.stats.SelfHealingAttempts = o.healer.Attempts()
	o.publish()

	o.logger.Warn("Run %s self-healing %d/%d (%s): workers %d->%d, delay %s->%s, timeout %s->%s; cooling down %s",
		o.sessionID, adj.Attempt, healing.MaxAttempts, adj.Reason,
		adj.Before.Workers, adj.After.Workers,
		adj.Before.TaskDelay, adj.After.TaskDelay,
		adj.Before.Timeout, adj.After.Timeout,
		o.cfg.HealCooldown)
	o.metrics.IncSelfHeal(string(adj.Category))
	o.metrics.SetWorkers(adj.After.Workers)
	o.metrics.SetConsecutiveFailures(0)
}

func (o *Orchestrator) replayWrites(ctx context.Context) {
	if o.writes == nil {
		return
	}
	pending := o.writes.Size()
	o.metrics.SetPendingWrites(pending)
	if pending == 0 {
		return
	}
	if err := o.writes.Replay(ctx); err != nil {
		o.logger.Warn("Run %s: replay of %d buffered store writes incomplete: %v", o.sessionID, pending, err)
	}
	o.metrics.SetPendingWrites(o.writes.Size())
}

func (o *Orchestrator) record(summary roundSummary, outcomes []Outcome, elapsed time.Duration) {
	for _, rec := range summary.records {
		o.recent.Add(rec.TaskID, rec)
		o.metrics.IncFailure(rec.Category)
	}
	for _, out := range outcomes {
		o.metrics.IncOutcome(out.Kind)
		if out.Kind.IsFailure() {
			o.logger.Warn("Run %s worker %d task %s %s: %v", o.sessionID, out.WorkerID, out.TaskID, out.Kind, out.Err)
		}
	}
	o.metrics.ObserveRound(elapsed)
	o.metrics.SetConsecutiveFailures(o.agg.tracker.ConsecutiveFailures())
	o.logger.Debug("Run %s round %d: %d succeeded, %d retrying, %d failed, %d idle in %s",
		o.sessionID, o.agg.stats.Rounds, summary.succeeded, summary.retrying, summary.failed, summary.idle, elapsed)
}

func (o *Orchestrator) publish() {
	o.statsMu.Lock()
	o.published = o.agg.stats.clone()
	o.statsMu.Unlock()
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-o.stopped:
		return true
	default:
		return false
	}
}

// wait sleeps for d unless ctx is cancelled or Abort is called first.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	return o.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
