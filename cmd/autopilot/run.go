package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"autopilot/internal/app/orchestrator"
	"autopilot/internal/config"
	"autopilot/internal/delivery/opsserver"
	"autopilot/internal/domain/task"
	"autopilot/internal/infra/agentcli"
	"autopilot/internal/infra/offline"
	"autopilot/internal/observability"
	"autopilot/internal/shared/async"
	"autopilot/internal/shared/logging"
)

func newRunCommand(c *cli) *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the backlog",
		Long: `Run claims and executes pending tasks in rounds of --parallel workers
until nothing is left, the iteration limit is hit, or the circuit breaker
trips with no self-healing left.

Exit codes: 0 drained / dry run / iteration limit, 1 error, 2 circuit
breaker open, 130 aborted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, schedule)
		},
	}

	f := cmd.Flags()
	f.IntP("parallel", "p", config.DefaultParallel, "number of concurrent workers")
	f.Int("task-delay", config.DefaultTaskDelayMs, "pause between rounds in milliseconds")
	f.Int("timeout", config.DefaultTimeoutSec, "per-task agent timeout in seconds")
	f.Int("max-retries", config.DefaultMaxRetries, "attempts per task before it is marked failed")
	f.Int("circuit-breaker-threshold", config.DefaultCircuitBreakerThreshold, "consecutive failures that trigger self-healing")
	f.Int("max-iterations", 0, "stop after this many rounds (0 = unbounded)")
	f.String("parallel-failure-mode", config.DefaultFailureMode, "continue or abort-all")
	f.Bool("dry-run", false, "show which tasks would be picked without running them")
	f.String("work-dir", config.DefaultWorkDir, "directory for prompts and agent output")
	f.String("feature", "", "only run tasks of this feature")
	f.String("parent", "", "only run subtasks of this parent")
	f.StringSlice("priority", nil, "only run tasks with these priorities")
	f.String("agent-command", config.DefaultAgentCommand, "agent executable")
	f.String("ops-addr", "", "serve health, metrics and run state on this address")
	f.Bool("no-queue", false, "fail writes instead of buffering them while the store is down")
	f.StringVar(&schedule, "schedule", "", "repeat the run on a cron schedule, e.g. \"*/30 * * * *\"")
	return cmd
}

// session holds what outlives a single orchestrator run.
type session struct {
	cfg       config.Config
	backend   *backend
	store     task.Store
	resilient *offline.ResilientStore
	replayer  *offline.Replayer
	runner    *agentcli.Runner
	metrics   *orchestrator.Metrics
	tracing   *observability.TracerProvider
	ops       *opsserver.Server
	logger    logging.Logger

	mu       sync.Mutex
	current  *orchestrator.Orchestrator
	aborted  bool
	abortReq chan struct{}
}

var (
	agentMetricsOnce sync.Once
	agentMetrics     *observability.AgentMetrics
	agentMetricsErr  error
)

func sharedAgentMetrics() (*observability.AgentMetrics, error) {
	agentMetricsOnce.Do(func() {
		agentMetrics, agentMetricsErr = observability.NewAgentMetrics(prometheus.DefaultRegisterer)
	})
	return agentMetrics, agentMetricsErr
}

func newSession(ctx context.Context, cfg config.Config) (*session, error) {
	s := &session{
		cfg:      cfg,
		metrics:  orchestrator.DefaultMetrics(),
		logger:   logging.NewComponentLogger("Run"),
		abortReq: make(chan struct{}),
	}
	fail := func(err error) (*session, error) {
		s.close(context.Background())
		return nil, err
	}

	b, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	s.backend = b
	s.store = b.store
	if cfg.Queue.Enabled {
		queue, err := openQueue(cfg)
		if err != nil {
			return fail(err)
		}
		s.resilient = offline.NewResilientStore(b.store, queue,
			offline.WithStoreLogger(logging.NewComponentLogger("ResilientStore")))
		s.store = s.resilient.Store()
		s.replayer = offline.NewReplayer(s.resilient,
			offline.WithInterval(cfg.ReplayInterval()),
			offline.WithReplayerLogger(logging.NewComponentLogger("Replayer")))
		s.replayer.Start(ctx)
	}

	recorder, err := sharedAgentMetrics()
	if err != nil {
		return fail(err)
	}
	runner, err := agentcli.New(cfg.AgentRunner(),
		agentcli.WithLogger(logging.NewComponentLogger("AgentRunner")),
		agentcli.WithRecorder(recorder))
	if err != nil {
		return fail(err)
	}
	s.runner = runner
	tracing, err := observability.NewTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return fail(err)
	}
	s.tracing = tracing

	if cfg.Ops.Addr != "" {
		opts := []opsserver.Option{
			opsserver.WithLogger(logging.NewComponentLogger("OpsServer")),
			opsserver.WithPinger(b.store),
			opsserver.WithAbort(s.abort),
		}
		if s.resilient != nil {
			opts = append(opts, opsserver.WithQueue(s.resilient.Queue()))
		}
		s.ops = opsserver.New(opsserver.Config{Addr: cfg.Ops.Addr}, opts...)
		if err := s.ops.Start(); err != nil {
			s.ops = nil
			return fail(err)
		}
	}
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if s.ops != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.ops.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Ops server shutdown: %v", err)
		}
		cancel()
	}
	if s.replayer != nil {
		s.replayer.Stop()
	}
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			s.logger.Warn("Tracer shutdown: %v", err)
		}
	}
	if s.backend != nil {
		s.backend.close()
	}
}

// abort stops the current run at its next round boundary and prevents new
// scheduled runs.
func (s *session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	close(s.abortReq)
	if s.current != nil {
		s.current.Abort()
	}
}

// kill aborts and cancels agents still running in the current run.
func (s *session) kill() {
	s.abort()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Kill()
	}
}

func (s *session) runOnce(ctx context.Context) (*orchestrator.Orchestrator, *orchestrator.RunResult, error) {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logging.NewComponentLogger("Orchestrator")),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithTracer(s.tracing.Tracer()),
	}
	if s.resilient != nil {
		opts = append(opts, orchestrator.WithWriteBuffer(s.resilient))
	}
	orch, err := orchestrator.New(s.cfg.Orchestrator(), s.store, s.runner, opts...)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.current = orch
	if s.aborted {
		orch.Abort()
	}
	s.mu.Unlock()
	if s.ops != nil {
		s.ops.SetRun(orch)
	}

	result, err := orch.Run(ctx)
	return orch, result, err
}

// watchSignals aborts on the first SIGINT/SIGTERM and cancels on the second.
func (s *session) watchSignals(ctx context.Context, cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	async.Go(s.logger, "run.signals", func() {
		select {
		case <-sigCh:
			s.logger.Warn("Interrupt received, stopping after the current round (interrupt again to force)")
			s.abort()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			s.logger.Warn("Second interrupt, cancelling running agents")
			s.kill()
			cancel()
		case <-ctx.Done():
		}
	})
	return func() { signal.Stop(sigCh) }
}

func (c *cli) run(cmd *cobra.Command, schedule string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := newSession(ctx, c.cfg)
	if err != nil {
		return &ExitCodeError{Code: exitError, Err: err}
	}
	defer s.close(context.Background())
	stopSignals := s.watchSignals(ctx, cancel)
	defer stopSignals()

	out := cmd.OutOrStdout()
	if schedule == "" {
		orch, result, err := s.runOnce(ctx)
		if orch == nil {
			return &ExitCodeError{Code: exitError, Err: err}
		}
		printSummary(out, result, err, orch.RecentOutcomes())
		return runExit(result, err)
	}
	return s.schedule(ctx, out, schedule)
}

// schedule repeats runs on the cron expression expr until aborted. A run
// still going when the next tick fires is not overlapped.
func (s *session) schedule(ctx context.Context, out io.Writer, expr string) error {
	var (
		mu      sync.Mutex
		lastErr error
	)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(expr, func() {
		orch, result, err := s.runOnce(ctx)
		if orch == nil {
			s.logger.Error("Scheduled run could not start: %v", err)
			return
		}
		printSummary(out, result, err, orch.RecentOutcomes())
		mu.Lock()
		lastErr = err
		mu.Unlock()
		if orchestrator.IsFatal(err) {
			s.logger.Error("Circuit breaker open, stopping the schedule")
			s.abort()
		}
	})
	if err != nil {
		return &ExitCodeError{Code: exitError, Err: fmt.Errorf("invalid --schedule %q: %w", expr, err)}
	}

	s.logger.Info("Scheduled runs on %q", expr)
	c.Start()
	select {
	case <-s.abortReq:
	case <-ctx.Done():
	}
	<-c.Stop().Done()

	mu.Lock()
	defer mu.Unlock()
	if orchestrator.IsFatal(lastErr) {
		return &ExitCodeError{Code: exitFatal, Err: lastErr}
	}
	return &ExitCodeError{Code: exitAborted}
}

func runExit(result *orchestrator.RunResult, err error) error {
	code := exitCodeFor(result, err)
	if code == exitOK {
		return nil
	}
	var fatal *orchestrator.FatalError
	if errors.As(err, &fatal) {
		// Already printed in the summary.
		return &ExitCodeError{Code: code}
	}
	return &ExitCodeError{Code: code, Err: err}
}
