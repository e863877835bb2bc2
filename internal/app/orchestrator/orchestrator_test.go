package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain/agent"
	"autopilot/internal/domain/task"
	"autopilot/internal/shared/logging"
)

// memStore is an in-memory task store with an atomic claim.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	resets map[string]int
}

func newMemStore(tasks ...task.Task) *memStore {
	s := &memStore{tasks: make(map[string]*task.Task), resets: make(map[string]int)}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, t := range tasks {
		t := t
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		if t.Priority == "" {
			t.Priority = task.PriorityMedium
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		}
		s.tasks[t.ID] = &t
	}
	return s
}

func pendingTasks(n int) []task.Task {
	out := make([]task.Task, n)
	for i := range out {
		out[i] = task.Task{ID: fmt.Sprintf("T%02d", i+1), Title: fmt.Sprintf("task %d", i+1)}
	}
	return out
}

func (s *memStore) next(filter task.Filter) *task.Task {
	var best *task.Task
	completed := func(id string) bool {
		dep, ok := s.tasks[id]
		return ok && dep.Status == task.StatusCompleted
	}
	for _, t := range s.tasks {
		if !task.Eligible(*t, filter, completed) {
			continue
		}
		if best == nil || task.Before(*t, *best) {
			best = t
		}
	}
	return best
}

func (s *memStore) FindNextTask(_ context.Context, filter task.Filter) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := s.next(filter)
	if best == nil {
		return nil, nil
	}
	clone := best.Clone()
	return &clone, nil
}

func (s *memStore) ClaimTask(_ context.Context, filter task.Filter) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := s.next(filter)
	if best == nil {
		return nil, nil
	}
	best.Status = task.StatusInProgress
	clone := best.Clone()
	return &clone, nil
}

func (s *memStore) set(id string, mutate func(*task.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	mutate(t)
	return nil
}

func (s *memStore) MarkInProgress(_ context.Context, id string) error {
	return s.set(id, func(t *task.Task) { t.Status = task.StatusInProgress })
}

func (s *memStore) MarkCompleted(_ context.Context, id, comment string) error {
	return s.set(id, func(t *task.Task) { t.Status, t.Comment = task.StatusCompleted, comment })
}

func (s *memStore) MarkFailed(_ context.Context, id, errMsg string) error {
	return s.set(id, func(t *task.Task) { t.Status, t.Error = task.StatusFailed, errMsg })
}

func (s *memStore) MarkQuarantined(_ context.Context, id, reason string) error {
	return s.set(id, func(t *task.Task) { t.Status, t.Error = task.StatusQuarantined, reason })
}

func (s *memStore) ResetToPending(_ context.Context, id string) error {
	return s.set(id, func(t *task.Task) {
		t.Status = task.StatusPending
		s.resets[id]++
	})
}

func (s *memStore) Ping(context.Context) (time.Duration, error) {
	return 0, nil
}

func (s *memStore) get(id string) task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

func (s *memStore) resetCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[id]
}

// fakeRunner answers each invocation through fn and records the calls.
type fakeRunner struct {
	mu    sync.Mutex
	calls []agent.Invocation
	fn    func(inv agent.Invocation) (agent.Execution, error)
}

func (r *fakeRunner) Run(_ context.Context, inv agent.Invocation) (agent.Execution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	if r.fn == nil {
		return agent.Execution{}, nil
	}
	return r.fn(inv)
}

func (r *fakeRunner) callsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if call.TaskID == id {
			n++
		}
	}
	return n
}

func (r *fakeRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func exitWith(code int, tail string) func(agent.Invocation) (agent.Execution, error) {
	return func(agent.Invocation) (agent.Execution, error) {
		return agent.Execution{ExitCode: code, OutputTail: tail}, nil
	}
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TaskDelay = time.Millisecond
	cfg.Timeout = 10 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config, store task.Store, runner agent.Runner, opts ...Option) (*Orchestrator, *recordedSleeps) {
	t.Helper()
	sleeps := &recordedSleeps{}
	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithSessionID("run-test"),
		withClock(nil, sleeps.sleep),
	}, opts...)
	orch, err := New(cfg, store, runner, opts...)
	require.NoError(t, err)
	return orch, sleeps
}

func TestRunDrainsEmptyBacklog(t *testing.T) {
	runner := &fakeRunner{}
	orch, _ := newTestOrchestrator(t, testConfig(t), newMemStore(), runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationDrained, res.Reason)
	require.Equal(t, 1, res.Stats.Rounds)
	require.Zero(t, runner.total())
}

func TestRoundReportsOneOutcomePerWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 3
	store := newMemStore(pendingTasks(1)...)
	orch, _ := newTestOrchestrator(t, cfg, store, &fakeRunner{})

	outcomes, _ := orch.dispatchRound(context.Background(), 1)
	require.Len(t, outcomes, 3)

	kinds := map[OutcomeKind]int{}
	for i, out := range outcomes {
		require.Equal(t, i, out.WorkerID)
		kinds[out.Kind]++
	}
	require.Equal(t, map[OutcomeKind]int{OutcomeSuccess: 1, OutcomeIdle: 2}, kinds)
	require.Equal(t, task.StatusCompleted, store.get("T01").Status)
}

func TestRunCompletesBacklogAcrossWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 3
	store := newMemStore(pendingTasks(7)...)
	runner := &fakeRunner{}
	orch, _ := newTestOrchestrator(t, cfg, store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationDrained, res.Reason)
	require.Equal(t, 7, res.Stats.Completed)
	require.Equal(t, 4, res.Stats.Rounds)
	require.Equal(t, 3, res.Stats.Workers)

	sum := 0
	for _, n := range res.Stats.TasksPerWorker {
		sum += n
	}
	require.Equal(t, 7, sum)
	require.Equal(t, 7, runner.total())
	for _, tk := range pendingTasks(7) {
		require.Equal(t, task.StatusCompleted, store.get(tk.ID).Status)
	}
}

func TestRunRetriesThenMarksFailed(t *testing.T) {
	store := newMemStore(pendingTasks(1)...)
	runner := &fakeRunner{fn: exitWith(1, "compile error in main.go")}
	orch, _ := newTestOrchestrator(t, testConfig(t), store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationDrained, res.Reason)

	require.Equal(t, 3, runner.callsFor("T01"))
	require.Equal(t, 2, store.resetCount("T01"))

	got := store.get("T01")
	require.Equal(t, task.StatusFailed, got.Status)
	require.True(t, strings.HasPrefix(got.Error, "Max retries (3) reached."), got.Error)
	require.Contains(t, got.Error, "run-test")
	require.Contains(t, got.Error, "compile error in main.go")

	require.Equal(t, 2, res.Stats.Retried)
	require.Equal(t, 1, res.Stats.Failed)
	require.Zero(t, orch.agg.ledger.Len())
}

// reclaimStore makes a claim wait while the only candidate is in progress,
// so a task reset mid-round goes straight to a sibling slot.
type reclaimStore struct {
	*memStore
	cond *sync.Cond
}

func newReclaimStore(tasks ...task.Task) *reclaimStore {
	s := &reclaimStore{memStore: newMemStore(tasks...)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *reclaimStore) ClaimTask(_ context.Context, filter task.Filter) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if best := s.next(filter); best != nil {
			best.Status = task.StatusInProgress
			clone := best.Clone()
			return &clone, nil
		}
		busy := false
		for _, t := range s.tasks {
			if t.Status == task.StatusInProgress {
				busy = true
			}
		}
		if !busy {
			return nil, nil
		}
		s.cond.Wait()
	}
}

func (s *reclaimStore) notify(err error) error {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

func (s *reclaimStore) ResetToPending(ctx context.Context, id string) error {
	return s.notify(s.memStore.ResetToPending(ctx, id))
}

func (s *reclaimStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.notify(s.memStore.MarkFailed(ctx, id, errMsg))
}

func (s *reclaimStore) MarkCompleted(ctx context.Context, id, comment string) error {
	return s.notify(s.memStore.MarkCompleted(ctx, id, comment))
}

func TestSameRoundReclaimsCountAgainstRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 3
	store := newReclaimStore(pendingTasks(1)...)
	runner := &fakeRunner{fn: exitWith(1, "boom")}
	orch, _ := newTestOrchestrator(t, cfg, store, runner)

	outcomes, _ := orch.dispatchRound(context.Background(), 1)
	kinds := map[OutcomeKind]int{}
	for _, out := range outcomes {
		kinds[out.Kind]++
	}
	require.Equal(t, map[OutcomeKind]int{OutcomeRetrying: 2, OutcomeFailed: 1}, kinds)

	orch.agg.fold(1, outcomes)
	require.Zero(t, orch.agg.ledger.Len())

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationDrained, res.Reason)
	require.Equal(t, 3, runner.callsFor("T01"))
	require.Equal(t, 2, store.resetCount("T01"))
	require.Equal(t, task.StatusFailed, store.get("T01").Status)
	require.True(t, strings.HasPrefix(store.get("T01").Error, "Max retries (3) reached."))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	var attempts []string
	for _, call := range runner.calls {
		if strings.Contains(call.Prompt, "This is attempt") {
			attempts = append(attempts, call.Prompt[strings.Index(call.Prompt, "This is attempt"):][:len("This is attempt 2 of 3")])
		}
	}
	require.ElementsMatch(t, []string{"This is attempt 2 of 3", "This is attempt 3 of 3"}, attempts)
}

func TestRetryPromptCarriesAttempt(t *testing.T) {
	store := newMemStore(pendingTasks(1)...)
	runner := &fakeRunner{}
	runner.fn = func(inv agent.Invocation) (agent.Execution, error) {
		if runner.callsFor(inv.TaskID) == 1 {
			return agent.Execution{ExitCode: 2}, nil
		}
		return agent.Execution{}, nil
	}
	orch, _ := newTestOrchestrator(t, testConfig(t), store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Stats.Completed)
	require.Equal(t, 1, res.Stats.Retried)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.calls, 2)
	require.NotContains(t, runner.calls[0].Prompt, "This is attempt")
	require.Contains(t, runner.calls[1].Prompt, "This is attempt 2 of 3")
	require.NotEqual(t, runner.calls[0].PromptFile, runner.calls[1].PromptFile)
}

func TestTimeoutStormHealsTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 1
	cfg.CircuitBreakerThreshold = 5
	store := newMemStore(pendingTasks(5)...)
	runner := &fakeRunner{fn: func(agent.Invocation) (agent.Execution, error) {
		return agent.Execution{ExitCode: 124, TimedOut: true}, nil
	}}
	orch, sleeps := newTestOrchestrator(t, cfg, store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationDrained, res.Reason)
	require.Equal(t, 5, res.Stats.Failed)
	require.Equal(t, 1, res.Stats.SelfHealingAttempts)

	settings := orch.Settings()
	require.Equal(t, 15*time.Second, settings.Timeout)
	require.Equal(t, 1, settings.Workers)
	require.Zero(t, orch.agg.tracker.ConsecutiveFailures())
	require.Contains(t, sleeps.sleeps, HealCooldown)
}

func TestRunGoesFatalAfterHealingExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 4
	cfg.MaxRetries = 1
	cfg.CircuitBreakerThreshold = 2
	store := newMemStore(pendingTasks(20)...)
	runner := &fakeRunner{fn: exitWith(1, "segmentation fault")}
	orch, _ := newTestOrchestrator(t, cfg, store, runner)

	res, err := orch.Run(context.Background())
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Equal(t, TerminationFatal, res.Reason)
	require.Equal(t, 3, res.Stats.SelfHealingAttempts)
	require.Equal(t, 1, res.Stats.Workers)
	require.Len(t, res.Stats.TasksPerWorker, 1)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, 2, fatal.ConsecutiveFailures)
	require.Equal(t, 3, fatal.HealingAttempts)
	require.Len(t, fatal.Hints, 3)
	require.Contains(t, err.Error(), "autopilot run")

	// 4 + 3 + 2 workers until each heal, then two single-worker rounds.
	require.Equal(t, 11, runner.total())
	// Each unknown-category heal adds 2s to the delay.
	require.Equal(t, cfg.TaskDelay+6*time.Second, orch.Settings().TaskDelay)
}

func TestAbortAllStopsAfterFailingRound(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2
	cfg.FailureMode = FailureModeAbortAll
	store := newMemStore(pendingTasks(4)...)
	runner := &fakeRunner{fn: func(inv agent.Invocation) (agent.Execution, error) {
		if inv.TaskID == "T01" {
			return agent.Execution{ExitCode: 1}, nil
		}
		return agent.Execution{}, nil
	}}
	orch, _ := newTestOrchestrator(t, cfg, store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationAborted, res.Reason)
	require.Equal(t, 1, res.Stats.Rounds)
	require.Equal(t, 1, res.Stats.Completed)
	require.Equal(t, 1, res.Stats.Retried)
	require.Equal(t, task.StatusPending, store.get("T03").Status)
}

func TestDryRunPeeksWithoutClaiming(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2
	cfg.DryRun = true
	store := newMemStore(pendingTasks(2)...)
	runner := &fakeRunner{}
	orch, _ := newTestOrchestrator(t, cfg, store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationDryRun, res.Reason)
	require.Zero(t, runner.total())
	require.Equal(t, task.StatusPending, store.get("T01").Status)
	require.Equal(t, task.StatusPending, store.get("T02").Status)
	require.Zero(t, res.Stats.Completed)
}

// plainStore hides ClaimTask so the find-then-mark path is used.
type plainStore struct {
	task.Store
}

func TestRunWithoutClaimerFindsThenMarks(t *testing.T) {
	store := newMemStore(pendingTasks(2)...)
	orch, _ := newTestOrchestrator(t, testConfig(t), plainStore{store}, &fakeRunner{})
	require.Nil(t, orch.claimer)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Stats.Completed)
	require.Equal(t, task.StatusCompleted, store.get("T02").Status)
}

func TestSlotPanicIsIsolated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2
	cfg.MaxIterations = 1
	store := newMemStore(pendingTasks(2)...)
	runner := &fakeRunner{fn: func(inv agent.Invocation) (agent.Execution, error) {
		if inv.TaskID == "T01" {
			panic("agent supervisor crashed")
		}
		return agent.Execution{}, nil
	}}
	orch, _ := newTestOrchestrator(t, cfg, store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationIterationLimit, res.Reason)
	require.Equal(t, 1, res.Stats.Completed)
	require.Equal(t, 1, res.Stats.Failed)
	require.Equal(t, task.StatusPending, store.get("T01").Status)
	require.Equal(t, task.StatusCompleted, store.get("T02").Status)

	recent := orch.RecentOutcomes()
	require.Len(t, recent, 2)
	byTask := map[string]OutcomeRecord{}
	for _, rec := range recent {
		byTask[rec.TaskID] = rec
	}
	assert.Equal(t, OutcomeErrored, byTask["T01"].Kind)
	assert.Contains(t, byTask["T01"].Error, "agent supervisor crashed")
}

func TestAbortBeforeRunStopsImmediately(t *testing.T) {
	runner := &fakeRunner{}
	orch, _ := newTestOrchestrator(t, testConfig(t), newMemStore(pendingTasks(3)...), runner)
	orch.Abort()
	orch.Abort()

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationAborted, res.Reason)
	require.Zero(t, res.Stats.Rounds)
	require.Zero(t, runner.total())
}

func TestAbortDuringRoundLetsSlotsFinish(t *testing.T) {
	store := newMemStore(pendingTasks(3)...)
	var orch *Orchestrator
	runner := &fakeRunner{fn: func(agent.Invocation) (agent.Execution, error) {
		orch.Abort()
		return agent.Execution{}, nil
	}}
	orch, _ = newTestOrchestrator(t, testConfig(t), store, runner)

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationAborted, res.Reason)
	require.Equal(t, 1, res.Stats.Completed)
	require.Equal(t, task.StatusCompleted, store.get("T01").Status)
}

// blockingRunner holds every agent until its context is cancelled.
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Run(ctx context.Context, _ agent.Invocation) (agent.Execution, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return agent.Execution{}, ctx.Err()
}

func TestKillCancelsRunningAgents(t *testing.T) {
	store := newMemStore(pendingTasks(2)...)
	runner := &blockingRunner{started: make(chan struct{})}
	orch, _ := newTestOrchestrator(t, testConfig(t), store, runner)

	go func() {
		<-runner.started
		orch.Kill()
	}()
	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationAborted, res.Reason)
	require.Equal(t, 1, res.Stats.Failed)
	require.Equal(t, task.StatusPending, store.get("T01").Status)
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch, _ := newTestOrchestrator(t, testConfig(t), newMemStore(pendingTasks(1)...), &fakeRunner{})

	res, err := orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, TerminationAborted, res.Reason)
}

func TestIterationLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 2
	store := newMemStore(pendingTasks(5)...)
	orch, _ := newTestOrchestrator(t, cfg, store, &fakeRunner{})

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationIterationLimit, res.Reason)
	require.Equal(t, 2, res.Stats.Completed)
}

type countingBuffer struct {
	mu      sync.Mutex
	pending int
	replays int
}

func (b *countingBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *countingBuffer) Replay(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replays++
	b.pending = 0
	return nil
}

func TestRunReplaysBufferedWrites(t *testing.T) {
	buf := &countingBuffer{pending: 2}
	orch, _ := newTestOrchestrator(t, testConfig(t), newMemStore(pendingTasks(1)...), &fakeRunner{}, WithWriteBuffer(buf))

	_, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, buf.replays)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	_, err := New(cfg, newMemStore(), &fakeRunner{})
	require.Error(t, err)

	_, err = New(DefaultConfig(), nil, &fakeRunner{})
	require.Error(t, err)
}

func TestRunStatsJSON(t *testing.T) {
	stats := RunStats{Completed: 4, Failed: 1, Duration: 1500 * time.Millisecond, Workers: 2, TasksPerWorker: []int{3, 2}}
	data, err := json.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.InDelta(t, 1.5, decoded["durationSeconds"], 1e-9)
	assert.EqualValues(t, 4, decoded["completed"])
	assert.Equal(t, []any{float64(3), float64(2)}, decoded["tasksPerWorker"])
}

func TestHealCooldownDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"unset uses default", 0, HealCooldown},
		{"explicit", 5 * time.Second, 5 * time.Second},
		{"negative disables", -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Workers:                 1,
				Timeout:                 time.Minute,
				MaxRetries:              3,
				CircuitBreakerThreshold: 5,
				HealCooldown:            tt.in,
			}
			orch, err := New(cfg, newMemStore(), &fakeRunner{}, WithLogger(logging.Nop()))
			require.NoError(t, err)
			require.Equal(t, tt.want, orch.cfg.HealCooldown)
		})
	}
}
