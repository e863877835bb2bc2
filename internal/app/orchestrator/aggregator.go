package orchestrator

import (
	"slices"
	"time"

	"autopilot/internal/app/healing"
	jsonx "autopilot/internal/shared/json"
)

// OutcomeKind tags what a slot did in one round.
type OutcomeKind string

const (
	// OutcomeIdle means the slot found nothing to claim.
	OutcomeIdle OutcomeKind = "idle"
	// OutcomeSuccess means the agent exited 0 and the task was completed.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRetrying means the agent failed and the task went back to pending.
	OutcomeRetrying OutcomeKind = "retrying"
	// OutcomeFailed means the task ran out of retries and was marked failed.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeErrored means claiming or supervising the task raised an error.
	OutcomeErrored OutcomeKind = "errored"
	// OutcomePreview is a dry-run peek at the next task.
	OutcomePreview OutcomeKind = "preview"
)

// IsFailure reports whether the outcome counts toward the circuit breaker.
func (k OutcomeKind) IsFailure() bool {
	return k == OutcomeRetrying || k == OutcomeFailed || k == OutcomeErrored
}

// Outcome is the result one slot reports for one round.
type Outcome struct {
	WorkerID int
	// TaskID is empty when the slot was idle or failed before claiming.
	TaskID   string
	Kind     OutcomeKind
	Err      error
	Duration time.Duration
}

// RunStats accumulates over a whole run.
type RunStats struct {
	Completed int `json:"completed"`
	// Failed counts terminal failures, including slot errors.
	Failed  int `json:"failed"`
	Retried int `json:"retried"`
	// Duration is measured from the start of Run.
	Duration time.Duration `json:"-"`
	Workers  int           `json:"workers"`
	// TasksPerWorker counts tasks handled per slot index. Its length follows
	// the pool size at the last resize.
	TasksPerWorker      []int `json:"tasksPerWorker"`
	Rounds              int   `json:"rounds"`
	SelfHealingAttempts int   `json:"selfHealingAttempts"`
}

// DurationSeconds renders Duration for reports.
func (s RunStats) DurationSeconds() float64 {
	return s.Duration.Seconds()
}

// MarshalJSON adds durationSeconds to the encoded fields.
func (s RunStats) MarshalJSON() ([]byte, error) {
	type plain RunStats
	return jsonx.Marshal(struct {
		plain
		DurationSeconds float64 `json:"durationSeconds"`
	}{plain(s), s.DurationSeconds()})
}

func (s RunStats) clone() RunStats {
	s.TasksPerWorker = slices.Clone(s.TasksPerWorker)
	return s
}

// OutcomeRecord is the last known outcome for a task, kept for inspection.
type OutcomeRecord struct {
	TaskID    string        `json:"taskId"`
	WorkerID  int           `json:"workerId"`
	Iteration int           `json:"iteration"`
	Kind      OutcomeKind   `json:"kind"`
	Error     string        `json:"error,omitempty"`
	Category  string        `json:"category,omitempty"`
	Duration  time.Duration `json:"durationNs"`
	At        time.Time     `json:"at"`
}

// roundSummary is what the control loop needs from one aggregated round.
type roundSummary struct {
	idle      int
	succeeded int
	retrying  int
	failed    int
	previewed int
	abort     bool
	records   []OutcomeRecord
}

func (s roundSummary) allIdle(total int) bool {
	return s.idle == total
}

// aggregator owns all state mutated between rounds. Only the control loop
// calls it, after the round barrier, so it needs no locking.
type aggregator struct {
	tracker     *healing.Tracker
	ledger      *Ledger
	stats       RunStats
	failureMode FailureMode
	now         func() time.Time
}

func newAggregator(cfg Config, now func() time.Time) *aggregator {
	return &aggregator{
		tracker:     healing.NewTracker(healing.DefaultWindow),
		ledger:      NewLedger(cfg.MaxRetries),
		failureMode: cfg.FailureMode,
		now:         now,
		stats: RunStats{
			Workers:        cfg.Workers,
			TasksPerWorker: make([]int, cfg.Workers),
		},
	}
}

// fold applies a round's outcomes in slot order.
func (a *aggregator) fold(iteration int, outcomes []Outcome) roundSummary {
	summary := roundSummary{records: make([]OutcomeRecord, 0, len(outcomes))}
	a.stats.Rounds++

	// A task can fail and be retried by one slot, then settle in another
	// slot of the same round. Slot order is not claim order.
	settled := make(map[string]bool)
	for _, out := range outcomes {
		if out.Kind == OutcomeSuccess || out.Kind == OutcomeFailed {
			settled[out.TaskID] = true
		}
	}

	for _, out := range outcomes {
		var category healing.Category
		switch out.Kind {
		case OutcomeIdle:
			summary.idle++
			continue
		case OutcomePreview:
			summary.previewed++
		case OutcomeSuccess:
			summary.succeeded++
			a.tracker.RecordSuccess()
			a.ledger.Clear(out.TaskID)
			a.stats.Completed++
			a.countTask(out.WorkerID)
		case OutcomeRetrying:
			summary.retrying++
			category = a.tracker.RecordFailure(errorText(out.Err)).Category
			if !settled[out.TaskID] {
				a.ledger.RecordRetry(out.TaskID)
			}
			a.stats.Retried++
			a.countTask(out.WorkerID)
		case OutcomeFailed:
			summary.failed++
			category = a.tracker.RecordFailure(errorText(out.Err)).Category
			a.ledger.Clear(out.TaskID)
			a.stats.Failed++
			a.countTask(out.WorkerID)
		case OutcomeErrored:
			summary.failed++
			category = a.tracker.RecordFailure(errorText(out.Err)).Category
			a.stats.Failed++
			if out.TaskID != "" {
				a.countTask(out.WorkerID)
			}
		}

		if out.Kind.IsFailure() && a.failureMode == FailureModeAbortAll {
			summary.abort = true
		}
		if out.TaskID != "" {
			summary.records = append(summary.records, OutcomeRecord{
				TaskID:    out.TaskID,
				WorkerID:  out.WorkerID,
				Iteration: iteration,
				Kind:      out.Kind,
				Error:     errorText(out.Err),
				Category:  string(category),
				Duration:  out.Duration,
				At:        a.now(),
			})
		}
	}
	return summary
}

func (a *aggregator) countTask(worker int) {
	if worker >= 0 && worker < len(a.stats.TasksPerWorker) {
		a.stats.TasksPerWorker[worker]++
	}
}

// resize matches the per-slot counters to a new pool size, keeping the
// counters of slots that still exist.
func (a *aggregator) resize(workers int) {
	a.stats.Workers = workers
	if workers <= len(a.stats.TasksPerWorker) {
		a.stats.TasksPerWorker = a.stats.TasksPerWorker[:workers:workers]
		return
	}
	grown := make([]int, workers)
	copy(grown, a.stats.TasksPerWorker)
	a.stats.TasksPerWorker = grown
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
