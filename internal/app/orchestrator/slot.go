package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"autopilot/internal/domain/agent"
	"autopilot/internal/domain/task"
	"autopilot/internal/infra/filestore"
	"autopilot/internal/shared/async"
)

type slotParams struct {
	iteration int
	worker    int
	timeout   time.Duration
	// ledger is read-only inside a slot.
	ledger   *Ledger
	failures *roundFailures
}

// attempt returns the 1-based attempt number for the next run of id.
func (p slotParams) attempt(id string) int {
	return p.ledger.Attempts(id) + p.failures.seen(id) + 1
}

// retryAllowed counts a failure of id and reports whether the task may go
// back to pending instead of failing terminally.
func (p slotParams) retryAllowed(id string) bool {
	return p.ledger.Attempts(id)+p.failures.add(id) < p.ledger.MaxRetries()
}

// runSlot claims at most one task, runs the agent on it and records the
// result in the store. It always returns an outcome; panics are converted to
// errored outcomes.
func (o *Orchestrator) runSlot(ctx context.Context, p slotParams) (out Outcome) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.slot", trace.WithAttributes(
		attribute.Int("autopilot.iteration", p.iteration),
		attribute.Int("autopilot.worker", p.worker),
	))
	started := o.now()
	defer func() {
		out.WorkerID = p.worker
		out.Duration = o.now().Sub(started)
		span.SetAttributes(
			attribute.String("autopilot.task_id", out.TaskID),
			attribute.String("autopilot.outcome", string(out.Kind)),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	var held *task.Task
	err := async.Call(o.logger, fmt.Sprintf("worker-%d", p.worker), func() error {
		out = o.slot(ctx, p, &held)
		return nil
	})
	if err != nil {
		out = Outcome{Kind: OutcomeErrored, Err: err}
		if held != nil {
			out.TaskID = held.ID
			o.releaseTask(ctx, held.ID)
		}
	}
	return out
}

// slot is the body of one worker slot. Once a task is claimed it is stored
// in held so a panic later on can still put the task back.
func (o *Orchestrator) slot(ctx context.Context, p slotParams, held **task.Task) Outcome {
	if o.cfg.DryRun {
		next, err := o.store.FindNextTask(ctx, o.cfg.Filter)
		switch {
		case err != nil:
			return Outcome{Kind: OutcomeErrored, Err: fmt.Errorf("peek next task: %w", err)}
		case next == nil:
			return Outcome{Kind: OutcomeIdle}
		}
		o.logger.Info("Dry run: worker %d would claim %s %q (priority %s)", p.worker, next.ID, next.Title, next.Priority)
		return Outcome{Kind: OutcomePreview, TaskID: next.ID}
	}

	claimed, err := o.claim(ctx)
	if err != nil {
		out := Outcome{Kind: OutcomeErrored, Err: err}
		if claimed != nil {
			out.TaskID = claimed.ID
			o.releaseTask(ctx, claimed.ID)
		}
		return out
	}
	if claimed == nil {
		return Outcome{Kind: OutcomeIdle}
	}
	*held = claimed
	return o.execute(ctx, p, claimed)
}

// claim takes the next eligible task. Without an atomic claimer the task is
// found and then marked, and a failed mark returns the task with the error
// so the caller can put it back.
func (o *Orchestrator) claim(ctx context.Context) (*task.Task, error) {
	if o.claimer != nil {
		claimed, err := o.claimer.ClaimTask(ctx, o.cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		return claimed, nil
	}

	next, err := o.store.FindNextTask(ctx, o.cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("find next task: %w", err)
	}
	if next == nil {
		return nil, nil
	}
	if err := o.store.MarkInProgress(ctx, next.ID); err != nil {
		return next, fmt.Errorf("mark %s in progress: %w", next.ID, err)
	}
	return next, nil
}

func (o *Orchestrator) execute(ctx context.Context, p slotParams, t *task.Task) Outcome {
	attempt := p.attempt(t.ID)
	prompt, err := BuildPrompt(*t, attempt, p.ledger.MaxRetries())
	if err != nil {
		o.releaseTask(ctx, t.ID)
		return Outcome{Kind: OutcomeErrored, TaskID: t.ID, Err: err}
	}
	promptFile, outputFile := slotFiles(o.runDir(), p.iteration, p.worker)
	if err := filestore.AtomicWrite(promptFile, []byte(prompt), 0o644); err != nil {
		o.releaseTask(ctx, t.ID)
		return Outcome{Kind: OutcomeErrored, TaskID: t.ID, Err: fmt.Errorf("write prompt for %s: %w", t.ID, err)}
	}

	o.logger.Info("Worker %d running %s %q (attempt %d/%d)", p.worker, t.ID, t.Title, attempt, p.ledger.MaxRetries())
	exec, err := o.runner.Run(ctx, agent.Invocation{
		TaskID:     t.ID,
		SessionID:  o.sessionID,
		Iteration:  p.iteration,
		WorkerID:   p.worker,
		Prompt:     prompt,
		PromptFile: promptFile,
		OutputFile: outputFile,
		Timeout:    p.timeout,
	})
	if err != nil {
		o.releaseTask(ctx, t.ID)
		return Outcome{Kind: OutcomeErrored, TaskID: t.ID, Err: fmt.Errorf("run agent for %s: %w", t.ID, err)}
	}

	if exec.Succeeded() {
		comment := fmt.Sprintf("Completed by %s (iteration %d, worker %d) in %s",
			o.sessionID, p.iteration, p.worker, exec.Duration.Round(time.Second))
		if err := o.store.MarkCompleted(ctx, t.ID, comment); err != nil {
			o.releaseTask(ctx, t.ID)
			return Outcome{Kind: OutcomeErrored, TaskID: t.ID, Err: fmt.Errorf("mark %s completed: %w", t.ID, err)}
		}
		return Outcome{Kind: OutcomeSuccess, TaskID: t.ID}
	}

	failure := executionError(exec, p.timeout)
	if p.retryAllowed(t.ID) {
		if err := o.store.ResetToPending(ctx, t.ID); err != nil {
			return Outcome{Kind: OutcomeErrored, TaskID: t.ID, Err: fmt.Errorf("%v; reset %s to pending: %w", failure, t.ID, err)}
		}
		return Outcome{Kind: OutcomeRetrying, TaskID: t.ID, Err: failure}
	}

	if err := o.store.MarkFailed(ctx, t.ID, o.failurePayload(p, exec, failure)); err != nil {
		return Outcome{Kind: OutcomeErrored, TaskID: t.ID, Err: fmt.Errorf("%v; mark %s failed: %w", failure, t.ID, err)}
	}
	return Outcome{Kind: OutcomeFailed, TaskID: t.ID, Err: failure}
}

// releaseTask puts a claimed task back to pending. It is best effort: the
// slot is already reporting an error.
func (o *Orchestrator) releaseTask(ctx context.Context, id string) {
	if err := o.store.ResetToPending(context.WithoutCancel(ctx), id); err != nil {
		o.logger.Warn("Reset %s to pending after slot error: %v", id, err)
	}
}

func (o *Orchestrator) failurePayload(p slotParams, exec agent.Execution, failure error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Max retries (%d) reached.\n", p.ledger.MaxRetries())
	fmt.Fprintf(&b, "session: %s\niteration: %d\nworker: %d\nexit code: %d\n",
		o.sessionID, p.iteration, p.worker, exec.ExitCode)
	fmt.Fprintf(&b, "error: %v\n", failure)
	if tail := strings.TrimSpace(exec.OutputTail); tail != "" {
		b.WriteString("output:\n")
		b.WriteString(tail)
		b.WriteString("\n")
	}
	return b.String()
}

func executionError(exec agent.Execution, timeout time.Duration) error {
	tail := strings.TrimSpace(exec.OutputTail)
	if exec.TimedOut {
		if tail == "" {
			return fmt.Errorf("agent timed out after %s", timeout)
		}
		return fmt.Errorf("agent timed out after %s: %s", timeout, tail)
	}
	if tail == "" {
		return fmt.Errorf("agent exited with code %d", exec.ExitCode)
	}
	return fmt.Errorf("agent exited with code %d: %s", exec.ExitCode, tail)
}
