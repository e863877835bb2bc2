package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"autopilot/internal/app/orchestrator"
)

// palette colours output only when it goes to a terminal.
type palette struct {
	green, yellow, red, gray, bold func(a ...any) string
}

func newPalette(w io.Writer) palette {
	if !isTerminal(w) {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		return palette{green: plain, yellow: plain, red: plain, gray: plain, bold: plain}
	}
	sprint := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		c.EnableColor()
		return c.SprintFunc()
	}
	return palette{
		green:  sprint(color.FgGreen),
		yellow: sprint(color.FgYellow),
		red:    sprint(color.FgRed),
		gray:   sprint(color.FgHiBlack),
		bold:   sprint(color.Bold),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printSummary(w io.Writer, result *orchestrator.RunResult, err error, recent []orchestrator.OutcomeRecord) {
	p := newPalette(w)
	if result == nil {
		fmt.Fprintf(w, "%s %v\n", p.red("run failed:"), err)
		return
	}

	reason := string(result.Reason)
	switch result.Reason {
	case orchestrator.TerminationDrained, orchestrator.TerminationDryRun, orchestrator.TerminationIterationLimit:
		reason = p.green(reason)
	case orchestrator.TerminationAborted:
		reason = p.yellow(reason)
	default:
		reason = p.red(reason)
	}
	fmt.Fprintf(w, "%s %s: %s\n", p.bold("Run"), result.SessionID, reason)

	stats := result.Stats
	fmt.Fprintf(w, "  completed   %d\n", stats.Completed)
	fmt.Fprintf(w, "  failed      %d\n", stats.Failed)
	fmt.Fprintf(w, "  retried     %d\n", stats.Retried)
	fmt.Fprintf(w, "  rounds      %d\n", stats.Rounds)
	fmt.Fprintf(w, "  self-heals  %d\n", stats.SelfHealingAttempts)
	fmt.Fprintf(w, "  workers     %d %s\n", stats.Workers, p.gray(fmt.Sprint(stats.TasksPerWorker)))
	fmt.Fprintf(w, "  duration    %s\n", stats.Duration.Round(time.Millisecond))

	if result.Reason == orchestrator.TerminationDryRun {
		for _, rec := range recent {
			if rec.Kind == orchestrator.OutcomePreview {
				fmt.Fprintf(w, "  would run   %s %s\n", rec.TaskID, p.gray(fmt.Sprintf("(worker %d)", rec.WorkerID)))
			}
		}
	}

	var fatal *orchestrator.FatalError
	if errors.As(err, &fatal) {
		fmt.Fprintf(w, "%s %d consecutive failures, %d self-healing attempts\n",
			p.red("Circuit breaker open:"), fatal.ConsecutiveFailures, fatal.HealingAttempts)
		for _, f := range fatal.Recent {
			fmt.Fprintf(w, "  %s %s\n", p.gray(string(f.Category)), firstLine(f.ErrorText))
		}
		for _, hint := range fatal.Hints {
			fmt.Fprintf(w, "  - %s\n", hint)
		}
	} else if err != nil {
		fmt.Fprintf(w, "%s %v\n", p.red("error:"), err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
