package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"autopilot/internal/app/healing"
)

// FatalError is returned by Run when the circuit breaker trips and
// self-healing has nothing left to try.
type FatalError struct {
	ConsecutiveFailures int
	HealingAttempts     int
	// Recent holds the classified failure window at the time of the trip.
	Recent []healing.TrackedFailure
	Hints  []string
}

func (e *FatalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "circuit breaker open: %d consecutive failures after %d self-healing attempts",
		e.ConsecutiveFailures, e.HealingAttempts)
	if len(e.Hints) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Hints, "; "))
		b.WriteString(")")
	}
	return b.String()
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

func (o *Orchestrator) fatalError() *FatalError {
	return &FatalError{
		ConsecutiveFailures: o.agg.tracker.ConsecutiveFailures(),
		HealingAttempts:     o.healer.Attempts(),
		Recent:              o.agg.tracker.Failures(),
		Hints: []string{
			fmt.Sprintf("resume with: %s", o.cfg.ResumeCommand),
			fmt.Sprintf("raise --circuit-breaker-threshold (currently %d) or lower --parallel if failures are load related",
				o.cfg.CircuitBreakerThreshold),
			fmt.Sprintf("review agent output logs under %s", o.runDir()),
		},
	}
}
