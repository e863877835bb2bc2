package healing

import "time"

// DefaultWindow is the number of recent failures kept for classification.
const DefaultWindow = 10

// TrackedFailure is one classified failure in the recent window.
type TrackedFailure struct {
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	ErrorText string    `json:"errorText"`
}

// Tracker counts consecutive failures and keeps the most recent ones in a
// bounded window, oldest evicted first.
//
// A Tracker is not safe for concurrent use; the orchestrator's aggregation
// step is its only writer.
type Tracker struct {
	window      int
	failures    []TrackedFailure
	consecutive int
	now         func() time.Time
}

// NewTracker returns a tracker keeping up to window failures.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		failures: make([]TrackedFailure, 0, window),
		now:      time.Now,
	}
}

// RecordFailure classifies errText, appends it and bumps the consecutive count.
func (t *Tracker) RecordFailure(errText string) TrackedFailure {
	failure := TrackedFailure{
		Timestamp: t.now(),
		Category:  Classify(errText),
		ErrorText: errText,
	}
	if len(t.failures) == t.window {
		copy(t.failures, t.failures[1:])
		t.failures[len(t.failures)-1] = failure
	} else {
		t.failures = append(t.failures, failure)
	}
	t.consecutive++
	return failure
}

// RecordSuccess ends the current failure streak.
func (t *Tracker) RecordSuccess() {
	t.Reset()
}

// Reset zeroes the consecutive count and empties the window.
func (t *Tracker) Reset() {
	t.consecutive = 0
	t.failures = t.failures[:0]
}

// ConsecutiveFailures returns failures recorded since the last success or reset.
func (t *Tracker) ConsecutiveFailures() int {
	return t.consecutive
}

// Len returns the number of failures currently in the window.
func (t *Tracker) Len() int {
	return len(t.failures)
}

// Failures returns a copy of the window, oldest first.
func (t *Tracker) Failures() []TrackedFailure {
	out := make([]TrackedFailure, len(t.failures))
	copy(out, t.failures)
	return out
}

// Counts tallies the window per category.
func (t *Tracker) Counts() map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, f := range t.failures {
		counts[f.Category]++
	}
	return counts
}
