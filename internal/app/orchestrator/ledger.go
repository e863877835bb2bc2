package orchestrator

import "sync"

// Ledger tracks failed attempts per task for one run. An entry exists only
// while a task is between its first failure and its terminal outcome.
//
// The aggregator is the only writer. Slots read a Snapshot taken before the
// round starts and count failures inside the round on a shared roundFailures.
type Ledger struct {
	maxRetries int
	attempts   map[string]int
}

// NewLedger returns an empty ledger bounding total attempts at maxRetries,
// the first attempt included.
func NewLedger(maxRetries int) *Ledger {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Ledger{maxRetries: maxRetries, attempts: make(map[string]int)}
}

// MaxRetries returns the attempt ceiling.
func (l *Ledger) MaxRetries() int {
	return l.maxRetries
}

// Attempts returns the recorded failures for id.
func (l *Ledger) Attempts(id string) int {
	return l.attempts[id]
}

// ShouldRetry reports whether another failure of id may be retried rather
// than recorded as terminal.
func (l *Ledger) ShouldRetry(id string) bool {
	return l.attempts[id] < l.maxRetries-1
}

// RecordRetry counts one more failed attempt and returns the new count. The
// count never reaches maxRetries.
func (l *Ledger) RecordRetry(id string) int {
	if l.attempts[id] < l.maxRetries-1 {
		l.attempts[id]++
	}
	return l.attempts[id]
}

// Clear drops the entry once id succeeded or failed terminally.
func (l *Ledger) Clear(id string) {
	delete(l.attempts, id)
}

// Len returns the number of tasks with outstanding retries.
func (l *Ledger) Len() int {
	return len(l.attempts)
}

// Snapshot returns an independent copy for read-only use by slots.
func (l *Ledger) Snapshot() *Ledger {
	attempts := make(map[string]int, len(l.attempts))
	for id, n := range l.attempts {
		attempts[id] = n
	}
	return &Ledger{maxRetries: l.maxRetries, attempts: attempts}
}

// roundFailures counts failures per task within one round. A task reset to
// pending mid-round can be claimed again by a sibling slot, and that slot
// must see the failures the snapshot does not hold yet.
type roundFailures struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRoundFailures() *roundFailures {
	return &roundFailures{counts: make(map[string]int)}
}

func (r *roundFailures) seen(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func (r *roundFailures) add(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[id]++
	return r.counts[id]
}
