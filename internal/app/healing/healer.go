package healing

import (
	"fmt"
	"math"
	"time"
)

const (
	// MaxAttempts caps self-healing adjustments per run.
	MaxAttempts = 3
	// DominanceRatio is the share of the window a category needs to dominate.
	DominanceRatio = 0.6

	maxRateLimitDelay = 30 * time.Second
	unknownDelayStep  = 2 * time.Second
	maxUnknownDelay   = 10 * time.Second
	timeoutFactor     = 1.5
	maxTimeout        = 1800 * time.Second
)

// Settings are the pool parameters self-healing may change.
type Settings struct {
	Workers   int           `json:"workers"`
	TaskDelay time.Duration `json:"taskDelay"`
	Timeout   time.Duration `json:"timeout"`
}

// Adjustment is one self-healing decision.
type Adjustment struct {
	// Category is the dominant failure category, or CategoryUnknown when
	// none dominated.
	Category Category `json:"category"`
	Before   Settings `json:"before"`
	After    Settings `json:"after"`
	// Attempt is the 1-based healing attempt this adjustment represents.
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// Healer decides pool adjustments once the breaker trips. It is owned by a
// single orchestrator run and is not safe for concurrent use.
type Healer struct {
	threshold   int
	maxAttempts int
	attempts    int
}

// NewHealer returns a healer that evaluates only once the failure window holds
// at least threshold entries.
func NewHealer(threshold int) *Healer {
	if threshold <= 0 {
		threshold = 1
	}
	return &Healer{threshold: threshold, maxAttempts: MaxAttempts}
}

// Attempts returns how many adjustments have been applied.
func (h *Healer) Attempts() int {
	return h.attempts
}

// Exhausted reports whether no further adjustment will be proposed.
func (h *Healer) Exhausted() bool {
	return h.attempts >= h.maxAttempts
}

// Propose computes an adjustment for the tracker's window without applying it.
// It returns false when the healer is exhausted or the window is too short.
func (h *Healer) Propose(t *Tracker, current Settings) (Adjustment, bool) {
	if h.Exhausted() || t.Len() < h.threshold {
		return Adjustment{}, false
	}

	counts := t.Counts()
	required := int(math.Ceil(DominanceRatio * float64(t.Len())))
	dominant := func(c Category) bool { return counts[c] >= required }

	next := current
	adj := Adjustment{Before: current, Attempt: h.attempts + 1}
	switch {
	case dominant(CategoryRateLimit):
		adj.Category = CategoryRateLimit
		next.Workers = halve(current.Workers)
		next.TaskDelay = min(current.TaskDelay*2, maxRateLimitDelay)
		adj.Reason = fmt.Sprintf("rate limiting in %d/%d recent failures", counts[CategoryRateLimit], t.Len())
	case dominant(CategoryTimeout):
		adj.Category = CategoryTimeout
		next.Timeout = min(time.Duration(float64(current.Timeout)*timeoutFactor), maxTimeout)
		adj.Reason = fmt.Sprintf("timeouts in %d/%d recent failures", counts[CategoryTimeout], t.Len())
	case dominant(CategoryMemory):
		adj.Category = CategoryMemory
		next.Workers = halve(current.Workers)
		adj.Reason = fmt.Sprintf("memory exhaustion in %d/%d recent failures", counts[CategoryMemory], t.Len())
	default:
		adj.Category = CategoryUnknown
		next.Workers = max(current.Workers-1, 1)
		next.TaskDelay = min(current.TaskDelay+unknownDelayStep, maxUnknownDelay)
		adj.Reason = fmt.Sprintf("no dominant failure pattern across %d recent failures", t.Len())
	}
	adj.After = next
	return adj, true
}

// Heal proposes an adjustment and commits it: the attempt counter advances and
// the tracker is reset. The caller applies adj.After to its pool.
func (h *Healer) Heal(t *Tracker, current Settings) (Adjustment, bool) {
	adj, ok := h.Propose(t, current)
	if !ok {
		return Adjustment{}, false
	}
	h.attempts++
	t.Reset()
	return adj, true
}

func halve(workers int) int {
	return max(workers/2, 1)
}
