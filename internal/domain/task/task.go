// Package task defines the backlog task model and the store ports the
// orchestrator drives it through.
package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusQuarantined, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus accepts the canonical names plus the hyphenated "in-progress".
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch s := Status(normalized); s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusQuarantined, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

// Priority orders eligible tasks; higher priorities are claimed first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority onto a sortable integer. Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ParsePriority normalizes user input; empty input defaults to medium.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, nil
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown task priority %q", raw)
	}
}

// Task is a single backlog item.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Priority    Priority          `json:"priority"`
	ParentID    string            `json:"parentId,omitempty"`
	DependsOn   []string          `json:"dependsOn,omitempty"`
	Feature     string            `json:"feature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so callers never alias store-owned slices or maps.
func (t Task) Clone() Task {
	out := t
	out.DependsOn = slices.Clone(t.DependsOn)
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Draft describes a task to be created by a store.
type Draft struct {
	Title       string
	Description string
	Priority    Priority
	ParentID    string
	DependsOn   []string
	Feature     string
	Metadata    map[string]string
}

// Filter narrows which pending tasks are eligible for selection.
// Zero-valued fields match everything.
type Filter struct {
	Feature    string
	ParentID   string
	Priorities []Priority
	Statuses   []Status // used by listings only; selection always targets pending tasks
}

// Matches reports whether t satisfies the feature, parent and priority constraints.
func (f Filter) Matches(t Task) bool {
	if f.Feature != "" && t.Feature != f.Feature {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, t.Priority) {
		return false
	}
	return true
}

// MatchesStatus applies the listing status constraint.
func (f Filter) MatchesStatus(t Task) bool {
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, t.Status)
}

// Eligible reports whether t can be selected next: pending, matching the
// filter, and with every dependency completed. completed reports the status
// of a dependency id; unknown ids count as not completed.
func Eligible(t Task, f Filter, completed func(id string) bool) bool {
	if t.Status != StatusPending || !f.Matches(t) {
		return false
	}
	for _, dep := range t.DependsOn {
		if !completed(dep) {
			return false
		}
	}
	return true
}

// Before orders tasks for selection: priority DESC, then creation time ASC,
// then id for a stable tie-break.
func Before(a, b Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
