// Package file implements the task store on a single JSON document.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/domain/task"
	"autopilot/internal/infra/filestore"
	jsonx "autopilot/internal/shared/json"
	"autopilot/internal/shared/logging"
)

type document struct {
	Tasks []task.Task `json:"tasks"`
}

// Store keeps tasks in one JSON file. Claims are atomic within a process;
// changes written by other processes are picked up on the next call.
type Store struct {
	tasks  *filestore.Collection[string, task.Task]
	logger logging.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLogger overrides the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if !logging.IsNil(logger) {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New opens the store at path. A missing file is an empty backlog.
func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("file task store: path is required")
	}
	coll := filestore.NewCollection[string, task.Task](filestore.CollectionConfig{
		FilePath: path,
		Perm:     0o644,
		Name:     "file task store",
	})
	coll.SetMarshalDoc(marshalDocument)
	coll.SetUnmarshalDoc(unmarshalDocument)
	coll.SetCloneValue(task.Task.Clone)

	s := &Store{
		tasks:  coll,
		logger: logging.NewComponentLogger("FileTaskStore"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := coll.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func marshalDocument(items map[string]task.Task) ([]byte, error) {
	doc := document{Tasks: make([]task.Task, 0, len(items))}
	for _, t := range items {
		doc.Tasks = append(doc.Tasks, t)
	}
	slices.SortFunc(doc.Tasks, func(a, b task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jsonx.MarshalDocument(doc)
}

func unmarshalDocument(data []byte) (map[string]task.Task, error) {
	var doc document
	if err := jsonx.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	items := make(map[string]task.Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %q has no id", t.Title)
		}
		if _, dup := items[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		if t.Priority == "" {
			t.Priority = task.PriorityMedium
		}
		items[t.ID] = t
	}
	return items, nil
}

func (s *Store) refresh() error {
	if err := s.tasks.Refresh(); err != nil {
		return fmt.Errorf("%w: %w", task.ErrUnavailable, err)
	}
	return nil
}

// next picks the best eligible task from items.
func next(items map[string]task.Task, filter task.Filter) (task.Task, bool) {
	completed := func(id string) bool {
		dep, ok := items[id]
		return ok && dep.Status == task.StatusCompleted
	}
	var best task.Task
	found := false
	for _, t := range items {
		if !task.Eligible(t, filter, completed) {
			continue
		}
		if !found || task.Before(t, best) {
			best, found = t, true
		}
	}
	return best, found
}

// FindNextTask returns the next eligible task without claiming it.
func (s *Store) FindNextTask(_ context.Context, filter task.Filter) (*task.Task, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}
	var out *task.Task
	s.tasks.ReadLocked(func(items map[string]task.Task) {
		if best, ok := next(items, filter); ok {
			clone := best.Clone()
			out = &clone
		}
	})
	return out, nil
}

// ClaimTask selects and marks the next eligible task in progress under one
// lock, so concurrent callers never receive the same task.
func (s *Store) ClaimTask(_ context.Context, filter task.Filter) (*task.Task, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}
	var out *task.Task
	err := s.tasks.Mutate(func(items map[string]task.Task) error {
		best, ok := next(items, filter)
		if !ok {
			return filestore.ErrUnchanged
		}
		best.Status = task.StatusInProgress
		best.UpdatedAt = s.now()
		items[best.ID] = best
		clone := best.Clone()
		out = &clone
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

func (s *Store) MarkInProgress(_ context.Context, id string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusInProgress
	})
}

func (s *Store) MarkCompleted(_ context.Context, id, comment string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.Comment = comment
		t.Error = ""
	})
}

func (s *Store) MarkFailed(_ context.Context, id, errMsg string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.Error = errMsg
	})
}

func (s *Store) MarkQuarantined(_ context.Context, id, reason string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusQuarantined
		t.Error = reason
	})
}

func (s *Store) ResetToPending(_ context.Context, id string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusPending
	})
}

func (s *Store) update(id string, mutate func(*task.Task)) error {
	if err := s.refresh(); err != nil {
		return err
	}
	err := s.tasks.Mutate(func(items map[string]task.Task) error {
		t, ok := items[id]
		if !ok {
			return fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		mutate(&t)
		t.UpdatedAt = s.now()
		items[id] = t
		return nil
	})
	return s.wrap(err)
}

// Add creates a pending task with a generated id.
func (s *Store) Add(_ context.Context, draft task.Draft) (task.Task, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return task.Task{}, fmt.Errorf("task title is required")
	}
	priority, err := task.ParsePriority(string(draft.Priority))
	if err != nil {
		return task.Task{}, err
	}
	if err := s.refresh(); err != nil {
		return task.Task{}, err
	}
	now := s.now()
	created := task.Task{
		ID:          uuid.New().String(),
		Title:       draft.Title,
		Description: draft.Description,
		Status:      task.StatusPending,
		Priority:    priority,
		ParentID:    draft.ParentID,
		DependsOn:   slices.Clone(draft.DependsOn),
		Feature:     draft.Feature,
		Metadata:    draft.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.tasks.Mutate(func(items map[string]task.Task) error {
		items[created.ID] = created.Clone()
		return nil
	})
	if err != nil {
		return task.Task{}, s.wrap(err)
	}
	return created, nil
}

// List returns tasks matching filter in selection order.
func (s *Store) List(_ context.Context, filter task.Filter) ([]task.Task, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}
	var out []task.Task
	s.tasks.ReadLocked(func(items map[string]task.Task) {
		for _, t := range items {
			if filter.Matches(t) && filter.MatchesStatus(t) {
				out = append(out, t.Clone())
			}
		}
	})
	slices.SortFunc(out, func(a, b task.Task) int {
		switch {
		case task.Before(a, b):
			return -1
		case task.Before(b, a):
			return 1
		}
		return 0
	})
	return out, nil
}

// Get returns one task.
func (s *Store) Get(_ context.Context, id string) (task.Task, error) {
	if err := s.refresh(); err != nil {
		return task.Task{}, err
	}
	t, ok := s.tasks.Get(id)
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t, nil
}

// Ping checks that the document's directory is reachable.
func (s *Store) Ping(context.Context) (time.Duration, error) {
	start := s.now()
	dir := filepath.Dir(s.tasks.Path())
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", task.ErrUnavailable, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s is not a directory", task.ErrUnavailable, dir)
	}
	return s.now().Sub(start), nil
}

// wrap marks write failures as unavailability so callers may buffer them.
func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	var persistErr *filestore.PersistError
	if errors.As(err, &persistErr) {
		s.logger.Warn("Write failed: %v", err)
		return fmt.Errorf("%w: %w", task.ErrUnavailable, err)
	}
	return err
}

var (
	_ task.Store   = (*Store)(nil)
	_ task.Claimer = (*Store)(nil)
	_ task.Creator = (*Store)(nil)
	_ task.Lister  = (*Store)(nil)
)
