// Package postgres implements the task store on a Postgres table, with an
// atomic claim built on SELECT ... FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"autopilot/internal/domain/task"
	apperrors "autopilot/internal/shared/errors"
	jsonx "autopilot/internal/shared/json"
	"autopilot/internal/shared/logging"
)

const tasksTable = "autopilot_tasks"

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Store keeps tasks in Postgres. Every method is safe for concurrent use
// across processes.
type Store struct {
	pool   pool
	logger logging.Logger
}

// New builds a Store backed by the provided connection pool.
func New(p pool, logger logging.Logger) (*Store, error) {
	if p == nil {
		return nil, errors.New("postgres task store requires pool")
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("PostgresTaskStore")
	}
	return &Store{pool: p, logger: logger}, nil
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return p, nil
}

// EnsureSchema creates the tasks table and its indexes if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    priority TEXT NOT NULL DEFAULT 'medium',
    parent_id TEXT NOT NULL DEFAULT '',
    depends_on TEXT[] NOT NULL DEFAULT '{}',
    feature TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    comment TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + tasksTable + `_status_created ON ` + tasksTable + ` (status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_` + tasksTable + `_feature ON ` + tasksTable + ` (feature);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", classify(err))
		}
	}
	return nil
}

const taskColumns = `t.id, t.title, t.description, t.status, t.priority, t.parent_id, t.depends_on,
       t.feature, t.metadata, t.comment, t.error, t.created_at, t.updated_at`

// eligibleWhere selects pending tasks matching ($1 feature, $2 parent,
// $3 priorities) whose dependencies all exist and are completed.
const eligibleWhere = `t.status = 'pending'
  AND ($1 = '' OR t.feature = $1)
  AND ($2 = '' OR t.parent_id = $2)
  AND (cardinality($3::text[]) = 0 OR t.priority = ANY($3::text[]))
  AND NOT EXISTS (
      SELECT 1 FROM unnest(t.depends_on) AS dep(id)
      LEFT JOIN ` + tasksTable + ` d ON d.id = dep.id
      WHERE d.status IS DISTINCT FROM 'completed'
  )`

const selectionOrder = `CASE t.priority WHEN 'high' THEN 3 WHEN 'low' THEN 1 ELSE 2 END DESC, t.created_at ASC, t.id ASC`

func filterArgs(f task.Filter) []any {
	priorities := make([]string, 0, len(f.Priorities))
	for _, p := range f.Priorities {
		priorities = append(priorities, string(p))
	}
	return []any{f.Feature, f.ParentID, priorities}
}

// FindNextTask returns the next eligible task without claiming it.
func (s *Store) FindNextTask(ctx context.Context, filter task.Filter) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+taskColumns+`
FROM `+tasksTable+` t
WHERE `+eligibleWhere+`
ORDER BY `+selectionOrder+`
LIMIT 1`, filterArgs(filter)...)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find next task: %w", classify(err))
	}
	return &t, nil
}

// ClaimTask marks the next eligible task in progress in one statement. Rows
// locked by a concurrent claim are skipped, so two callers never receive
// the same task.
func (s *Store) ClaimTask(ctx context.Context, filter task.Filter) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE `+tasksTable+` AS t
SET status = 'in_progress', updated_at = now()
WHERE t.id = (
    SELECT t.id FROM `+tasksTable+` t
    WHERE `+eligibleWhere+`
    ORDER BY `+selectionOrder+`
    LIMIT 1
    FOR UPDATE OF t SKIP LOCKED
)
RETURNING `+taskColumns, filterArgs(filter)...)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", classify(err))
	}
	return &t, nil
}

func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, task.StatusInProgress, "", "")
}

func (s *Store) MarkCompleted(ctx context.Context, id, comment string) error {
	return s.setStatus(ctx, id, task.StatusCompleted, "comment", comment)
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.setStatus(ctx, id, task.StatusFailed, "error", errMsg)
}

func (s *Store) MarkQuarantined(ctx context.Context, id, reason string) error {
	return s.setStatus(ctx, id, task.StatusQuarantined, "error", reason)
}

func (s *Store) ResetToPending(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, task.StatusPending, "", "")
}

// setStatus updates status and, when column is set, one text column.
func (s *Store) setStatus(ctx context.Context, id string, status task.Status, column, value string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch column {
	case "":
		tag, err = s.pool.Exec(ctx,
			`UPDATE `+tasksTable+` SET status = $2, updated_at = now() WHERE id = $1`,
			id, string(status))
	case "comment", "error":
		tag, err = s.pool.Exec(ctx,
			`UPDATE `+tasksTable+` SET status = $2, `+column+` = $3, updated_at = now() WHERE id = $1`,
			id, string(status), value)
	default:
		return fmt.Errorf("unsupported column %q", column)
	}
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", id, status, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

// Add inserts a pending task with a generated id.
func (s *Store) Add(ctx context.Context, draft task.Draft) (task.Task, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return task.Task{}, errors.New("task title is required")
	}
	priority, err := task.ParsePriority(string(draft.Priority))
	if err != nil {
		return task.Task{}, err
	}
	metadata, err := jsonx.Marshal(nonNilMap(draft.Metadata))
	if err != nil {
		return task.Task{}, fmt.Errorf("encode metadata: %w", err)
	}
	dependsOn := draft.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO `+tasksTable+` AS t (id, title, description, status, priority, parent_id, depends_on, feature, metadata)
VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8)
RETURNING `+taskColumns,
		uuid.New().String(), draft.Title, draft.Description, string(priority),
		draft.ParentID, dependsOn, draft.Feature, metadata)
	created, err := scanTask(row)
	if err != nil {
		return task.Task{}, fmt.Errorf("add task: %w", classify(err))
	}
	return created, nil
}

// List returns tasks matching filter in selection order.
func (s *Store) List(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	args := append(filterArgs(filter), statuses)
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM `+tasksTable+` t
WHERE ($1 = '' OR t.feature = $1)
  AND ($2 = '' OR t.parent_id = $2)
  AND (cardinality($3::text[]) = 0 OR t.priority = ANY($3::text[]))
  AND (cardinality($4::text[]) = 0 OR t.status = ANY($4::text[]))
ORDER BY `+selectionOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", classify(err))
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", classify(err))
	}
	return out, nil
}

// Ping measures one round trip to the database.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", task.ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t        task.Task
		status   string
		priority string
		metadata []byte
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.ParentID, &t.DependsOn,
		&t.Feature, &metadata, &t.Comment, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	if len(metadata) > 0 {
		if err := jsonx.Unmarshal(metadata, &t.Metadata); err != nil {
			return task.Task{}, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
		if len(t.Metadata) == 0 {
			t.Metadata = nil
		}
	}
	return t, nil
}

// classify marks connection-level failures as store unavailability. Errors
// reported by the server itself pass through unchanged.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || apperrors.IsTransient(err) {
		return fmt.Errorf("%w: %w", task.ErrUnavailable, err)
	}
	return err
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var (
	_ task.Store   = (*Store)(nil)
	_ task.Claimer = (*Store)(nil)
	_ task.Creator = (*Store)(nil)
	_ task.Lister  = (*Store)(nil)
)
