// Package runhistory archives finished runs to SQLite so they outlive the
// in-memory aggregator's TTL.
package runhistory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/runcore/internal/tracing"
	"github.com/harun/runcore/pkg/phase"
	"github.com/harun/runcore/pkg/runstate"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotFound is returned by Get for an unknown run.
var ErrNotFound = errors.New("run not found in history")

const archiveTimeout = 5 * time.Second

// Config holds store configuration
type Config struct {
	Path   string
	Logger *zerolog.Logger
}

// Store is a SQLite-backed archive of run snapshots.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Summary is the listing form of an archived run.
type Summary struct {
	RunID          string          `json:"run_id"`
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id,omitempty"`
	Phase          phase.Phase     `json:"phase"`
	Status         runstate.Status `json:"status"`
	TotalTasks     int             `json:"total_tasks"`
	CompletedTasks int             `json:"completed_tasks"`
	FailedTasks    int             `json:"failed_tasks"`
	ErrorCount     int             `json:"error_count"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SessionID string
	Status    runstate.Status
	Limit     int
}

// Open creates or opens the archive at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "runhistory").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Run history opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			current_task_id TEXT NOT NULL DEFAULT '',
			total_tasks INTEGER NOT NULL,
			completed_tasks INTEGER NOT NULL,
			failed_tasks INTEGER NOT NULL,
			total_tool_calls INTEGER NOT NULL,
			current_iteration INTEGER NOT NULL,
			max_iterations INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			last_activity_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

		CREATE TABLE IF NOT EXISTS tasks (
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			verification TEXT NOT NULL DEFAULT '',
			artifacts TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS run_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			message TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_run_errors_run ON run_errors(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes a snapshot, replacing any earlier archive of the same run.
func (s *Store) Save(ctx context.Context, run runstate.RunState) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "runhistory.save",
		attribute.String("run_id", run.RunID),
		attribute.String("status", string(run.Status)),
	)
	defer func() { tracing.EndWithError(span, err) }()

	if run.RunID == "" {
		return errors.New("run id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM tasks WHERE run_id = ?",
		"DELETE FROM run_errors WHERE run_id = ?",
		"DELETE FROM runs WHERE run_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, run.RunID); err != nil {
			return fmt.Errorf("failed to clear previous archive: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, session_id, user_id, phase, status, current_task_id,
			total_tasks, completed_tasks, failed_tasks, total_tool_calls,
			current_iteration, max_iterations,
			started_at, completed_at, last_activity_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.UserID, string(run.Phase), string(run.Status), run.CurrentTaskID,
		run.Metrics.TotalTasks, run.Metrics.CompletedTasks, run.Metrics.FailedTasks, run.Metrics.TotalToolCalls,
		run.Metrics.CurrentIteration, run.Metrics.MaxIterations,
		run.StartedAt.UnixNano(), nullableTime(run.CompletedAt), run.LastActivityAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, task := range run.Tasks {
		artifacts, err := json.Marshal(task.Artifacts)
		if err != nil {
			return fmt.Errorf("failed to encode artifacts for task %s: %w", task.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, position, id, title, status, verification, artifacts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, i, task.ID, task.Title, string(task.Status), task.Verification, string(artifacts), task.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	for _, runErr := range run.Errors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_errors (run_id, message, phase, task_id, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			run.RunID, runErr.Message, string(runErr.Phase), runErr.TaskID, runErr.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert run error: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	s.logger.Debug().
		Str("run_id", run.RunID).
		Str("status", string(run.Status)).
		Int("tasks", len(run.Tasks)).
		Msg("Run archived")
	return nil
}

// Archive saves a snapshot and logs failures. It matches runstate.WithArchiver.
func (s *Store) Archive(run runstate.RunState) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if err := s.Save(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to archive run")
	}
}

// Get loads an archived run with its tasks and errors.
func (s *Store) Get(ctx context.Context, runID string) (run runstate.RunState, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "runhistory.get",
		attribute.String("run_id", runID),
	)
	defer func() {
		if errors.Is(err, ErrNotFound) {
			span.End()
			return
		}
		tracing.EndWithError(span, err)
	}()

	var (
		p, status             string
		started, lastActivity int64
		completed             sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, user_id, phase, status, current_task_id,
			total_tasks, completed_tasks, failed_tasks, total_tool_calls,
			current_iteration, max_iterations,
			started_at, completed_at, last_activity_at
		FROM runs WHERE run_id = ?`, runID,
	).Scan(
		&run.RunID, &run.SessionID, &run.UserID, &p, &status, &run.CurrentTaskID,
		&run.Metrics.TotalTasks, &run.Metrics.CompletedTasks, &run.Metrics.FailedTasks, &run.Metrics.TotalToolCalls,
		&run.Metrics.CurrentIteration, &run.Metrics.MaxIterations,
		&started, &completed, &lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return runstate.RunState{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return runstate.RunState{}, fmt.Errorf("failed to load run: %w", err)
	}

	run.Phase = phase.Phase(p)
	run.Status = runstate.Status(status)
	run.StartedAt = time.Unix(0, started)
	run.LastActivityAt = time.Unix(0, lastActivity)
	run.CompletedAt = fromNullable(completed)

	if run.Tasks, err = s.loadTasks(ctx, runID); err != nil {
		return runstate.RunState{}, err
	}
	if run.Errors, err = s.loadErrors(ctx, runID); err != nil {
		return runstate.RunState{}, err
	}
	return run, nil
}

func (s *Store) loadTasks(ctx context.Context, runID string) ([]runstate.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, verification, artifacts, updated_at
		FROM tasks WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	tasks := []runstate.Task{}
	for rows.Next() {
		var (
			task      runstate.Task
			status    string
			artifacts string
			updated   int64
		)
		if err := rows.Scan(&task.ID, &task.Title, &status, &task.Verification, &artifacts, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &task.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts for task %s: %w", task.ID, err)
		}
		task.Status = runstate.TaskStatus(status)
		task.UpdatedAt = time.Unix(0, updated)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) loadErrors(ctx context.Context, runID string) ([]runstate.RunError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message, phase, task_id, timestamp
		FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run errors: %w", err)
	}
	defer rows.Close()

	var runErrors []runstate.RunError
	for rows.Next() {
		var (
			e  runstate.RunError
			p  string
			ts int64
		)
		if err := rows.Scan(&e.Message, &p, &e.TaskID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan run error: %w", err)
		}
		e.Phase = phase.Phase(p)
		e.Timestamp = time.Unix(0, ts)
		runErrors = append(runErrors, e)
	}
	return runErrors, rows.Err()
}

// List returns archived runs, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Summary, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "r.session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(filter.Status))
	}

	query := `
		SELECT r.run_id, r.session_id, r.user_id, r.phase, r.status,
			r.total_tasks, r.completed_tasks, r.failed_tasks,
			(SELECT COUNT(*) FROM run_errors e WHERE e.run_id = r.run_id),
			r.started_at, r.completed_at
		FROM runs r`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.started_at DESC, r.run_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			sum       Summary
			p, status string
			started   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&sum.RunID, &sum.SessionID, &sum.UserID, &p, &status,
			&sum.TotalTasks, &sum.CompletedTasks, &sum.FailedTasks, &sum.ErrorCount,
			&started, &completed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		sum.Phase = phase.Phase(p)
		sum.Status = runstate.Status(status)
		sum.StartedAt = time.Unix(0, started)
		sum.CompletedAt = fromNullable(completed)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Prune deletes runs whose last activity is before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE last_activity_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned run history")
	}
	return int(n), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
