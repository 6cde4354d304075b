package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashdyer/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    function_name TEXT NOT NULL,
    quality_tier  TEXT NOT NULL,
    parameters    TEXT,
    priority      INTEGER NOT NULL,
    status        TEXT NOT NULL,
    attempt_count INTEGER NOT NULL,
    backend_used  TEXT,
    result        TEXT,
    error         TEXT,
    error_kind    TEXT,
    timeout_s     INTEGER,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    completed_at  DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	params, result, err := encodeJSON(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, function_name, quality_tier, parameters, priority, status,
			attempt_count, backend_used, result, error, error_kind, timeout_s,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FunctionName, t.QualityTier, params, t.Priority, t.Status,
		t.AttemptCount, t.BackendUsed, result, t.Error, t.ErrorKind, t.TimeoutS,
		t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, function_name, quality_tier, parameters, priority, status,
			attempt_count, backend_used, result, error, error_kind, timeout_s,
			created_at, started_at, completed_at
		FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, function_name, quality_tier, parameters, priority, status,
			attempt_count, backend_used, result, error, error_kind, timeout_s,
			created_at, started_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// UpdateTaskStatus transitions a task's status inside a transaction, checking
// the current status against the state machine first. Terminal statuses also
// set completed_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if model.IsTerminal(status) {
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	return tx.Commit()
}

// UpdateTask persists the full task record.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	params, result, err := encodeJSON(t)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			function_name = ?, quality_tier = ?, parameters = ?, priority = ?,
			status = ?, attempt_count = ?, backend_used = ?, result = ?,
			error = ?, error_kind = ?, timeout_s = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		t.FunctionName, t.QualityTier, params, t.Priority,
		t.Status, t.AttemptCount, t.BackendUsed, result,
		t.Error, t.ErrorKind, t.TimeoutS, t.StartedAt, t.CompletedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverOrphans resolves tasks left non-terminal by a restart. Running tasks
// are failed with the interrupted kind since their remote state is unknown;
// queued tasks carry no remote state and are returned for re-admission.
func (s *SQLiteStore) RecoverOrphans(ctx context.Context) (int, []*model.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, error_kind = ?, completed_at = ?
		WHERE status = ?`,
		model.StatusFailed, "interrupted by process restart", string(model.KindInterrupted),
		time.Now().UTC(), model.StatusRunning,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	interrupted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("check rows affected: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, function_name, quality_tier, parameters, priority, status,
			attempt_count, backend_used, result, error, error_kind, timeout_s,
			created_at, started_at, completed_at
		FROM tasks WHERE status = ? ORDER BY created_at ASC`, model.StatusQueued,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()

	var requeue []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return 0, nil, fmt.Errorf("scan queued task: %w", err)
		}
		requeue = append(requeue, t)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate queued tasks: %w", err)
	}

	return int(interrupted), requeue, nil
}

// GetTaskStats returns aggregate counters over all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByTier:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, quality_tier, COUNT(*) FROM tasks GROUP BY status, quality_tier")
	if err != nil {
		return nil, fmt.Errorf("aggregate tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, tier string
		var count int
		if err := rows.Scan(&status, &tier, &count); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		stats.Total += count
		stats.CountByStatus[status] += count
		stats.CountByTier[tier] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		FROM tasks WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	var params, result sql.NullString
	if err := row.Scan(
		&t.ID, &t.FunctionName, &t.QualityTier, &params, &t.Priority, &t.Status,
		&t.AttemptCount, &t.BackendUsed, &result, &t.Error, &t.ErrorKind, &t.TimeoutS,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &t.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return t, nil
}

// encodeJSON serializes the loosely typed parameter and result fields for
// storage. Empty values are stored as NULL-equivalent empty strings.
func encodeJSON(t *model.Task) (params string, result string, err error) {
	if t.Parameters != nil {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return "", "", fmt.Errorf("encode parameters: %w", err)
		}
		params = string(raw)
	}
	if t.Result != nil {
		raw, err := json.Marshal(t.Result)
		if err != nil {
			return "", "", fmt.Errorf("encode result: %w", err)
		}
		result = string(raw)
	}
	return params, result, nil
}
