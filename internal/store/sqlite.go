package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/taskgrid/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    state         TEXT NOT NULL,
    resource_name TEXT NOT NULL DEFAULT '',
    data          BLOB NOT NULL,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
)`

const createTasksStateIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Each task tree is stored as a
// JSON document next to a few indexed columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTasksStateIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tasks table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts the task or replaces its stored record, keeping the original
// creation time.
func (s *SQLiteStore) Save(ctx context.Context, task model.Task) error {
	data, err := model.Marshal(task)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID(), err)
	}
	exec := task.Execution()
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, state, resource_name, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			state = excluded.state,
			resource_name = excluded.resource_name,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		task.ID(), string(task.Kind()), string(exec.State), exec.ResourceName, data, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// Load retrieves a task tree by ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (model.Task, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t, err := model.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]model.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT id, data FROM tasks"+cond+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		t, err := model.Unmarshal(data)
		if err != nil {
			return nil, 0, fmt.Errorf("decode task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// Delete removes a task record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns task counts grouped by state, kind and resource.
func (s *SQLiteStore) Stats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByState:    make(map[string]int),
		CountByKind:     make(map[string]int),
		CountByResource: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"state", stats.CountByState},
		{"kind", stats.CountByKind},
		{"resource_name", stats.CountByResource},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.column, g.into); err != nil {
			return nil, err
		}
	}
	delete(stats.CountByResource, "")

	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count tasks by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
