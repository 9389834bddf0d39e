package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/taskify/tasksync/internal/task"
)

// SQLStore is a Store backed by an embedded SQLite database in WAL mode.
// It is the default persistent backend of `taskify serve`.
type SQLStore struct {
	conn *sql.DB
	path string
}

// OpenSQL opens (creating if needed) the database at path and initializes
// the schema.
//
// The caller MUST call Close() when done.
func OpenSQL(ctx context.Context, path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{conn: conn, path: path}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (s *SQLStore) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

const selectTask = `
	SELECT id, owner_id, title, description, priority, status,
	       due_date, created_at, updated_at, completed_at
	FROM tasks`

// Get implements Store.Get.
func (s *SQLStore) Get(ctx context.Context, id string) (task.Task, error) {
	return s.get(ctx, s.conn, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryer, id string) (task.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// Upsert implements Store.Upsert.
func (s *SQLStore) Upsert(ctx context.Context, t task.Task) error {
	if err := checkUpsert(t); err != nil {
		return err
	}
	return s.write(ctx, s.conn, stored(t))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) write(ctx context.Context, e execer, t task.Task) error {
	query := `
	INSERT INTO tasks (
		id, owner_id, title, description, priority, status,
		due_date, created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		title = excluded.title,
		description = excluded.description,
		priority = excluded.priority,
		status = excluded.status,
		due_date = excluded.due_date,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at
	`
	_, err := e.ExecContext(ctx, query,
		t.ID,
		t.OwnerID,
		t.Title,
		t.Description,
		string(t.Priority),
		string(t.Status),
		timeToNullString(t.DueDate),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		timeToNullString(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

// Patch implements Store.Patch. The read and the write run in one
// transaction so concurrent patches to the same task do not interleave.
func (s *SQLStore) Patch(ctx context.Context, id string, p task.Patch) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.get(ctx, tx, id)
	if err != nil {
		return err
	}
	next, err := applyPatch(cur, p)
	if err != nil {
		return err
	}
	if err := s.write(ctx, tx, next); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// FetchAllForOwner implements Store.FetchAllForOwner.
func (s *SQLStore) FetchAllForOwner(ctx context.Context, owner string) ([]task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, selectTask+` WHERE owner_id = ? ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for %s: %w", owner, err)
	}
	defer rows.Close()

	out := make([]task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (task.Task, error) {
	var (
		t                    task.Task
		priority, status     string
		description          sql.NullString
		due, completed       sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &description, &priority, &status,
		&due, &createdAt, &updatedAt, &completed)
	if err != nil {
		return task.Task{}, err
	}

	t.Description = description.String
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return task.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return task.Task{}, err
	}
	if t.DueDate, err = nullStringToTime(due); err != nil {
		return task.Task{}, err
	}
	if t.CompletedAt, err = nullStringToTime(completed); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// Timestamps keep sub-second precision; last-write-wins compares them.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
