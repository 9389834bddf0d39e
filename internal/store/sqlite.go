package store

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
)

// SQLitePersister keeps the state as a single row of a key/value table in an
// embedded SQLite database, keyed by namespace.
//
// The database runs in WAL mode so a dashboard or a second CLI process can
// read while the daemon writes.
type SQLitePersister struct {
	conn      *sql.DB
	path      string
	namespace string
}

// OpenSQLite opens (creating if needed) the database at path.
//
// The caller MUST call Close() when done.
func OpenSQLite(ctx context.Context, path, namespace string) (*SQLitePersister, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front, so Transact
	// never fails to upgrade a read lock held by another process.
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer keeps saves strictly ordered.
	conn.SetMaxOpenConns(1)

	p := &SQLitePersister{conn: conn, path: path, namespace: namespace}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return p, nil
}

// Load implements Persister.Load.
func (p *SQLitePersister) Load(ctx context.Context) (*State, error) {
	return p.load(ctx, p.conn)
}

// Transact implements Transactor inside one immediate transaction.
func (p *SQLitePersister) Transact(ctx context.Context, fn func(stored *State) (State, error)) error {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := p.load(ctx, tx)
	if err != nil {
		return err
	}
	next, err := fn(stored)
	if err != nil {
		return err
	}
	if err := p.save(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state %s: %w", p.namespace, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *SQLitePersister) load(ctx context.Context, q queryer) (*State, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, p.namespace).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", p.namespace, err)
	}
	return decodeState([]byte(value))
}

// Save implements Persister.Save.
func (p *SQLitePersister) Save(ctx context.Context, state State) error {
	return p.save(ctx, p.conn, state)
}

func (p *SQLitePersister) save(ctx context.Context, q queryer, state State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query, p.namespace, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save state %s: %w", p.namespace, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (p *SQLitePersister) Close() error {
	if p.conn == nil {
		return nil
	}

	if _, err := p.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	p.conn = nil
	return nil
}
