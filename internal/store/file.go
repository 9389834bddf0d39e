package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilePersister keeps the state as one JSON document on disk.
//
// Writes go to a temporary file in the same directory which is then renamed
// over the target, so the file always holds a complete record.
type FilePersister struct {
	path string
}

// NewFilePersister returns a persister writing to path. The parent directory
// is created on first save.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the location of the state file.
func (p *FilePersister) Path() string {
	return p.path
}

// Load implements Persister.Load.
func (p *FilePersister) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.read()
}

// Transact implements Transactor. The lock is an advisory lock on a
// sibling ".lock" file, since saves replace the state file itself.
func (p *FilePersister) Transact(ctx context.Context, fn func(stored *State) (State, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	unlock, err := lockFile(ctx, p.path+".lock")
	if err != nil {
		return fmt.Errorf("failed to lock state file %s: %w", p.path, err)
	}
	defer unlock()

	stored, err := p.read()
	if err != nil {
		return err
	}
	next, err := fn(stored)
	if err != nil {
		return err
	}
	return p.Save(ctx, next)
}

func (p *FilePersister) read() (*State, error) {
	// #nosec G304 - path comes from configuration
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", p.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	state, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("invalid state file %s: %w", p.path, err)
	}
	return state, nil
}

// Save implements Persister.Save.
func (p *FilePersister) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeState(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", p.path, err)
	}
	return nil
}

// Close implements Persister.Close.
func (p *FilePersister) Close() error {
	return nil
}
