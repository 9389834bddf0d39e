package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskify/tasksync/internal/task"
)

// DefaultNamespace is the storage key the task collection is persisted under.
const DefaultNamespace = "taskify-storage"

// recordVersion is bumped whenever the persisted layout changes.
const recordVersion = 1

// State is everything the repository persists between runs.
type State struct {
	Tasks []task.Task `json:"tasks"`

	// PendingDeletes holds ids deleted locally whose remote delete has not
	// been confirmed yet.
	PendingDeletes []string `json:"pendingDeletes,omitempty"`

	// Principal is the owner id obtained from the remote store.
	Principal string `json:"principal,omitempty"`
}

// record is the single serialized value written on every mutation.
type record struct {
	State   State `json:"state"`
	Version int   `json:"version"`
}

// Persister stores the repository state durably.
//
// Load returns (nil, nil) when nothing has been stored yet. Save must be
// all-or-nothing: a reader never observes a partially written state.
type Persister interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state State) error
	Close() error
}

// Transactor is implemented by persisters that several processes may share.
// Transact runs fn with the currently stored state while holding an
// exclusive lock across processes, and stores the state fn returns.
type Transactor interface {
	Transact(ctx context.Context, fn func(stored *State) (State, error)) error
}

func encodeState(state State) ([]byte, error) {
	data, err := json.Marshal(record{State: state, Version: recordVersion})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if rec.Version > recordVersion {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", rec.Version, recordVersion)
	}
	return &rec.State, nil
}
