// Package remote defines the contract of the remote document store that
// holds every user's tasks, plus the implementations used by taskify:
//
//   - MemoryStore: process-local map, for tests and `taskify serve --backend memory`
//   - SQLStore:    embedded SQLite table (ncruces/go-sqlite3)
//   - RedisStore:  hash per task, set per owner, pub/sub change notifications
//   - HTTPClient:  talks to a store exposed by internal/server
//
// A Store is wrapped into a Client with NewLocal, which adds anonymous
// authentication and snapshot subscriptions.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskify/tasksync/internal/task"
)

var (
	// ErrNotFound is returned when the referenced task does not exist remotely.
	ErrNotFound = errors.New("remote task not found")

	// ErrUnauthenticated is returned when no valid principal is available.
	ErrUnauthenticated = errors.New("remote principal not authenticated")

	// ErrRejected is returned when the store refuses a write (invalid task,
	// missing owner, or an owner mismatch).
	ErrRejected = errors.New("remote write rejected")

	// ErrUnavailable is returned for transport failures and server errors.
	ErrUnavailable = errors.New("remote store unavailable")
)

// Store is the document-store surface the reconciler and gateway use.
// Each call is independent; there is no multi-document transaction.
type Store interface {
	// Get returns the task with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (task.Task, error)

	// Upsert writes the full task, creating it if absent. The task must
	// carry an OwnerID.
	Upsert(ctx context.Context, t task.Task) error

	// Patch merges p into an existing task. It returns ErrNotFound if the
	// task does not exist.
	Patch(ctx context.Context, id string, p task.Patch) error

	// Delete removes the task. Deleting a missing task is not an error.
	Delete(ctx context.Context, id string) error

	// FetchAllForOwner returns every task owned by owner.
	FetchAllForOwner(ctx context.Context, owner string) ([]task.Task, error)
}

// SnapshotFunc receives the full task set of an owner.
type SnapshotFunc func([]task.Task)

// Client is a Store with identity and live updates.
type Client interface {
	Store

	// Subscribe delivers the owner's current snapshot as soon as possible,
	// then a fresh snapshot after every change to that owner's tasks. The
	// returned function stops delivery.
	Subscribe(ctx context.Context, owner string, fn SnapshotFunc) (func(), error)

	// Authenticate returns the principal to sync under, signing in
	// anonymously if needed.
	Authenticate(ctx context.Context) (string, error)
}

// ChangeFeed is implemented by stores that can report writes made by other
// processes sharing the same backend.
type ChangeFeed interface {
	Watch(ctx context.Context, owner string, onChange func()) (func(), error)
}

// checkUpsert validates a task before it is written remotely.
func checkUpsert(t task.Task) error {
	if t.OwnerID == "" {
		return fmt.Errorf("%w: task %s has no owner", ErrRejected, t.ID)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// stored returns the copy of t that a remote store keeps: the
// device-local notification handle never leaves the device.
func stored(t task.Task) task.Task {
	out := t.Clone()
	out.NotificationID = ""
	return out
}

// applyPatch merges p into cur the way every store does. Owner changes are
// not allowed through Patch.
func applyPatch(cur task.Task, p task.Patch) (task.Task, error) {
	if p.OwnerID != nil && *p.OwnerID != cur.OwnerID {
		return task.Task{}, fmt.Errorf("%w: owner of %s cannot be changed", ErrRejected, cur.ID)
	}
	p.NotificationID = nil
	next := p.Apply(cur)
	if err := next.Validate(); err != nil {
		return task.Task{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return next, nil
}
