// Package store provides the local task repository: the in-memory,
// authoritative task collection of the running process, persisted to
// durable storage on every mutation.
//
// All mutations are funneled through a single mutex that also covers the
// persistence write, so two mutations never interleave their writes and a
// partially applied record is never stored. When the persister is shared
// with other processes (a Transactor), every write first merges what they
// stored since this process last looked, under a lock that spans the
// read and the write. A failed write never loses
// in-memory state: the error is logged, reported by PersistErr, and the
// full state is written again on the next mutation or Flush.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/taskify/tasksync/internal/task"
)

var (
	// ErrNotFound is returned when an id is not in the repository.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicate is returned by Add when the id is already taken.
	ErrDuplicate = errors.New("task id already exists")

	// ErrPosition is returned by Reorder for a position outside the column.
	ErrPosition = errors.New("position out of range")
)

// ChangeOp describes what happened to the collection.
type ChangeOp string

const (
	ChangeAdded    ChangeOp = "added"
	ChangeUpdated  ChangeOp = "updated"
	ChangeRemoved  ChangeOp = "removed"
	ChangeCleared  ChangeOp = "cleared"
	ChangeReloaded ChangeOp = "reloaded"
	ChangeMoved    ChangeOp = "moved"
)

// Change is delivered to observers after a mutation has been applied.
type Change struct {
	Op       ChangeOp
	Task     task.Task
	Previous *task.Task
}

// Repository is the local task collection.
type Repository struct {
	persister Persister
	logger    *log.Logger
	now       func() time.Time

	mu         sync.Mutex
	tasks      []task.Task
	index      map[string]int
	pending    []string
	principal  string
	persistErr error

	// base is the stored state as of the last load or write.
	base     *State
	absorbed bool

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// New creates an empty repository backed by persister. Call Load to recover
// the last committed state.
//
// If logger is nil, a default logger writing to stderr is used.
func New(persister Persister, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Repository{
		persister: persister,
		logger:    logger,
		now:       time.Now,
		index:     make(map[string]int),
		observers: make(map[int]func(Change)),
	}
}

// SetClock overrides the time source used for defaults. Tests only.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Load replaces the in-memory state with the persisted one.
// Invalid or duplicate records are logged and skipped.
func (r *Repository) Load(ctx context.Context) error {
	state, err := r.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	r.mu.Lock()
	r.setStateLocked(state)
	r.base = state
	count := len(r.tasks)
	r.mu.Unlock()

	r.logger.Printf("Loaded %d tasks", count)
	return nil
}

// Reload merges the persisted state into memory, typically after another
// process wrote it. Local changes not yet stored survive. It returns true if
// the in-memory state changed.
func (r *Repository) Reload(ctx context.Context) (bool, error) {
	state, err := r.persister.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reload tasks: %w", err)
	}

	r.mu.Lock()
	mine := r.stateLocked()
	merged := mergeState(r.base, mine, state)
	if state != nil {
		r.base = state
	}
	if sameState(mine, &merged) {
		r.mu.Unlock()
		return false, nil
	}
	r.setStateLocked(&merged)
	count := len(r.tasks)
	r.mu.Unlock()

	r.logger.Printf("Reloaded %d tasks from storage", count)
	r.notify(Change{Op: ChangeReloaded})
	return true, nil
}

// List returns a copy of all tasks in insertion order.
func (r *Repository) List() []task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]task.Task, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Len returns the number of tasks.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Get returns the task with the given id.
func (r *Repository) Get(id string) (task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[id]
	if !ok {
		return task.Task{}, false
	}
	return r.tasks[i].Clone(), true
}

// Add stores a new task. Missing id, createdAt, status and priority are
// filled in; the stored task is returned.
func (r *Repository) Add(ctx context.Context, t task.Task) (task.Task, error) {
	r.mu.Lock()

	t = t.Clone()
	t.SetDefaults(r.now())
	if err := t.Validate(); err != nil {
		r.mu.Unlock()
		return task.Task{}, err
	}
	if _, exists := r.index[t.ID]; exists {
		r.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}

	r.index[t.ID] = len(r.tasks)
	r.tasks = append(r.tasks, t)
	r.persistLocked(ctx)
	r.unlock()

	r.notify(Change{Op: ChangeAdded, Task: t.Clone()})
	return t.Clone(), nil
}

// Update merges p into the task with the given id and returns the result.
// An unknown id yields ErrNotFound and changes nothing.
func (r *Repository) Update(ctx context.Context, id string, p task.Patch) (task.Task, error) {
	updated, _, err := r.mutate(ctx, id, func(cur task.Task) (task.Task, bool) {
		return p.Apply(cur), true
	})
	return updated, err
}

// CompareAndUpdate applies p only if the stored task's UpdatedAt still equals
// expected. It reports whether the patch was applied.
func (r *Repository) CompareAndUpdate(ctx context.Context, id string, expected time.Time, p task.Patch) (bool, error) {
	_, applied, err := r.mutate(ctx, id, func(cur task.Task) (task.Task, bool) {
		if !cur.UpdatedAt.Equal(expected) {
			return cur, false
		}
		return p.Apply(cur), true
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return applied, err
}

// ReplaceIfNewer inserts t if its id is unknown, or overwrites the stored
// task if t is strictly newer. Older or same-age copies are ignored, so
// UpdatedAt never moves backward. The stored NotificationID is kept when t
// carries none.
func (r *Repository) ReplaceIfNewer(ctx context.Context, t task.Task) (bool, error) {
	r.mu.Lock()

	t = t.Clone()
	i, exists := r.index[t.ID]
	if !exists {
		t.SetDefaults(r.now())
		if err := t.Validate(); err != nil {
			r.mu.Unlock()
			return false, err
		}
		r.index[t.ID] = len(r.tasks)
		r.tasks = append(r.tasks, t)
		r.persistLocked(ctx)
		r.unlock()

		r.notify(Change{Op: ChangeAdded, Task: t.Clone()})
		return true, nil
	}

	prev := r.tasks[i]
	if !t.NewerThan(prev) {
		r.mu.Unlock()
		return false, nil
	}
	if t.NotificationID == "" {
		t.NotificationID = prev.NotificationID
	}
	t.SetDefaults(r.now())
	if err := t.Validate(); err != nil {
		r.mu.Unlock()
		return false, err
	}

	r.tasks[i] = t
	r.persistLocked(ctx)
	r.unlock()

	r.notify(Change{Op: ChangeUpdated, Task: t.Clone(), Previous: &prev})
	return true, nil
}

// Remove deletes the task with the given id. It reports whether a task was
// removed; an unknown id is a no-op.
func (r *Repository) Remove(ctx context.Context, id string) (task.Task, bool) {
	r.mu.Lock()

	i, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return task.Task{}, false
	}

	removed := r.tasks[i]
	r.tasks = slices.Delete(r.tasks, i, i+1)
	r.reindexLocked()
	r.persistLocked(ctx)
	r.unlock()

	r.notify(Change{Op: ChangeRemoved, Task: removed.Clone()})
	return removed, true
}

// Move places the task with the given id at position index of column s,
// counted without the task itself. A negative or too large index puts it
// last in the column. If the task is in another column its status changes
// too, stamped with a fresh UpdatedAt; a move within a column only changes
// the board order, which stays on this device.
func (r *Repository) Move(ctx context.Context, id string, s task.Status, index int) (task.Task, error) {
	if !s.Valid() {
		return task.Task{}, fmt.Errorf("%w: unknown status %q", task.ErrInvalid, s)
	}

	r.mu.Lock()
	i, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := r.tasks[i]
	moved := prev.Clone()
	if prev.Status != s {
		stamp := task.Next(prev.UpdatedAt, r.now())
		moved = task.ApplyStatus(moved, s, stamp)
		moved.UpdatedAt = stamp
	}

	rest := slices.Delete(slices.Clone(r.tasks), i, i+1)
	r.tasks = slices.Insert(rest, columnSlot(rest, s, index), moved)
	r.reindexLocked()
	r.persistLocked(ctx)
	r.unlock()

	if prev.Status != s {
		r.notify(Change{Op: ChangeUpdated, Task: moved.Clone(), Previous: &prev})
	} else {
		r.notify(Change{Op: ChangeMoved, Task: moved.Clone()})
	}
	return moved.Clone(), nil
}

// Reorder moves the task at position from of column s to position to,
// shifting the tasks in between. Other columns keep their places. A to
// beyond the column end means last.
func (r *Repository) Reorder(ctx context.Context, s task.Status, from, to int) error {
	r.mu.Lock()

	var slots []int
	for i, t := range r.tasks {
		if t.Status == s {
			slots = append(slots, i)
		}
	}
	if from < 0 || from >= len(slots) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s has %d tasks, no position %d", ErrPosition, s, len(slots), from)
	}
	if to < 0 || to >= len(slots) {
		to = len(slots) - 1
	}
	if from == to {
		r.mu.Unlock()
		return nil
	}

	column := make([]task.Task, len(slots))
	for k, i := range slots {
		column[k] = r.tasks[i]
	}
	moved := column[from]
	column = slices.Insert(slices.Delete(column, from, from+1), to, moved)
	for k, i := range slots {
		r.tasks[i] = column[k]
	}
	r.reindexLocked()
	r.persistLocked(ctx)
	r.unlock()

	r.notify(Change{Op: ChangeMoved, Task: moved.Clone()})
	return nil
}

// columnSlot returns the index in tasks at which an entry becomes the
// index-th task of column s.
func columnSlot(tasks []task.Task, s task.Status, index int) int {
	seen := 0
	last := -1
	for i, t := range tasks {
		if t.Status != s {
			continue
		}
		if seen == index {
			return i
		}
		seen++
		last = i
	}
	if last < 0 {
		return len(tasks)
	}
	return last + 1
}

// Clear empties the collection. The principal and pending deletes survive.
func (r *Repository) Clear(ctx context.Context) {
	r.mu.Lock()
	r.tasks = nil
	r.index = make(map[string]int)
	r.persistLocked(ctx)
	r.unlock()

	r.notify(Change{Op: ChangeCleared})
}

// Principal returns the remote owner id this repository syncs under.
func (r *Repository) Principal() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.principal
}

// SetPrincipal records the remote owner id.
func (r *Repository) SetPrincipal(ctx context.Context, principal string) {
	r.mu.Lock()
	defer r.unlock()

	if r.principal == principal {
		return
	}
	r.principal = principal
	r.persistLocked(ctx)
}

// PendingDeletes returns ids whose remote delete is still outstanding.
func (r *Repository) PendingDeletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending)
}

// AddPendingDelete records id for a remote delete on the next sync.
func (r *Repository) AddPendingDelete(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.unlock()

	if slices.Contains(r.pending, id) {
		return
	}
	r.pending = append(r.pending, id)
	r.persistLocked(ctx)
}

// ClearPendingDelete forgets id once its remote delete succeeded.
func (r *Repository) ClearPendingDelete(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.unlock()

	i := slices.Index(r.pending, id)
	if i < 0 {
		return
	}
	r.pending = slices.Delete(r.pending, i, i+1)
	r.persistLocked(ctx)
}

// PersistErr returns the error of the last failed write, or nil once a
// write has succeeded again.
func (r *Repository) PersistErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistErr
}

// Flush writes the current state, returning any persistence error.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock()

	r.persistLocked(ctx)
	return r.persistErr
}

// Close closes the underlying persister. State is flushed first only if
// the last write failed; otherwise everything is already stored.
func (r *Repository) Close() error {
	var flushErr error
	if r.PersistErr() != nil {
		flushErr = r.Flush(context.Background())
	}
	if err := r.persister.Close(); err != nil {
		return err
	}
	return flushErr
}

// Subscribe registers fn to be called after every change. Observers run
// synchronously on the mutating goroutine, after the repository lock has
// been released. The returned function removes the observer.
func (r *Repository) Subscribe(fn func(Change)) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn

	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Repository) notify(c Change) {
	r.obsMu.Lock()
	fns := make([]func(Change), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// mutate applies fn to the task with the given id under the lock. fn returns
// the new value and whether to store it.
func (r *Repository) mutate(ctx context.Context, id string, fn func(task.Task) (task.Task, bool)) (task.Task, bool, error) {
	r.mu.Lock()

	i, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return task.Task{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := r.tasks[i]
	next, apply := fn(prev.Clone())
	if !apply {
		r.mu.Unlock()
		return prev.Clone(), false, nil
	}
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return task.Task{}, false, err
	}

	r.tasks[i] = next
	r.persistLocked(ctx)
	r.unlock()

	r.notify(Change{Op: ChangeUpdated, Task: next.Clone(), Previous: &prev})
	return next.Clone(), true, nil
}

// persistLocked writes the full state. Callers hold r.mu and release it
// with unlock, which reports state absorbed from other processes.
func (r *Repository) persistLocked(ctx context.Context) {
	if err := r.writeLocked(ctx); err != nil {
		if r.persistErr == nil {
			r.logger.Printf("WARNING: failed to persist tasks, serving from memory: %v", err)
		}
		r.persistErr = err
		return
	}
	if r.persistErr != nil {
		r.logger.Printf("Persistence recovered")
	}
	r.persistErr = nil
}

func (r *Repository) writeLocked(ctx context.Context) error {
	mine := r.stateLocked()

	tx, shared := r.persister.(Transactor)
	if !shared {
		if err := r.persister.Save(ctx, mine); err != nil {
			return err
		}
		r.base = &mine
		return nil
	}

	var merged State
	err := tx.Transact(ctx, func(stored *State) (State, error) {
		merged = mergeState(r.base, mine, stored)
		return merged, nil
	})
	if err != nil {
		return err
	}
	if !sameState(mine, &merged) {
		r.logger.Printf("Merged changes stored by another process")
		r.setStateLocked(&merged)
		r.absorbed = true
	}
	r.base = &merged
	return nil
}

// unlock releases r.mu and tells observers about state a write merged in.
func (r *Repository) unlock() {
	absorbed := r.absorbed
	r.absorbed = false
	r.mu.Unlock()

	if absorbed {
		r.notify(Change{Op: ChangeReloaded})
	}
}

func (r *Repository) stateLocked() State {
	return State{
		Tasks:          slices.Clone(r.tasks),
		PendingDeletes: slices.Clone(r.pending),
		Principal:      r.principal,
	}
}

func (r *Repository) setStateLocked(state *State) {
	r.tasks = nil
	r.index = make(map[string]int)
	r.pending = nil
	r.principal = ""
	if state == nil {
		return
	}

	for _, t := range state.Tasks {
		if err := t.Validate(); err != nil {
			r.logger.Printf("WARNING: skipping invalid stored task %s: %v", t.ID, err)
			continue
		}
		if i, dup := r.index[t.ID]; dup {
			r.logger.Printf("WARNING: duplicate stored task %s, keeping the newer copy", t.ID)
			if t.NewerThan(r.tasks[i]) {
				r.tasks[i] = t
			}
			continue
		}
		r.index[t.ID] = len(r.tasks)
		r.tasks = append(r.tasks, t)
	}
	r.pending = slices.Clone(state.PendingDeletes)
	r.principal = state.Principal
}

func (r *Repository) reindexLocked() {
	r.index = make(map[string]int, len(r.tasks))
	for i, t := range r.tasks {
		r.index[t.ID] = i
	}
}

func sameState(cur State, next *State) bool {
	if next == nil {
		return len(cur.Tasks) == 0 && len(cur.PendingDeletes) == 0 && cur.Principal == ""
	}
	if cur.Principal != next.Principal || !slices.Equal(cur.PendingDeletes, next.PendingDeletes) {
		return false
	}
	return slices.EqualFunc(cur.Tasks, next.Tasks, func(a, b task.Task) bool {
		return a.Equal(b)
	})
}
