package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/taskify/tasksync/internal/task"
)

// MemoryStore is a Store backed by a map. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]task.Task

	// Fail, when set, is consulted before every call; a non-nil result is
	// returned instead of performing the call. Tests use it to simulate
	// outages and per-task failures.
	Fail func(op, id string) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]task.Task)}
}

func (m *MemoryStore) fail(op, id string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, id)
}

// Get implements Store.Get.
func (m *MemoryStore) Get(ctx context.Context, id string) (task.Task, error) {
	if err := m.fail("get", id); err != nil {
		return task.Task{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Upsert implements Store.Upsert.
func (m *MemoryStore) Upsert(ctx context.Context, t task.Task) error {
	if err := m.fail("upsert", t.ID); err != nil {
		return err
	}
	if err := checkUpsert(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[t.ID] = stored(t)
	return nil
}

// Patch implements Store.Patch.
func (m *MemoryStore) Patch(ctx context.Context, id string, p task.Patch) error {
	if err := m.fail("patch", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := applyPatch(cur, p)
	if err != nil {
		return err
	}
	m.tasks[id] = next
	return nil
}

// Delete implements Store.Delete.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := m.fail("delete", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, id)
	return nil
}

// FetchAllForOwner implements Store.FetchAllForOwner. Tasks are ordered by
// creation time, then id.
func (m *MemoryStore) FetchAllForOwner(ctx context.Context, owner string) ([]task.Task, error) {
	if err := m.fail("fetch", owner); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]task.Task, 0)
	for _, t := range m.tasks {
		if t.OwnerID == owner {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// Len returns the number of stored tasks across all owners.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func sortTasks(tasks []task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
