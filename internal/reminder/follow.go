package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

// Follower keeps one reminder per task of a repository, whichever process
// or device wrote the task, and records each reminder id in the task's
// NotificationID. It is what the daemon runs; one-shot CLI commands exit
// long before a reminder could fire.
type Follower struct {
	sched *Scheduler
	repo  *store.Repository

	mu     sync.Mutex
	byTask map[string]followed
	unsub  func()
}

type followed struct {
	id     string
	due    time.Time
	status task.Status
	title  string
}

// handle is a NotificationID that must be written back to a task.
type handle struct {
	taskID    string
	updatedAt time.Time
	id        string
}

// Follow schedules reminders for every task in repo and tracks later
// changes until Stop.
func Follow(s *Scheduler, repo *store.Repository) *Follower {
	f := &Follower{
		sched:  s,
		repo:   repo,
		byTask: make(map[string]followed),
	}
	f.unsub = repo.Subscribe(f.onChange)
	f.resync()
	return f
}

// Stop cancels every reminder and detaches from the repository.
func (f *Follower) Stop() {
	if f.unsub != nil {
		f.unsub()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for tid, e := range f.byTask {
		f.sched.Cancel(e.id)
		delete(f.byTask, tid)
	}
}

// Tracked returns the number of tasks a reminder was scheduled for.
func (f *Follower) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byTask)
}

func (f *Follower) onChange(c store.Change) {
	switch c.Op {
	case store.ChangeAdded, store.ChangeUpdated:
		f.mu.Lock()
		h, ok := f.trackLocked(c.Task)
		f.mu.Unlock()
		if ok {
			f.record([]handle{h})
		}
	case store.ChangeRemoved:
		f.mu.Lock()
		f.untrackLocked(c.Task.ID)
		f.mu.Unlock()
	case store.ChangeCleared, store.ChangeReloaded:
		f.resync()
	}
}

func (f *Follower) resync() {
	tasks := f.repo.List()

	f.mu.Lock()
	var handles []handle
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		if h, ok := f.trackLocked(t); ok {
			handles = append(handles, h)
		}
	}
	for tid := range f.byTask {
		if !seen[tid] {
			f.untrackLocked(tid)
		}
	}
	f.mu.Unlock()

	f.record(handles)
}

// record writes reminder ids back to their tasks. UpdatedAt is left alone,
// so the write is never replicated. A task that changed in the meantime is
// skipped; its own change event records it again.
func (f *Follower) record(handles []handle) {
	for _, h := range handles {
		id := h.id
		if _, err := f.repo.CompareAndUpdate(context.Background(), h.taskID, h.updatedAt, task.Patch{NotificationID: &id}); err != nil {
			f.sched.logger.Printf("WARNING: failed to record reminder of %s: %v", h.taskID, err)
		}
	}
}

// trackLocked reschedules t's reminder if its due date, status or title
// moved. It returns the handle to record when t's NotificationID is stale.
func (f *Follower) trackLocked(t task.Task) (handle, bool) {
	cur, ok := f.byTask[t.ID]
	unchanged := ok && t.DueDate != nil && cur.due.Equal(*t.DueDate) &&
		cur.status == t.Status && cur.title == t.Title
	if !unchanged {
		f.untrackLocked(t.ID)
		f.scheduleLocked(t)
	}

	want := f.byTask[t.ID].id
	if t.NotificationID == want {
		return handle{}, false
	}
	return handle{taskID: t.ID, updatedAt: t.UpdatedAt, id: want}, true
}

func (f *Follower) scheduleLocked(t task.Task) {
	id, err := f.sched.Schedule(t)
	if err != nil {
		f.sched.logger.Printf("WARNING: failed to schedule reminder for %s: %v", t.ID, err)
		return
	}
	if id == "" {
		return
	}
	f.byTask[t.ID] = followed{id: id, due: *t.DueDate, status: t.Status, title: t.Title}
}

func (f *Follower) untrackLocked(taskID string) {
	if cur, ok := f.byTask[taskID]; ok {
		f.sched.Cancel(cur.id)
		delete(f.byTask, taskID)
	}
}
