// Package gateway applies user mutations to the local repository and
// replicates them to the remote store.
//
// Every operation has two phases. The local write happens before the
// method returns and is visible to List immediately. The remote write runs
// in the background and is reported through the returned Replication; its
// failure is logged and never undoes the local write. Tasks whose remote
// write failed are picked up by the next reconciliation pass.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskify/tasksync/internal/connectivity"
	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

var (
	// ErrOffline completes a Replication that was skipped because the
	// device is offline or has no principal yet.
	ErrOffline = errors.New("offline: change kept locally")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gateway closed")

	// ErrSuperseded completes a Replication whose update was not written
	// because the remote copy is newer. The next sync pulls that copy.
	ErrSuperseded = errors.New("remote copy is newer")
)

// Draft holds the user-supplied fields of a new task.
type Draft struct {
	Title       string
	Description string
	Priority    task.Priority
	Status      task.Status
	DueDate     *time.Time
}

// Config holds Gateway settings.
type Config struct {
	// Monitor gates remote calls (default: always online)
	Monitor connectivity.Monitor

	// RetryDeletes records deletes in the repository's outbox until the
	// remote delete succeeds.
	RetryDeletes bool

	// Timeout bounds each remote call (default: 10s)
	Timeout time.Duration

	// Logger for replication failures (default: stderr logger)
	Logger *log.Logger

	// Now is the clock used for stamps (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryDeletes: true,
		Timeout:      10 * time.Second,
	}
}

// Gateway is the only path through which user edits reach the repository.
type Gateway struct {
	repo      *store.Repository
	remote    remote.Store
	monitor connectivity.Monitor
	retry   bool
	timeout time.Duration
	logger  *log.Logger
	now     func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a Gateway.
func New(repo *store.Repository, rs remote.Store, cfg Config) *Gateway {
	if cfg.Monitor == nil {
		cfg.Monitor = connectivity.NewManual(true)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		repo:    repo,
		remote:  rs,
		monitor: cfg.Monitor,
		retry:   cfg.RetryDeletes,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// CreateTask stores a new task locally and replicates it.
func (g *Gateway) CreateTask(ctx context.Context, d Draft) (task.Task, *Replication, error) {
	if err := g.checkOpen(); err != nil {
		return task.Task{}, nil, err
	}

	now := g.now()
	t := task.Task{
		ID:          task.NewID(),
		Title:       d.Title,
		Description: d.Description,
		Priority:    d.Priority,
		DueDate:     d.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.Status != "" {
		t = task.ApplyStatus(t, d.Status, now)
	}
	t.SetDefaults(now)
	if err := t.Validate(); err != nil {
		return task.Task{}, nil, err
	}

	created, err := g.repo.Add(ctx, t)
	if err != nil {
		return task.Task{}, nil, fmt.Errorf("failed to create task: %w", err)
	}

	rep := g.replicate(ctx, func(ctx context.Context, principal string) error {
		if err := g.remote.Upsert(ctx, created.ForRemote(principal)); err != nil {
			return err
		}
		g.adoptOwner(ctx, created, principal)
		return nil
	})
	return created, rep, nil
}

// UpdateTask merges p into the task and replicates the change. OwnerID,
// NotificationID and UpdatedAt in p are ignored: the gateway stamps
// UpdatedAt, and the others belong to sync and the reminder follower.
func (g *Gateway) UpdateTask(ctx context.Context, id string, p task.Patch) (task.Task, *Replication, error) {
	if err := g.checkOpen(); err != nil {
		return task.Task{}, nil, err
	}

	cur, ok := g.repo.Get(id)
	if !ok {
		return task.Task{}, nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	stamp := task.Next(cur.UpdatedAt, g.now())
	p.UpdatedAt = &stamp
	p.OwnerID = nil
	p.NotificationID = nil

	next := p.Apply(cur)
	if err := next.Validate(); err != nil {
		return task.Task{}, nil, err
	}

	updated, err := g.repo.Update(ctx, id, p)
	if err != nil {
		return task.Task{}, nil, fmt.Errorf("failed to update task: %w", err)
	}

	rep := g.replicate(ctx, func(ctx context.Context, principal string) error {
		return g.pushUpdate(ctx, updated, principal)
	})
	return updated, rep, nil
}

// pushUpdate writes the whole local copy unless the remote one is newer.
// A newer remote copy is left for the next reconciliation pass to pull, so
// two devices never end up with a mix of each other's fields.
func (g *Gateway) pushUpdate(ctx context.Context, t task.Task, principal string) error {
	cur, err := g.remote.Get(ctx, t.ID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		// The remote copy vanished or was never pushed.
		g.logger.Printf("Task %s missing remotely, writing full copy", t.ID)
	case err != nil:
		return err
	case !t.NewerThan(cur):
		g.logger.Printf("Task %s changed remotely at %s, keeping it for the next sync",
			t.ID, cur.UpdatedAt.Format(time.RFC3339Nano))
		return ErrSuperseded
	}

	if err := g.remote.Upsert(ctx, t.ForRemote(principal)); err != nil {
		return err
	}
	g.adoptOwner(ctx, t, principal)
	return nil
}

// SetStatus moves a task to the end of another column.
func (g *Gateway) SetStatus(ctx context.Context, id string, s task.Status) (task.Task, *Replication, error) {
	return g.MoveTask(ctx, id, s, -1)
}

// MoveTask puts a task at position index of column s (negative means last).
// A column change is replicated like any update; the position within the
// column is board order and stays on this device.
func (g *Gateway) MoveTask(ctx context.Context, id string, s task.Status, index int) (task.Task, *Replication, error) {
	if !s.Valid() {
		return task.Task{}, nil, fmt.Errorf("%w: unknown status %q", task.ErrInvalid, s)
	}
	if err := g.checkOpen(); err != nil {
		return task.Task{}, nil, err
	}

	cur, ok := g.repo.Get(id)
	if !ok {
		return task.Task{}, nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	rep := localReplication()
	if cur.Status != s {
		var err error
		if _, rep, err = g.UpdateTask(ctx, id, task.Patch{Status: &s}); err != nil {
			return task.Task{}, nil, err
		}
	}

	moved, err := g.repo.Move(ctx, id, s, index)
	if err != nil {
		return task.Task{}, nil, fmt.Errorf("failed to move task: %w", err)
	}
	return moved, rep, nil
}

// DeleteTask removes a task locally and deletes it remotely.
func (g *Gateway) DeleteTask(ctx context.Context, id string) (*Replication, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}

	_, ok := g.repo.Remove(ctx, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	// Recorded up front so a crash before the remote call still replays it.
	if g.retry {
		g.repo.AddPendingDelete(ctx, id)
	}

	rep := g.replicate(ctx, func(ctx context.Context, _ string) error {
		if err := g.remote.Delete(ctx, id); err != nil {
			return err
		}
		if g.retry {
			g.repo.ClearPendingDelete(ctx, id)
		}
		return nil
	})
	return rep, nil
}

// Close waits for running replications. Later calls fail with ErrClosed.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()
}

func (g *Gateway) checkOpen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return nil
}

// replicate runs fn in the background if the device is online and has a
// principal. The call outlives ctx's cancellation but not the timeout.
func (g *Gateway) replicate(ctx context.Context, fn func(ctx context.Context, principal string) error) *Replication {
	principal := g.repo.Principal()
	if principal == "" || !g.monitor.Online() {
		return skippedReplication(ErrOffline)
	}

	rep := newReplication()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		err := fn(rctx, principal)
		if err != nil && !errors.Is(err, ErrSuperseded) {
			g.logger.Printf("WARNING: remote write failed, will retry on next sync: %v", err)
		}
		rep.complete(err)
	}()
	return rep
}

// adoptOwner records the principal on a task pushed for the first time.
func (g *Gateway) adoptOwner(ctx context.Context, t task.Task, principal string) {
	if t.OwnerID == principal {
		return
	}
	if _, err := g.repo.CompareAndUpdate(ctx, t.ID, t.UpdatedAt, task.Patch{OwnerID: &principal}); err != nil {
		g.logger.Printf("WARNING: failed to record owner of %s: %v", t.ID, err)
	}
}
