package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

var (
	// ErrPassInFlight is returned when a pass is requested while another
	// one is running. The request is dropped, not queued.
	ErrPassInFlight = errors.New("sync pass already in progress")

	// ErrNoPrincipal is returned when no principal is known yet.
	ErrNoPrincipal = errors.New("no principal to sync under")
)

// Config holds Engine settings.
type Config struct {
	// Concurrency bounds the per-task remote calls of one pass (default: 4).
	Concurrency int

	// RetryDeletes replays the repository's pending deletes at the start
	// of every pass, and keeps those tasks from being pulled back.
	RetryDeletes bool

	// Status receives pass progress (default: a fresh tracker).
	Status *StatusTracker

	// Logger for pass activity (default: stderr logger)
	Logger *log.Logger

	// Now is the clock used for stamps (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		RetryDeletes: true,
	}
}

// Engine runs reconciliation passes between a repository and a remote
// store. Only one pass runs at a time.
type Engine struct {
	repo   *store.Repository
	remote remote.Store

	concurrency  int
	retryDeletes bool
	status       *StatusTracker
	logger       *log.Logger
	now          func() time.Time

	inFlight atomic.Bool
}

// New creates an Engine.
func New(repo *store.Repository, rs remote.Store, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Status == nil {
		cfg.Status = NewStatusTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		repo:         repo,
		remote:       rs,
		concurrency:  cfg.Concurrency,
		retryDeletes: cfg.RetryDeletes,
		status:       cfg.Status,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Status returns the tracker the engine reports to.
func (e *Engine) Status() *StatusTracker {
	return e.status
}

// InFlight reports whether a pass is running.
func (e *Engine) InFlight() bool {
	return e.inFlight.Load()
}

// Run fetches the principal's remote tasks and reconciles them with the
// repository.
func (e *Engine) Run(ctx context.Context, principal string) (*Result, error) {
	return e.pass(ctx, principal, nil)
}

// RunSnapshot reconciles against a remote snapshot already in hand, as
// delivered by a subscription.
func (e *Engine) RunSnapshot(ctx context.Context, principal string, snapshot []task.Task) (*Result, error) {
	if snapshot == nil {
		snapshot = make([]task.Task, 0)
	}
	return e.pass(ctx, principal, snapshot)
}

// pass runs one reconciliation. A nil snapshot means fetch it first.
func (e *Engine) pass(ctx context.Context, principal string, snapshot []task.Task) (*Result, error) {
	if principal == "" {
		return nil, ErrNoPrincipal
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPassInFlight
	}
	defer e.inFlight.Store(false)

	e.status.beginPass()
	res := &Result{Started: e.now()}
	attempted := 0
	defer func() {
		res.finish(e.now(), attempted)
		e.status.endPass(res)
		e.logger.Printf("Sync pass %s", res)
	}()

	// Replay deletes before reading the remote set so that a fetch sees
	// them applied.
	skip := make(map[string]bool)
	if e.retryDeletes {
		attempted += e.replayDeletes(ctx, res, skip)
	}

	remoteTasks := snapshot
	if remoteTasks == nil {
		attempted++
		fetched, err := e.remote.FetchAllForOwner(ctx, principal)
		if err != nil {
			e.logger.Printf("WARNING: failed to fetch remote tasks: %v", err)
			res.Failures = append(res.Failures, Failure{Kind: KindFetch, Err: err})
			// Nothing else can be planned without the remote set.
			attempted = len(res.Failures)
			return res, nil
		}
		remoteTasks = fetched
	}

	actions := Plan(e.repo.List(), remoteTasks, principal, skip)
	res.Planned = len(actions)
	attempted += len(actions)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)

	for _, a := range actions {
		g.Go(func() error {
			applied, err := e.execute(ctx, principal, a)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Printf("WARNING: %s %s failed: %v", a.Kind, a.TaskID(), err)
				res.Failures = append(res.Failures, Failure{TaskID: a.TaskID(), Kind: a.Kind, Err: err})
				return nil
			}
			if !applied {
				return nil
			}
			if a.Kind.IsPush() {
				res.Pushed++
			} else {
				res.Pulled++
			}
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

// replayDeletes issues the remote delete of every pending id. Every id
// pending at the start of the pass is added to skip, whether or not its
// delete succeeded, since the remote set may still contain it. It returns
// the number of deletes attempted.
func (e *Engine) replayDeletes(ctx context.Context, res *Result, skip map[string]bool) int {
	pending := e.repo.PendingDeletes()
	for _, id := range pending {
		skip[id] = true

		err := e.remote.Delete(ctx, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			e.logger.Printf("WARNING: delete %s failed, will retry: %v", id, err)
			res.Failures = append(res.Failures, Failure{TaskID: id, Kind: KindDelete, Err: err})
			continue
		}
		e.repo.ClearPendingDelete(ctx, id)
		res.Deleted++
	}
	return len(pending)
}

// execute performs one action. It reports whether anything was written.
func (e *Engine) execute(ctx context.Context, principal string, a Action) (bool, error) {
	switch a.Kind {
	case PushCreate:
		return e.pushCreate(ctx, principal, *a.Local)
	case PushUpdate:
		return e.pushUpdate(ctx, principal, *a.Local)
	case PullCreate, PullUpdate:
		applied, err := e.repo.ReplaceIfNewer(ctx, *a.Remote)
		if err != nil {
			return false, fmt.Errorf("failed to store remote copy: %w", err)
		}
		return applied, nil
	default:
		return false, fmt.Errorf("unknown action %q", a.Kind)
	}
}

// pushCreate writes a local-only task as-is, then records the owner
// locally without touching UpdatedAt so the next pass sees both sides
// equal.
func (e *Engine) pushCreate(ctx context.Context, principal string, l task.Task) (bool, error) {
	if err := e.remote.Upsert(ctx, l.ForRemote(principal)); err != nil {
		return false, err
	}
	if l.OwnerID != principal {
		if _, err := e.repo.CompareAndUpdate(ctx, l.ID, l.UpdatedAt, task.Patch{OwnerID: &principal}); err != nil {
			e.logger.Printf("WARNING: failed to record owner of %s: %v", l.ID, err)
		}
	}
	return true, nil
}

// pushUpdate stamps a fresh UpdatedAt, writes the full task remotely, and
// applies the same stamp locally if the local copy has not changed in the
// meantime. Both sides then hold identical timestamps, so a repeated pass
// is a no-op.
func (e *Engine) pushUpdate(ctx context.Context, principal string, l task.Task) (bool, error) {
	stamp := e.now()
	if !stamp.After(l.UpdatedAt) {
		stamp = l.UpdatedAt
	}

	out := l.ForRemote(principal)
	out.UpdatedAt = stamp
	if err := e.remote.Upsert(ctx, out); err != nil {
		return false, err
	}

	patch := task.Patch{UpdatedAt: &stamp, OwnerID: &principal}
	if _, err := e.repo.CompareAndUpdate(ctx, l.ID, l.UpdatedAt, patch); err != nil {
		e.logger.Printf("WARNING: failed to record push stamp of %s: %v", l.ID, err)
	}
	return true, nil
}
