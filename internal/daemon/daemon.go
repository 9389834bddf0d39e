// Package daemon provides the long-running sync process that decides when
// reconciliation passes run.
//
// The daemon:
//  1. Authenticates once and persists the principal in the repository
//  2. Subscribes to the principal's remote tasks while online and runs a
//     pass on every snapshot
//  3. Runs a pass when connectivity returns, on a cron timer, and when
//     another process rewrites the local state file
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskify/tasksync/internal/connectivity"
	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

// ErrOffline is returned by SyncNow while the device is offline.
var ErrOffline = errors.New("offline: sync skipped")

// Config holds configuration for the daemon.
type Config struct {
	// Interval between timer-triggered passes (default: 5m)
	Interval time.Duration

	// WatchPath is the local state file to watch for writes by other
	// processes. Empty disables watching.
	WatchPath string

	// DebounceInterval batches rapid file events together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the pass triggers to a reconcile.Engine.
type Daemon struct {
	repo    *store.Repository
	client  remote.Client
	engine  *reconcile.Engine
	monitor connectivity.Monitor
	config  *Config

	cron    *cron.Cron
	watcher *store.Watcher
	trigger chan struct{}

	mu           sync.Mutex
	unsubscribe  func()
	subscribedAs string
	unwatchNet   func()
	started      bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Daemon. Use Start to begin.
func New(repo *store.Repository, client remote.Client, engine *reconcile.Engine, monitor connectivity.Monitor, config *Config) (*Daemon, error) {
	if repo == nil {
		return nil, fmt.Errorf("repo cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		repo:    repo,
		client:  client,
		engine:  engine,
		monitor: monitor,
		config:  config,
		cron:    cron.New(),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation and returns once the triggers are
// installed. If online, it authenticates and subscribes immediately; the
// first snapshot runs the initial pass.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	if d.config.WatchPath != "" {
		w, err := store.NewWatcher(d.config.WatchPath, d.config.DebounceInterval, d.onFileChange, d.config.Logger)
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		d.watcher = w
		d.config.Logger.Printf("Watching: %s", d.config.WatchPath)
	}

	if _, err := d.cron.AddFunc("@every "+d.config.Interval.String(), d.Trigger); err != nil {
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}
	d.cron.Start()

	d.wg.Add(1)
	go d.processTriggers()

	d.mu.Lock()
	d.unwatchNet = d.monitor.Subscribe(d.onConnectivity)
	d.mu.Unlock()

	online := d.monitor.Online()
	d.engine.Status().SetOnline(online)
	if online {
		d.connect(ctx)
	} else {
		d.config.Logger.Println("Offline at startup; working from local state")
	}
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.mu.Lock()
		if d.unwatchNet != nil {
			d.unwatchNet()
			d.unwatchNet = nil
		}
		d.mu.Unlock()
		d.disconnect()

		d.cancel()
		<-d.cron.Stop().Done()

		if d.watcher != nil {
			if werr := d.watcher.Stop(); werr != nil {
				d.config.Logger.Printf("Error closing watcher: %v", werr)
				err = werr
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// Trigger requests a pass. Requests made while one is pending are
// coalesced.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass immediately and returns its result.
// It returns ErrOffline while offline and reconcile.ErrPassInFlight if a
// pass is already running.
func (d *Daemon) SyncNow(ctx context.Context) (*reconcile.Result, error) {
	if !d.monitor.Online() {
		return nil, ErrOffline
	}
	principal, err := d.ensurePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	return d.engine.Run(ctx, principal)
}

// Status returns the current sync status.
func (d *Daemon) Status() reconcile.Status {
	return d.engine.Status().Current()
}

// Subscribed returns the principal the live subscription is open for, or
// "" if there is none.
func (d *Daemon) Subscribed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribedAs
}

// processTriggers runs queued passes one at a time.
func (d *Daemon) processTriggers() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.trigger:
			_, err := d.SyncNow(d.ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrOffline):
			case errors.Is(err, reconcile.ErrPassInFlight):
				d.config.Logger.Println("Pass already running; trigger dropped")
			default:
				d.config.Logger.Printf("Sync error: %v", err)
			}
		}
	}
}

// onConnectivity reacts to online/offline transitions.
func (d *Daemon) onConnectivity(online bool) {
	d.engine.Status().SetOnline(online)
	if online {
		d.config.Logger.Println("Back online")
		d.connect(d.ctx)
		return
	}
	d.config.Logger.Println("Went offline")
	d.disconnect()
}

// onFileChange reloads the repository after another process saved it.
func (d *Daemon) onFileChange() {
	changed, err := d.repo.Reload(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error reloading tasks: %v", err)
		return
	}
	if changed {
		d.Trigger()
	}
}

// onSnapshot runs a pass against a subscription snapshot.
func (d *Daemon) onSnapshot(principal string) remote.SnapshotFunc {
	return func(snapshot []task.Task) {
		if !d.monitor.Online() {
			return
		}
		_, err := d.engine.RunSnapshot(d.ctx, principal, snapshot)
		switch {
		case err == nil:
		case errors.Is(err, reconcile.ErrPassInFlight):
			// The running pass may have read an older remote set.
			d.Trigger()
		default:
			d.config.Logger.Printf("Snapshot sync error: %v", err)
		}
	}
}

// connect makes sure there is exactly one subscription, for the current
// principal. If subscribing fails, a plain pass is triggered instead.
func (d *Daemon) connect(ctx context.Context) {
	principal, err := d.ensurePrincipal(ctx)
	if err != nil {
		d.config.Logger.Printf("Authentication failed: %v", err)
		return
	}

	d.mu.Lock()
	if d.unsubscribe != nil && d.subscribedAs == principal {
		d.mu.Unlock()
		d.Trigger()
		return
	}
	d.mu.Unlock()
	d.disconnect()

	unsub, err := d.client.Subscribe(d.ctx, principal, d.onSnapshot(principal))
	if err != nil {
		d.config.Logger.Printf("Subscribe failed, falling back to polling: %v", err)
		d.Trigger()
		return
	}

	d.mu.Lock()
	d.unsubscribe = unsub
	d.subscribedAs = principal
	d.mu.Unlock()
	d.config.Logger.Printf("Subscribed to remote changes as %s", principal)
}

func (d *Daemon) disconnect() {
	d.mu.Lock()
	unsub := d.unsubscribe
	d.unsubscribe = nil
	d.subscribedAs = ""
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// ensurePrincipal returns the persisted principal, authenticating first if
// there is none.
func (d *Daemon) ensurePrincipal(ctx context.Context) (string, error) {
	if p := d.repo.Principal(); p != "" {
		return p, nil
	}
	p, err := d.client.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	if p == "" {
		return "", reconcile.ErrNoPrincipal
	}
	d.repo.SetPrincipal(ctx, p)
	d.config.Logger.Printf("Authenticated as %s", p)
	return p, nil
}
