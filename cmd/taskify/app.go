package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskify/tasksync/internal/config"
	"github.com/taskify/tasksync/internal/connectivity"
	"github.com/taskify/tasksync/internal/daemon"
	"github.com/taskify/tasksync/internal/gateway"
	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/reminder"
	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

// app holds the components one command invocation works with.
type app struct {
	cfg  *config.Config
	logs *config.Logs

	repo    *store.Repository
	client  remote.Client
	monitor connectivity.Monitor
	prober  *connectivity.Prober
	engine  *reconcile.Engine
	gateway *gateway.Gateway

	closers []func() error
}

type appOptions struct {
	// quiet discards component logs unless a log file is configured.
	quiet bool
}

// openApp loads the local state and connects the remote side. A remote
// that cannot be reached leaves the app offline; it is never an error.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:  cfg,
		logs: config.OpenLogs(cfg.Log, opts.quiet && !verbose),
	}
	a.closers = append(a.closers, a.logs.Close)

	persister, err := openPersister(ctx, cfg.Storage)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.repo = store.New(persister, a.logs.Logger("store"))
	if err := a.repo.Load(ctx); err != nil {
		_ = persister.Close()
		_ = a.close()
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)

	var pinger connectivity.Pinger
	principal := a.repo.Principal()
	if principal == "" {
		principal = cfg.Remote.Principal
	}

	switch cfg.Remote.Backend {
	case "http":
		c, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:   cfg.Remote.URL,
			Timeout:   cfg.Remote.Timeout,
			Principal: principal,
			Logger:    a.logs.Logger("remote"),
		})
		if err != nil {
			_ = a.close()
			return nil, err
		}
		a.client, pinger = c, c

	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Remote.Redis.Addr,
			Password: cfg.Remote.Redis.Password,
			DB:       cfg.Remote.Redis.DB,
		})
		rs := remote.NewRedisStore(rc, cfg.Remote.Redis.Prefix, a.logs.Logger("remote"))
		local := remote.NewLocal(rs, principal, a.logs.Logger("remote"))
		a.closers = append(a.closers, rs.Close, local.Close)
		a.client, pinger = local, rs

	default:
		// No remote: everything stays on this device.
		local := remote.NewLocal(remote.NewMemoryStore(), principal, a.logs.Logger("remote"))
		a.closers = append(a.closers, local.Close)
		a.client = local
	}

	if pinger == nil || offlineFlag {
		a.monitor = connectivity.NewManual(false)
	} else {
		a.prober = connectivity.NewProber(pinger, connectivity.ProberConfig{
			Interval: cfg.Sync.ProbeInterval,
			Logger:   a.logs.Logger("connectivity"),
		})
		a.prober.Check(ctx)
		a.monitor = a.prober
		a.closers = append(a.closers, func() error { a.prober.Stop(); return nil })
	}

	if a.monitor.Online() && a.repo.Principal() == "" {
		if _, err := a.ensurePrincipal(ctx); err != nil {
			a.logs.Logger("taskify").Printf("WARNING: %v", err)
		}
	}

	tracker := reconcile.NewStatusTracker()
	tracker.SetOnline(a.monitor.Online())
	a.engine = reconcile.New(a.repo, a.client, reconcile.Config{
		Concurrency:  cfg.Sync.Concurrency,
		RetryDeletes: cfg.Sync.RetryDeletes,
		Status:       tracker,
		Logger:       a.logs.Logger("sync"),
	})

	a.gateway = gateway.New(a.repo, a.client, gateway.Config{
		Monitor:      a.monitor,
		RetryDeletes: cfg.Sync.RetryDeletes,
		Timeout:      cfg.Remote.Timeout,
		Logger:       a.logs.Logger("gateway"),
	})
	a.closers = append(a.closers, func() error { a.gateway.Close(); return nil })

	return a, nil
}

func openPersister(ctx context.Context, cfg config.StorageConfig) (store.Persister, error) {
	if cfg.Backend == "sqlite" {
		path := cfg.Path
		if strings.HasSuffix(path, ".json") {
			path = strings.TrimSuffix(path, ".json") + ".db"
		}
		p, err := store.OpenSQLite(ctx, path, cfg.Namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to open local database: %w", err)
		}
		return p, nil
	}
	return store.NewFilePersister(cfg.Path), nil
}

// ensurePrincipal authenticates once and persists the principal.
func (a *app) ensurePrincipal(ctx context.Context) (string, error) {
	if p := a.repo.Principal(); p != "" {
		return p, nil
	}
	p, err := a.client.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	a.repo.SetPrincipal(ctx, p)
	return p, nil
}

// newDaemon builds the sync daemon over the app's components.
func (a *app) newDaemon(watch bool) (*daemon.Daemon, error) {
	dcfg := daemon.DefaultConfig()
	dcfg.Interval = a.cfg.Sync.Interval
	dcfg.Logger = a.logs.Logger("daemon")
	if watch && a.cfg.Storage.Backend == "file" && a.cfg.Storage.Watch {
		dcfg.WatchPath = a.cfg.Storage.Path
	}
	return daemon.New(a.repo, a.client, a.engine, a.monitor, dcfg)
}

// followReminders schedules due-date reminders for every task and keeps
// them current until the returned function is called.
func (a *app) followReminders() func() {
	sched := reminder.New(reminder.Config{
		Lead:   a.cfg.Reminder.Lead,
		Logger: a.logger("reminder"),
	})
	sched.Start()
	follower := reminder.Follow(sched, a.repo)
	return func() {
		follower.Stop()
		sched.Stop()
	}
}

// close releases everything in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// await waits, bounded by the remote timeout, for the remote half of a
// mutation and reports how it went.
func (a *app) await(ctx context.Context, out io.Writer, rep *gateway.Replication) {
	if rep == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Remote.Timeout+time.Second)
	defer cancel()

	err := rep.Wait(ctx)
	switch {
	case rep.Skipped():
		fmt.Fprintln(out, renderNote("saved locally; will sync when online"))
	case errors.Is(err, gateway.ErrSuperseded):
		fmt.Fprintln(out, renderNote("saved locally; a newer remote copy wins on the next sync"))
	case err != nil:
		fmt.Fprintln(out, renderNote(fmt.Sprintf("saved locally; remote write failed (%v), will retry on next sync", err)))
	}
}

// resolveID maps a full id or a unique id prefix to a task.
func (a *app) resolveID(ref string) (task.Task, error) {
	if t, ok := a.repo.Get(ref); ok {
		return t, nil
	}
	var matches []task.Task
	for _, t := range a.repo.List() {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return task.Task{}, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return task.Task{}, fmt.Errorf("ambiguous id %q matches %d tasks", ref, len(matches))
	}
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}
