// Package connectivity reports whether the remote store is reachable.
//
// The reconciler runs a pass when the device comes back online, and the
// mutation gateway skips remote replication while offline. Both consume
// the Monitor interface; where the signal comes from is up to the caller:
// Manual for tests and --offline, Prober for a polled health check.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Monitor exposes the current online state and transition notifications.
type Monitor interface {
	// Online reports the last known state.
	Online() bool

	// Subscribe registers fn to be called with the new state on every
	// transition. The returned function removes it.
	Subscribe(fn func(online bool)) func()
}

// observers is the subscription bookkeeping shared by the monitors.
type observers struct {
	mu   sync.Mutex
	fns  map[int]func(bool)
	next int
}

func (o *observers) add(fn func(bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fns == nil {
		o.fns = make(map[int]func(bool))
	}
	id := o.next
	o.next++
	o.fns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers) notify(online bool) {
	o.mu.Lock()
	fns := make([]func(bool), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Manual is a Monitor whose state is set explicitly.
type Manual struct {
	mu     sync.Mutex
	online bool
	obs    observers
}

// NewManual creates a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// Online implements Monitor.Online.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Monitor.Subscribe.
func (m *Manual) Subscribe(fn func(bool)) func() {
	return m.obs.add(fn)
}

// Set changes the state. Observers are notified only on a transition.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.obs.notify(online)
	}
}

// Pinger is anything that can check remote reachability, such as
// remote.HTTPClient or remote.RedisStore.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig holds Prober settings.
type ProberConfig struct {
	// Interval between probes (default: 15s)
	Interval time.Duration

	// Timeout of one probe (default: 5s)
	Timeout time.Duration

	// Logger for transitions (default: stderr logger)
	Logger *log.Logger
}

// Prober is a Monitor that periodically pings the remote store. It starts
// offline until the first probe succeeds.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool
	obs    observers

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a Prober for pinger.
func NewProber(pinger Pinger, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Prober{
		pinger:   pinger,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Online implements Monitor.Online.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe implements Monitor.Subscribe.
func (p *Prober) Subscribe(fn func(bool)) func() {
	return p.obs.add(fn)
}

// Check probes once, updates the state and returns it.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if changed {
		if online {
			p.logger.Println("Remote store reachable, going online")
		} else {
			p.logger.Printf("Remote store unreachable, going offline: %v", err)
		}
		p.obs.notify(online)
	}
	return online
}

// Start probes immediately, then every interval until Stop.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("prober already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)

		p.Check(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
	return nil
}

// Stop ends probing and waits for the probe goroutine to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
