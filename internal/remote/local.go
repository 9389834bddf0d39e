package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/taskify/tasksync/internal/task"
)

// Hub fans change notifications out to snapshot subscriptions.
//
// Each subscription owns one goroutine and a one-slot signal channel, so a
// burst of writes collapses into a single snapshot and a slow subscriber
// never blocks a writer.
type Hub struct {
	store  Store
	logger *log.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	owner  string
	fn     SnapshotFunc
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	stopFeed func()
}

// NewHub creates a hub that builds snapshots from store.
func NewHub(store Store, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Hub{
		store:  store,
		logger: logger,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers fn for owner. The current snapshot is delivered
// immediately, then again after every Publish for owner. If store is a
// ChangeFeed, writes made by other processes are delivered too.
//
// fn runs on the subscription's goroutine; the returned cancel function
// waits for it and must not be called from inside fn.
func (h *Hub) Subscribe(ctx context.Context, owner string, fn SnapshotFunc) (func(), error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: subscribe needs an owner", ErrUnauthenticated)
	}

	sub := &subscription{
		owner:  owner,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: hub closed", ErrUnavailable)
	}
	if h.subs[owner] == nil {
		h.subs[owner] = make(map[*subscription]struct{})
	}
	h.subs[owner][sub] = struct{}{}
	h.mu.Unlock()

	if feed, ok := h.store.(ChangeFeed); ok {
		stop, err := feed.Watch(ctx, owner, sub.notify)
		if err != nil {
			h.remove(sub)
			return nil, err
		}
		sub.stopFeed = stop
	}

	sub.notify()
	sub.wg.Add(1)
	go h.deliver(ctx, sub)

	cancel := func() {
		h.remove(sub)
		sub.stop()
	}
	return cancel, nil
}

// Publish announces that owner's tasks changed.
func (h *Hub) Publish(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[owner] {
		sub.notify()
	}
}

// Subscribers returns the number of live subscriptions for owner.
func (h *Hub) Subscribers(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[owner])
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscription
	for _, subs := range h.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[sub.owner], sub)
	if len(h.subs[sub.owner]) == 0 {
		delete(h.subs, sub.owner)
	}
}

func (h *Hub) deliver(ctx context.Context, sub *subscription) {
	defer sub.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.signal:
		}

		snapshot, err := h.store.FetchAllForOwner(ctx, sub.owner)
		if err != nil {
			h.logger.Printf("WARNING: failed to build snapshot for %s: %v", sub.owner, err)
			continue
		}

		select {
		case <-sub.done:
			return
		default:
		}
		sub.fn(snapshot)
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		if s.stopFeed != nil {
			s.stopFeed()
		}
	})
	s.wg.Wait()
}

func (s *subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Local is a Client over any Store living in the same process. It is what
// `taskify serve` exposes over HTTP, and what tests sync against.
type Local struct {
	Store
	hub *Hub

	mu        sync.Mutex
	principal string
}

// NewLocal wraps store into a Client. If principal is empty, Authenticate
// signs in anonymously with a fresh id.
func NewLocal(store Store, principal string, logger *log.Logger) *Local {
	return &Local{
		Store:     store,
		hub:       NewHub(store, logger),
		principal: principal,
	}
}

// Hub returns the subscription hub, for callers that publish changes made
// outside this Client.
func (l *Local) Hub() *Hub {
	return l.hub
}

// Authenticate implements Client.Authenticate.
func (l *Local) Authenticate(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.principal == "" {
		l.principal = uuid.NewString()
	}
	return l.principal, nil
}

// Subscribe implements Client.Subscribe.
func (l *Local) Subscribe(ctx context.Context, owner string, fn SnapshotFunc) (func(), error) {
	return l.hub.Subscribe(ctx, owner, fn)
}

// Upsert implements Store.Upsert and notifies subscribers.
func (l *Local) Upsert(ctx context.Context, t task.Task) error {
	prev, prevErr := l.Store.Get(ctx, t.ID)
	if err := l.Store.Upsert(ctx, t); err != nil {
		return err
	}
	l.hub.Publish(t.OwnerID)
	if prevErr == nil && prev.OwnerID != t.OwnerID {
		l.hub.Publish(prev.OwnerID)
	}
	return nil
}

// Patch implements Store.Patch and notifies subscribers.
func (l *Local) Patch(ctx context.Context, id string, p task.Patch) error {
	if err := l.Store.Patch(ctx, id, p); err != nil {
		return err
	}
	if cur, err := l.Store.Get(ctx, id); err == nil {
		l.hub.Publish(cur.OwnerID)
	}
	return nil
}

// Delete implements Store.Delete and notifies subscribers.
func (l *Local) Delete(ctx context.Context, id string) error {
	prev, prevErr := l.Store.Get(ctx, id)
	if err := l.Store.Delete(ctx, id); err != nil {
		return err
	}
	if prevErr == nil {
		l.hub.Publish(prev.OwnerID)
	}
	return nil
}

// Close stops all subscriptions.
func (l *Local) Close() error {
	l.hub.Close()
	return nil
}
