package reconcile

import (
	"sync"
	"time"
)

// State is what the sync-status indicator shows.
type State string

const (
	StateOffline State = "offline"
	StateOnline  State = "online"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Status is a snapshot of the tracker.
type Status struct {
	State      State
	Online     bool
	LastSync   time.Time // finish time of the last pass that was not OutcomeFailed
	LastError  error
	LastResult *Result
}

// StatusTracker derives the indicator state from connectivity changes and
// pass results. It is safe for concurrent use.
type StatusTracker struct {
	mu      sync.Mutex
	status  Status
	syncing bool

	obsMu     sync.Mutex
	observers map[int]func(Status)
	nextObs   int
}

// NewStatusTracker creates a tracker that starts offline.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		status:    Status{State: StateOffline},
		observers: make(map[int]func(Status)),
	}
}

// Current returns the latest status.
func (s *StatusTracker) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers fn to be called after every status change. The
// returned function removes it.
func (s *StatusTracker) Subscribe(fn func(Status)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

// SetOnline records a connectivity change.
func (s *StatusTracker) SetOnline(online bool) {
	s.update(func(st *Status) {
		st.Online = online
		st.State = s.deriveLocked(st)
	})
}

func (s *StatusTracker) beginPass() {
	s.update(func(st *Status) {
		s.syncing = true
		st.State = s.deriveLocked(st)
	})
}

func (s *StatusTracker) endPass(r *Result) {
	s.update(func(st *Status) {
		s.syncing = false
		st.LastResult = r
		st.LastError = r.Err()
		if r.Outcome != OutcomeFailed {
			st.LastSync = r.Finished
		}
		st.State = s.deriveLocked(st)
	})
}

// deriveLocked computes the state. Offline wins over everything; a pass
// in progress shows as syncing; otherwise the last pass decides.
func (s *StatusTracker) deriveLocked(st *Status) State {
	switch {
	case !st.Online:
		return StateOffline
	case s.syncing:
		return StateSyncing
	case st.LastResult != nil && st.LastResult.Outcome != OutcomeSuccess:
		return StateError
	default:
		return StateOnline
	}
}

func (s *StatusTracker) update(fn func(*Status)) {
	s.mu.Lock()
	before := s.status
	fn(&s.status)
	after := s.status
	s.mu.Unlock()

	if before.State == after.State && before.LastResult == after.LastResult && before.Online == after.Online {
		return
	}

	s.obsMu.Lock()
	fns := make([]func(Status), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(after)
	}
}
