// Package reminder schedules due-date reminders for tasks.
//
// A reminder fires once, Lead before the task's due date. Schedule returns
// an opaque id which the caller stores in the task's NotificationID and
// later passes to Cancel.
package reminder

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskify/tasksync/internal/task"
)

// DefaultLead is how long before the due date a reminder fires.
const DefaultLead = 30 * time.Minute

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("reminder scheduler stopped")

// Notifier delivers a reminder.
type Notifier interface {
	Notify(t task.Task, lead time.Duration)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(t task.Task, lead time.Duration)

// Notify calls f.
func (f NotifierFunc) Notify(t task.Task, lead time.Duration) { f(t, lead) }

// LogNotifier writes reminders to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

// Notify logs the reminder.
func (n LogNotifier) Notify(t task.Task, lead time.Duration) {
	n.Logger.Printf("Task Reminder: %q is due in %s", t.Title, lead)
}

// Config holds scheduler settings.
type Config struct {
	// Lead is the offset before the due date (default: 30m)
	Lead time.Duration

	// Notifier receives fired reminders (default: LogNotifier on Logger)
	Notifier Notifier

	// Location for the cron clock (default: time.Local)
	Location *time.Location

	// Logger for scheduler activity (default: stderr logger)
	Logger *log.Logger

	// Now is the clock used to skip past reminders (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Lead:     DefaultLead,
		Location: time.Local,
	}
}

// Scheduler runs one-shot reminders on a cron clock.
type Scheduler struct {
	cron     *cron.Cron
	lead     time.Duration
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
	stopped bool
}

// New creates a Scheduler. Call Start to begin firing reminders.
func New(cfg Config) *Scheduler {
	if cfg.Lead <= 0 {
		cfg.Lead = DefaultLead
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reminder] ", log.LstdFlags)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(cfg.Location), cron.WithSeconds()),
		lead:     cfg.Lead,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
		entries:  make(map[string]cron.EntryID),
	}
}

// Lead returns the configured offset.
func (s *Scheduler) Lead() time.Duration {
	return s.lead
}

// Start begins firing reminders. It is a no-op if already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop cancels all pending reminders and waits for running notifications.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.stopped = true
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if wasRunning {
		<-s.cron.Stop().Done()
	}
}

// Schedule registers a reminder for t and returns its id. It returns an
// empty id and no error when t has no due date, is DONE, or the trigger
// time has already passed.
func (s *Scheduler) Schedule(t task.Task) (string, error) {
	if t.DueDate == nil || t.Status == task.StatusDone {
		return "", nil
	}
	at := t.DueDate.Add(-s.lead)
	if !at.After(s.now()) {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}

	id := uuid.NewString()
	snapshot := t.Clone()
	entry := s.cron.Schedule(once{at: at}, cron.FuncJob(func() {
		s.fire(id, snapshot)
	}))
	if entry == 0 {
		return "", fmt.Errorf("failed to schedule reminder for %s", t.ID)
	}
	s.entries[id] = entry

	s.logger.Printf("Scheduled reminder %s for task %s at %s", id, t.ID, at.Format(time.RFC3339))
	return id, nil
}

// Cancel removes a pending reminder. Unknown ids are ignored.
func (s *Scheduler) Cancel(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return
	}
	s.cron.Remove(entry)
	delete(s.entries, id)
}

// Pending returns the number of reminders not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(id string, t task.Task) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		s.cron.Remove(entry)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.notifier.Notify(t, s.lead)
}

// once is a cron.Schedule that activates a single time.
type once struct {
	at time.Time
}

// Next returns the activation time, or the zero time once it has passed,
// which cron treats as never.
func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
