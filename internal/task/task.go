// Package task defines the Task record shared by the local repository, the
// remote document store and the reconciler.
//
// A Task is a flat record with whole-record last-write-wins semantics: the
// UpdatedAt timestamp is the only signal used to decide which copy of a task
// is newer. Every mutation must move UpdatedAt forward.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid task")

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority accepts the canonical names case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(upper(s))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalid, s)
	}
	return p, nil
}

// Task is the sole entity synchronized between devices.
type Task struct {
	// ===== Identity =====
	ID string `json:"id" yaml:"id" toml:"id"`

	// ===== Content =====
	Title       string   `json:"title" yaml:"title" toml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Priority    Priority `json:"priority" yaml:"priority" toml:"priority"`
	Status      Status   `json:"status" yaml:"status" toml:"status"`

	// ===== Scheduling =====
	DueDate *time.Time `json:"dueDate,omitempty" yaml:"dueDate,omitempty" toml:"dueDate,omitempty"`

	// ===== Timestamps (conflict resolution) =====
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt" toml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt" toml:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty" toml:"completedAt,omitempty"`

	// ===== Ownership =====
	// OwnerID is empty for tasks created before the first sync.
	OwnerID string `json:"ownerId,omitempty" yaml:"ownerId,omitempty" toml:"ownerId,omitempty"`

	// NotificationID is a device-local reminder handle. It is never replicated.
	NotificationID string `json:"notificationId,omitempty" yaml:"notificationId,omitempty" toml:"notificationId,omitempty"`
}

// NewID returns a fresh client-side task identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the invariants every stored task must satisfy.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("%w: title must be 500 characters or less (got %d)", ErrInvalid, len(t.Title))
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, t.Priority)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, t.Status)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("%w: createdAt is required", ErrInvalid)
	}
	if t.Status == StatusDone && t.CompletedAt == nil {
		return fmt.Errorf("%w: DONE task %s has no completedAt", ErrInvalid, t.ID)
	}
	return nil
}

// SetDefaults fills the fields the repository assigns on insert.
// Fields that are already set are left untouched.
func (t *Task) SetDefaults(now time.Time) {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Status == StatusDone && t.CompletedAt == nil {
		at := t.UpdatedAt
		if at.IsZero() {
			at = now
		}
		t.CompletedAt = &at
	}
}

// NewerThan reports whether t was modified strictly after other.
// An unset UpdatedAt is treated as the epoch, i.e. older than anything set.
func (t Task) NewerThan(other Task) bool {
	return t.UpdatedAt.After(other.UpdatedAt)
}

// ForRemote returns the copy of t that is written to the remote store.
func (t Task) ForRemote(owner string) Task {
	out := t.Clone()
	out.OwnerID = owner
	out.NotificationID = ""
	return out
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	out.DueDate = cloneTime(t.DueDate)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return out
}

// Equal reports whether two tasks hold the same field values.
func (t Task) Equal(other Task) bool {
	return t.ID == other.ID &&
		t.Title == other.Title &&
		t.Description == other.Description &&
		t.Priority == other.Priority &&
		t.Status == other.Status &&
		timePtrEqual(t.DueDate, other.DueDate) &&
		t.CreatedAt.Equal(other.CreatedAt) &&
		t.UpdatedAt.Equal(other.UpdatedAt) &&
		timePtrEqual(t.CompletedAt, other.CompletedAt) &&
		t.OwnerID == other.OwnerID &&
		t.NotificationID == other.NotificationID
}

// Next returns the timestamp to stamp on a mutation of a task last modified
// at prev. The result is always strictly after prev so UpdatedAt never stalls
// or moves backward when the wall clock does.
func Next(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func upper(s string) string {
	return strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToUpper(strings.TrimSpace(s)))
}
