package task

import (
	"fmt"
	"time"
)

// Status is the kanban column a task sits in.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Statuses lists the columns in board order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ParseStatus accepts "done", "in-progress", "IN_PROGRESS" and so on.
func ParseStatus(s string) (Status, error) {
	st := Status(upper(s))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
	}
	return st, nil
}

// ApplyStatus moves t to status s at time now and keeps CompletedAt
// consistent with it: entering DONE stamps CompletedAt, staying in DONE keeps
// the original completion time, and leaving DONE clears it.
func ApplyStatus(t Task, s Status, now time.Time) Task {
	out := t.Clone()
	switch {
	case s == StatusDone && t.Status == StatusDone && t.CompletedAt != nil:
		// already complete
	case s == StatusDone:
		at := now
		out.CompletedAt = &at
	default:
		out.CompletedAt = nil
	}
	out.Status = s
	return out
}

// FilterByStatus returns the tasks in column s, preserving order.
func FilterByStatus(tasks []Task, s Status) []Task {
	var out []Task
	for _, t := range tasks {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

// DueOn returns the tasks whose due date falls on the same calendar day as
// day, in day's location.
func DueOn(tasks []Task, day time.Time) []Task {
	y, m, d := day.Date()
	var out []Task
	for _, t := range tasks {
		if t.DueDate == nil {
			continue
		}
		ty, tm, td := t.DueDate.In(day.Location()).Date()
		if ty == y && tm == m && td == d {
			out = append(out, t)
		}
	}
	return out
}
