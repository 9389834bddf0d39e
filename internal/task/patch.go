package task

import "time"

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	Priority       *Priority  `json:"priority,omitempty"`
	Status         *Status    `json:"status,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	ClearDueDate   bool       `json:"clearDueDate,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	OwnerID        *string    `json:"ownerId,omitempty"`
	NotificationID *string    `json:"notificationId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil &&
		p.Status == nil && p.DueDate == nil && !p.ClearDueDate &&
		p.UpdatedAt == nil && p.OwnerID == nil && p.NotificationID == nil
}

// TouchesContent reports whether the patch changes anything a user sees,
// as opposed to bookkeeping fields like OwnerID or NotificationID.
func (p Patch) TouchesContent() bool {
	return p.Title != nil || p.Description != nil || p.Priority != nil ||
		p.Status != nil || p.DueDate != nil || p.ClearDueDate
}

// Apply merges p into t shallowly. A status change goes through ApplyStatus
// stamped with the patch's UpdatedAt, or the current time if it has none.
func (p Patch) Apply(t Task) Task {
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.ClearDueDate {
		out.DueDate = nil
	}
	if p.DueDate != nil {
		out.DueDate = cloneTime(p.DueDate)
	}
	if p.Status != nil {
		at := time.Now()
		if p.UpdatedAt != nil {
			at = *p.UpdatedAt
		}
		out = ApplyStatus(out, *p.Status, at)
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	if p.OwnerID != nil {
		out.OwnerID = *p.OwnerID
	}
	if p.NotificationID != nil {
		out.NotificationID = *p.NotificationID
	}
	return out
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
