package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

// TaskUpdateData contains task change information
type TaskUpdateData struct {
	TaskID   string `json:"task_id"`
	Action   string `json:"action"` // created, updated, deleted
	Status   string `json:"status,omitempty"`
	Title    string `json:"title,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// StatsData contains task statistics
type StatsData struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	InProgress     int            `json:"in_progress"`
	Unsynced       int            `json:"unsynced"`
	PendingDeletes int            `json:"pending_deletes"`
}

// StatusData mirrors reconcile.Status
type StatusData struct {
	State     string     `json:"state"`
	Online    bool       `json:"online"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// SyncCompleteData contains pass completion information
type SyncCompleteData struct {
	Outcome  string        `json:"outcome"`
	Pushed   int           `json:"pushed"`
	Pulled   int           `json:"pulled"`
	Deleted  int           `json:"deleted"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Handler turns repository changes and status transitions into dashboard
// messages.
type Handler struct {
	server *Server
	repo   *store.Repository
	status *reconcile.StatusTracker
	logger *log.Logger

	mu       sync.Mutex
	last     reconcile.Status
	lastRes  *reconcile.Result
	cancels  []func()
	attached bool
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, repo *store.Repository, status *reconcile.StatusTracker, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		repo:   repo,
		status: status,
		logger: logger,
	}
}

// Attach subscribes to the repository and the status tracker and makes the
// server greet new clients with the current status and stats.
func (h *Handler) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attached {
		return
	}
	h.attached = true
	h.last = h.status.Current()
	h.lastRes = h.last.LastResult

	h.server.SetWelcome(func() []Message {
		return []Message{
			h.message(MessageTypeStatus, statusData(h.status.Current())),
			h.message(MessageTypeStats, h.Stats()),
		}
	})
	h.cancels = append(h.cancels,
		h.repo.Subscribe(h.OnChange),
		h.status.Subscribe(h.OnStatus),
	)
}

// Detach removes the subscriptions installed by Attach.
func (h *Handler) Detach() {
	h.mu.Lock()
	cancels := h.cancels
	h.cancels = nil
	h.attached = false
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// OnChange handles repository change events
func (h *Handler) OnChange(c store.Change) {
	switch c.Op {
	case store.ChangeAdded:
		h.broadcastTask("created", c.Task)
	case store.ChangeUpdated:
		h.broadcastTask("updated", c.Task)
	case store.ChangeMoved:
		h.broadcastTask("moved", c.Task)
	case store.ChangeRemoved:
		h.server.Broadcast(h.message(MessageTypeTaskUpdate, TaskUpdateData{TaskID: c.Task.ID, Action: "deleted"}))
	}
	h.broadcastStats()
}

// OnStatus handles sync status transitions
func (h *Handler) OnStatus(st reconcile.Status) {
	h.mu.Lock()
	stateChanged := st.State != h.last.State || st.Online != h.last.Online
	newResult := st.LastResult != nil && st.LastResult != h.lastRes
	h.last = st
	if newResult {
		h.lastRes = st.LastResult
	}
	h.mu.Unlock()

	if stateChanged {
		h.server.Broadcast(h.message(MessageTypeStatus, statusData(st)))
	}
	if newResult {
		r := st.LastResult
		h.logger.Printf("Sync complete: %s", r)
		h.server.Broadcast(h.message(MessageTypeSyncComplete, SyncCompleteData{
			Outcome:  string(r.Outcome),
			Pushed:   r.Pushed,
			Pulled:   r.Pulled,
			Deleted:  r.Deleted,
			Failed:   len(r.Failures),
			Duration: r.Duration(),
		}))
		h.broadcastStats()
	}
}

// Stats computes statistics from the repository.
func (h *Handler) Stats() StatsData {
	tasks := h.repo.List()
	principal := h.repo.Principal()

	stats := StatsData{
		Total:          len(tasks),
		ByStatus:       make(map[string]int),
		PendingDeletes: len(h.repo.PendingDeletes()),
	}
	for _, t := range tasks {
		stats.ByStatus[string(t.Status)]++
		if t.Status == task.StatusInProgress {
			stats.InProgress++
		}
		if principal == "" || t.OwnerID != principal {
			stats.Unsynced++
		}
	}
	return stats
}

func (h *Handler) broadcastTask(action string, t task.Task) {
	h.server.Broadcast(h.message(MessageTypeTaskUpdate, TaskUpdateData{
		TaskID:   t.ID,
		Action:   action,
		Status:   string(t.Status),
		Title:    t.Title,
		Priority: string(t.Priority),
	}))
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.message(MessageTypeStats, h.Stats()))
}

func (h *Handler) message(typ MessageType, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}
}

func statusData(st reconcile.Status) StatusData {
	out := StatusData{State: string(st.State), Online: st.Online}
	if !st.LastSync.IsZero() {
		at := st.LastSync
		out.LastSync = &at
	}
	if st.LastError != nil {
		out.LastError = st.LastError.Error()
	}
	return out
}
