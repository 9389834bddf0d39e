// Package server exposes a remote.Store over HTTP so that devices running
// taskify can sync against it.
//
// Routes:
//
//	POST   /v1/auth                       issue an anonymous principal
//	GET    /v1/owners/{owner}/tasks       all tasks of owner
//	GET    /v1/owners/{owner}/subscribe   websocket, one JSON array per snapshot
//	GET    /v1/tasks/{id}                 one task
//	PUT    /v1/tasks/{id}                 upsert the full task
//	PATCH  /v1/tasks/{id}                 merge a partial update
//	DELETE /v1/tasks/{id}                 delete (idempotent)
//	GET    /health                        liveness
//
// Every /v1 route except /v1/auth requires the caller's principal in the
// X-Taskify-Principal header, and callers only see their own tasks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/task"
)

// Server serves a remote store over HTTP and websockets.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	client   *remote.Local

	// Subscription connection management
	conns   map[*websocket.Conn]bool
	connsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// Store holding the tasks (default: in-memory store)
	Store remote.Store

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8787",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// New creates a server. Call Start to begin listening, or use Handler
// directly.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Store == nil {
		config.Store = remote.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:   config.Addr,
		client: remote.NewLocal(config.Store, "", config.Logger),
		conns:  make(map[*websocket.Conn]bool),
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth", s.handleAuth)
	mux.HandleFunc("GET /v1/owners/{owner}/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/owners/{owner}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /v1/tasks/{id}", s.handleUpsertTask)
	mux.HandleFunc("PATCH /v1/tasks/{id}", s.handlePatchTask)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins the HTTP server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Remote server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Stopping remote server")

	s.cancel()
	_ = s.client.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Remote server stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SubscriberCount returns the number of open subscription connections.
func (s *Server) SubscriberCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	principal := r.Header.Get(remote.PrincipalHeader)
	if principal == "" {
		principal = uuid.NewString()
		s.logger.Printf("Issued anonymous principal %s", principal)
	}
	writeJSON(w, http.StatusOK, remote.AuthResponse{Principal: principal})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authorize(w, r, r.PathValue("owner"))
	if !ok {
		return
	}

	tasks, err := s.client.FetchAllForOwner(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, "")
	if !ok {
		return
	}

	t, err := s.client.Get(r.Context(), r.PathValue("id"))
	if err == nil && t.OwnerID != principal {
		err = fmt.Errorf("%w: %s", remote.ErrNotFound, r.PathValue("id"))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, "")
	if !ok {
		return
	}

	var t task.Task
	if err := decodeBody(r, &t); err != nil {
		s.writeError(w, err)
		return
	}
	if t.ID != r.PathValue("id") {
		s.writeError(w, fmt.Errorf("%w: body id %q does not match path", remote.ErrRejected, t.ID))
		return
	}
	if t.OwnerID != principal {
		s.writeError(w, fmt.Errorf("%w: cannot write a task owned by %q", remote.ErrUnauthenticated, t.OwnerID))
		return
	}
	if err := s.ownedOrAbsent(r.Context(), t.ID, principal); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.client.Upsert(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, "")
	if !ok {
		return
	}

	var p task.Patch
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}

	id := r.PathValue("id")
	cur, err := s.client.Get(r.Context(), id)
	if err == nil && cur.OwnerID != principal {
		err = fmt.Errorf("%w: %s", remote.ErrNotFound, id)
	}
	if err == nil {
		err = s.client.Patch(r.Context(), id, p)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, "")
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := s.ownedOrAbsent(r.Context(), id, principal); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.client.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribe upgrades to a websocket and streams snapshots of the
// owner's tasks until either side closes.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authorize(w, r, r.PathValue("owner"))
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.connsMu.Lock()
	s.conns[conn] = true
	count := len(s.conns)
	s.connsMu.Unlock()
	s.logger.Printf("Subscriber connected for %s (total: %d)", owner, count)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stop, err := s.client.Subscribe(ctx, owner, func(snapshot []task.Task) {
		writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer writeCancel()
		if err := wsjson.Write(writeCtx, conn, snapshot); err != nil {
			s.logger.Printf("Failed to send snapshot to %s: %v", owner, err)
			cancel()
		}
	})
	if err != nil {
		s.logger.Printf("Subscribe failed for %s: %v", owner, err)
		s.removeConn(conn, websocket.StatusInternalError)
		return
	}
	defer stop()

	// Clients never send anything; reading detects disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	<-ctx.Done()
	s.removeConn(conn, websocket.StatusNormalClosure)
}

func (s *Server) removeConn(conn *websocket.Conn, code websocket.StatusCode) {
	s.connsMu.Lock()
	if _, exists := s.conns[conn]; !exists {
		s.connsMu.Unlock()
		return
	}
	delete(s.conns, conn)
	count := len(s.conns)
	s.connsMu.Unlock()

	_ = conn.Close(code, "")
	s.logger.Printf("Subscriber disconnected (total: %d)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.SubscriberCount(),
	})
}

// authorize checks the principal header. If owner is non-empty it must
// match the principal. It returns the principal.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, owner string) (string, bool) {
	principal := r.Header.Get(remote.PrincipalHeader)
	if principal == "" {
		writeJSON(w, http.StatusUnauthorized, remote.ErrorResponse{Error: "missing " + remote.PrincipalHeader})
		return "", false
	}
	if owner != "" && owner != principal {
		writeJSON(w, http.StatusForbidden, remote.ErrorResponse{Error: "cannot access another owner's tasks"})
		return "", false
	}
	return principal, true
}

// ownedOrAbsent fails if id exists and belongs to someone else.
func (s *Server) ownedOrAbsent(ctx context.Context, id, principal string) error {
	cur, err := s.client.Get(ctx, id)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return nil
	case err != nil:
		return err
	case cur.OwnerID != principal:
		return fmt.Errorf("%w: task %s belongs to another owner", remote.ErrUnauthenticated, id)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := remote.StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Printf("Request failed: %v", err)
	}
	writeJSON(w, code, remote.ErrorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", remote.ErrRejected, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
