package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

var quiet = log.New(io.Discard, "", 0)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: quiet})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestMultipleClientsReceiveBroadcast(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		clients[i] = dial(t, ctx, server)
	}
	waitForClients(t, server, numClients)

	server.Broadcast(Message{Type: MessageTypeStats, Data: json.RawMessage(`{"total":1}`)})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeStats {
			t.Errorf("client %d: expected %s, got %s", i, MessageTypeStats, msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("client %d: timestamp not set", i)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	waitForClients(t, server, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}

type handlerFixture struct {
	server  *Server
	repo    *store.Repository
	status  *reconcile.StatusTracker
	handler *Handler
}

func setupHandler(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{server: startServer(t)}
	f.repo = store.New(store.NewFilePersister(filepath.Join(t.TempDir(), "state.json")), quiet)
	if err := f.repo.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.status = reconcile.NewStatusTracker()
	f.handler = NewHandler(f.server, f.repo, f.status, quiet)
	f.handler.Attach()
	t.Cleanup(f.handler.Detach)
	return f
}

func TestHandler_WelcomeCarriesStatusAndStats(t *testing.T) {
	f := setupHandler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.repo.Add(ctx, task.Task{Title: "a", Status: task.StatusInProgress}); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, ctx, f.server)

	first := readMessage(t, ctx, conn)
	if first.Type != MessageTypeStatus {
		t.Fatalf("Expected %s first, got %s", MessageTypeStatus, first.Type)
	}
	var st StatusData
	if err := json.Unmarshal(first.Data, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != string(reconcile.StateOffline) {
		t.Errorf("Expected offline, got %s", st.State)
	}

	second := readMessage(t, ctx, conn)
	if second.Type != MessageTypeStats {
		t.Fatalf("Expected %s second, got %s", MessageTypeStats, second.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(second.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.InProgress != 1 || stats.Unsynced != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestHandler_BroadcastsTaskChanges(t *testing.T) {
	f := setupHandler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, f.server)
	readMessage(t, ctx, conn) // status
	readMessage(t, ctx, conn) // stats
	waitForClients(t, f.server, 1)

	added, err := f.repo.Add(ctx, task.Task{Title: "Buy milk"})
	if err != nil {
		t.Fatal(err)
	}

	msg := readUntil(t, ctx, conn, MessageTypeTaskUpdate)
	var data TaskUpdateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.TaskID != added.ID || data.Action != "created" || data.Title != "Buy milk" {
		t.Errorf("Unexpected task update: %+v", data)
	}

	f.repo.Remove(ctx, added.ID)
	msg = readUntil(t, ctx, conn, MessageTypeTaskUpdate)
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Action != "deleted" {
		t.Errorf("Expected deleted, got %s", data.Action)
	}
}

func TestHandler_BroadcastsSyncComplete(t *testing.T) {
	f := setupHandler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, f.server)
	readMessage(t, ctx, conn)
	readMessage(t, ctx, conn)
	waitForClients(t, f.server, 1)

	if _, err := f.repo.Add(ctx, task.Task{Title: "to push"}); err != nil {
		t.Fatal(err)
	}
	f.status.SetOnline(true)
	engine := reconcile.New(f.repo, remote.NewMemoryStore(), reconcile.Config{Status: f.status, Logger: quiet})
	if _, err := engine.Run(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	msg := readUntil(t, ctx, conn, MessageTypeSyncComplete)
	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Outcome != string(reconcile.OutcomeSuccess) || data.Pushed != 1 {
		t.Errorf("Unexpected sync data: %+v", data)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial(t, ctx, server)
	waitForClients(t, server, 1)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+server.GetAddr()+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["clients"] != float64(1) {
		t.Errorf("Unexpected health body: %v", body)
	}
}
