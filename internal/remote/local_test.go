package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskify/tasksync/internal/task"
)

var quiet = log.New(io.Discard, "", 0)

func recvSnapshot(t *testing.T, ch <-chan []task.Task) []task.Task {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestLocal_AuthenticateIsStable(t *testing.T) {
	ctx := context.Background()

	anon := NewLocal(NewMemoryStore(), "", quiet)
	first, err := anon.Authenticate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := anon.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fixed := NewLocal(NewMemoryStore(), "user-1", quiet)
	p, err := fixed.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p)
}

func TestLocal_SubscribeDeliversInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, newTask("t1", "u1", base)))

	c := NewLocal(store, "u1", quiet)
	defer c.Close()

	ch := make(chan []task.Task, 8)
	cancel, err := c.Subscribe(ctx, "u1", func(s []task.Task) { ch <- s })
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, []string{"t1"}, taskIDs(recvSnapshot(t, ch)))
}

func TestLocal_SubscribeSeesWrites(t *testing.T) {
	ctx := context.Background()
	c := NewLocal(NewMemoryStore(), "u1", quiet)
	defer c.Close()

	ch := make(chan []task.Task, 8)
	cancel, err := c.Subscribe(ctx, "u1", func(s []task.Task) { ch <- s })
	require.NoError(t, err)
	defer cancel()

	assert.Empty(t, recvSnapshot(t, ch))

	require.NoError(t, c.Upsert(ctx, newTask("t1", "u1", base)))
	assert.Equal(t, []string{"t1"}, taskIDs(recvSnapshot(t, ch)))

	require.NoError(t, c.Patch(ctx, "t1", task.Patch{Title: task.Ptr("renamed")}))
	snap := recvSnapshot(t, ch)
	require.Len(t, snap, 1)
	assert.Equal(t, "renamed", snap[0].Title)

	require.NoError(t, c.Delete(ctx, "t1"))
	assert.Empty(t, recvSnapshot(t, ch))
}

func TestLocal_SubscriptionsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	c := NewLocal(NewMemoryStore(), "u1", quiet)
	defer c.Close()

	ch := make(chan []task.Task, 8)
	cancel, err := c.Subscribe(ctx, "u1", func(s []task.Task) { ch <- s })
	require.NoError(t, err)
	defer cancel()
	recvSnapshot(t, ch)

	require.NoError(t, c.Upsert(ctx, newTask("other", "u2", base)))

	select {
	case s := <-ch:
		t.Fatalf("u1 received a snapshot for u2's write: %v", taskIDs(s))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocal_CancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	c := NewLocal(NewMemoryStore(), "u1", quiet)
	defer c.Close()

	ch := make(chan []task.Task, 8)
	cancel, err := c.Subscribe(ctx, "u1", func(s []task.Task) { ch <- s })
	require.NoError(t, err)
	recvSnapshot(t, ch)

	cancel()
	assert.Equal(t, 0, c.Hub().Subscribers("u1"))

	require.NoError(t, c.Upsert(ctx, newTask("t1", "u1", base)))
	select {
	case <-ch:
		t.Fatal("snapshot delivered after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_RejectsEmptyOwnerAndClosed(t *testing.T) {
	h := NewHub(NewMemoryStore(), quiet)

	_, err := h.Subscribe(context.Background(), "", func([]task.Task) {})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	h.Close()
	_, err = h.Subscribe(context.Background(), "u1", func([]task.Task) {})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthenticated},
		{http.StatusForbidden, ErrUnauthenticated},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusUnprocessableEntity, ErrRejected},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, tt := range tests {
		if err := statusError(tt.code, ""); !errors.Is(err, tt.want) {
			t.Errorf("statusError(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrNotFound, http.StatusNotFound},
		{ErrUnauthenticated, http.StatusForbidden},
		{ErrRejected, http.StatusUnprocessableEntity},
		{task.ErrInvalid, http.StatusUnprocessableEntity},
		{ErrUnavailable, http.StatusInternalServerError},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestNewHTTPClient_ValidatesURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: "http://localhost:8787/", Principal: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Principal())
}
