package gateway

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskify/tasksync/internal/connectivity"
	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/remote"
	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

const principal = "u1"

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	repo    *store.Repository
	remote  *remote.MemoryStore
	monitor *connectivity.Manual
	gw      *Gateway
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		repo:    store.New(store.NewFilePersister(filepath.Join(t.TempDir(), "state.json")), quiet),
		remote:  remote.NewMemoryStore(),
		monitor: connectivity.NewManual(online),
	}
	require.NoError(t, f.repo.Load(ctx))
	f.repo.SetPrincipal(ctx, principal)

	f.gw = New(f.repo, f.remote, Config{
		Monitor:      f.monitor,
		RetryDeletes: true,
		Logger:       quiet,
	})
	t.Cleanup(f.gw.Close)
	return f
}

func wait(t *testing.T, rep *Replication) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-rep.Done():
	case <-ctx.Done():
		t.Fatal("replication did not complete")
	}
	return rep.Err()
}

func TestCreateTask_ReplicatesWhenOnline(t *testing.T) {
	f := setup(t, true)

	created, rep, err := f.gw.CreateTask(context.Background(), Draft{Title: "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusTodo, created.Status)
	assert.Equal(t, task.PriorityMedium, created.Priority)
	assert.False(t, created.UpdatedAt.IsZero())

	require.NoError(t, wait(t, rep))
	assert.False(t, rep.Skipped())

	got, err := f.remote.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, principal, got.OwnerID)
	assert.True(t, got.UpdatedAt.Equal(created.UpdatedAt))

	local, _ := f.repo.Get(created.ID)
	assert.Equal(t, principal, local.OwnerID)
}

func TestCreateTask_RejectsInvalid(t *testing.T) {
	f := setup(t, true)
	_, _, err := f.gw.CreateTask(context.Background(), Draft{})
	assert.ErrorIs(t, err, task.ErrInvalid)
	assert.Equal(t, 0, f.repo.Len())
}

func TestCreateTask_OfflineIsPushedByNextPass(t *testing.T) {
	f := setup(t, false)
	f.remote.Fail = func(op, id string) error {
		t.Errorf("unexpected remote %s while offline", op)
		return nil
	}

	created, rep, err := f.gw.CreateTask(context.Background(), Draft{Title: "X"})
	require.NoError(t, err)

	list := f.repo.List()
	require.Len(t, list, 1)
	assert.Equal(t, "X", list[0].Title)
	assert.Equal(t, task.StatusTodo, list[0].Status)

	assert.True(t, rep.Skipped())
	assert.ErrorIs(t, rep.Err(), ErrOffline)
	assert.Equal(t, 0, f.remote.Len())

	// Connectivity returns: the next pass pushes it.
	f.remote.Fail = nil
	f.monitor.Set(true)
	engine := reconcile.New(f.repo, f.remote, reconcile.Config{RetryDeletes: true, Logger: quiet})
	res, err := engine.Run(context.Background(), principal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	_, err = f.remote.Get(context.Background(), created.ID)
	assert.NoError(t, err)
}

func TestMutations_VisibleLocallyWhateverTheRemote(t *testing.T) {
	for _, online := range []bool{true, false} {
		f := setup(t, online)
		// A failing remote must not change what List shows.
		f.remote.Fail = func(op, id string) error { return remote.ErrUnavailable }
		ctx := context.Background()

		created, rep1, err := f.gw.CreateTask(ctx, Draft{Title: "first"})
		require.NoError(t, err)
		assert.Len(t, f.repo.List(), 1)

		_, rep2, err := f.gw.UpdateTask(ctx, created.ID, task.Patch{Title: task.Ptr("renamed")})
		require.NoError(t, err)
		got, _ := f.repo.Get(created.ID)
		assert.Equal(t, "renamed", got.Title)

		rep3, err := f.gw.DeleteTask(ctx, created.ID)
		require.NoError(t, err)
		assert.Empty(t, f.repo.List())

		for _, rep := range []*Replication{rep1, rep2, rep3} {
			assert.Error(t, wait(t, rep), "online=%v", online)
		}
		// Local state survives the failed replication.
		assert.Empty(t, f.repo.List())
		assert.Equal(t, []string{created.ID}, f.repo.PendingDeletes())
	}
}

func TestUpdateTask_StampsStrictlyIncreasing(t *testing.T) {
	f := setup(t, false)
	fixed := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	f.gw.now = func() time.Time { return fixed }

	created, _, err := f.gw.CreateTask(context.Background(), Draft{Title: "x"})
	require.NoError(t, err)

	prev := created.UpdatedAt
	for i := 0; i < 3; i++ {
		updated, _, err := f.gw.UpdateTask(context.Background(), created.ID, task.Patch{Description: task.Ptr("d")})
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(prev), "updatedAt must move forward with a stalled clock")
		prev = updated.UpdatedAt
	}
}

func TestUpdateTask_FallsBackToUpsertWhenRemoteMissing(t *testing.T) {
	f := setup(t, false)
	created, _, err := f.gw.CreateTask(context.Background(), Draft{Title: "never pushed"})
	require.NoError(t, err)

	f.monitor.Set(true)
	updated, rep, err := f.gw.UpdateTask(context.Background(), created.ID, task.Patch{Title: task.Ptr("pushed")})
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	got, err := f.remote.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "pushed", got.Title)
	assert.True(t, got.UpdatedAt.Equal(updated.UpdatedAt))
}

func TestUpdateTask_WritesRemote(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	created, rep, err := f.gw.CreateTask(ctx, Draft{Title: "x"})
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	updated, rep, err := f.gw.SetStatus(ctx, created.ID, task.StatusDone)
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))
	require.NotNil(t, updated.CompletedAt)

	got, err := f.remote.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(*updated.CompletedAt))
	assert.True(t, got.UpdatedAt.Equal(updated.UpdatedAt))
}

func TestUpdateTask_UnknownID(t *testing.T) {
	f := setup(t, true)
	_, _, err := f.gw.UpdateTask(context.Background(), "missing", task.Patch{Title: task.Ptr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.gw.DeleteTask(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteTask_OnlineClearsOutbox(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	created, rep, err := f.gw.CreateTask(ctx, Draft{Title: "x"})
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	rep, err = f.gw.DeleteTask(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	_, err = f.remote.Get(ctx, created.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Empty(t, f.repo.PendingDeletes())
}

func TestDeleteTask_OfflineIsReplayedByNextPass(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	created, rep, err := f.gw.CreateTask(ctx, Draft{Title: "t3"})
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	f.monitor.Set(false)
	rep, err = f.gw.DeleteTask(ctx, created.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, rep.Err(), ErrOffline)
	assert.Equal(t, []string{created.ID}, f.repo.PendingDeletes())

	f.monitor.Set(true)
	engine := reconcile.New(f.repo, f.remote, reconcile.Config{RetryDeletes: true, Logger: quiet})
	_, err = engine.Run(ctx, principal)
	require.NoError(t, err)

	_, ok := f.repo.Get(created.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, f.remote.Len())
}

func TestUpdateTask_NewerRemoteCopyIsNotOverwritten(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	t10 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	shared := task.Task{ID: "shared", Title: "old", Description: "old", UpdatedAt: t10, OwnerID: principal}
	_, err := f.repo.ReplaceIfNewer(ctx, shared)
	require.NoError(t, err)

	// Another device edited the description at 11:00 and pushed it.
	theirs := shared
	theirs.Description = "from B"
	theirs.UpdatedAt = t10.Add(time.Hour)
	require.NoError(t, f.remote.Upsert(ctx, theirs))

	// This device's clock is behind: its edit is stamped 10:30.
	f.gw.now = func() time.Time { return t10.Add(30 * time.Minute) }
	_, rep, err := f.gw.UpdateTask(ctx, "shared", task.Patch{Title: task.Ptr("from A")})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, rep), ErrSuperseded)

	got, err := f.remote.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "old", got.Title, "remote must not take half of an older edit")
	assert.True(t, got.UpdatedAt.Equal(theirs.UpdatedAt), "remote updatedAt moved")

	engine := reconcile.New(f.repo, f.remote, reconcile.Config{RetryDeletes: true, Logger: quiet})
	_, err = engine.Run(ctx, principal)
	require.NoError(t, err)

	local, _ := f.repo.Get("shared")
	assert.Equal(t, "from B", local.Description)
	assert.Equal(t, "old", local.Title)
}

func TestUpdateTask_OlderRemoteCopyIsReplacedWhole(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	t10 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	shared := task.Task{ID: "shared", Title: "old", Description: "old", UpdatedAt: t10, OwnerID: principal}
	_, err := f.repo.ReplaceIfNewer(ctx, shared)
	require.NoError(t, err)

	theirs := shared
	theirs.Description = "from B"
	theirs.UpdatedAt = t10.Add(time.Hour)
	require.NoError(t, f.remote.Upsert(ctx, theirs))

	f.gw.now = func() time.Time { return t10.Add(2 * time.Hour) }
	updated, rep, err := f.gw.UpdateTask(ctx, "shared", task.Patch{Title: task.Ptr("from A")})
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	got, err := f.remote.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "from A", got.Title)
	assert.Equal(t, "old", got.Description, "the newer record wins as a whole")
	assert.True(t, got.UpdatedAt.Equal(updated.UpdatedAt))

	// Both sides now agree, so further passes change nothing.
	engine := reconcile.New(f.repo, f.remote, reconcile.Config{RetryDeletes: true, Logger: quiet})
	for i := 0; i < 3; i++ {
		res, err := engine.Run(ctx, principal)
		require.NoError(t, err)
		assert.Zero(t, res.Pushed+res.Pulled, "pass %d", i)
	}
	local, _ := f.repo.Get("shared")
	remoteCopy, err := f.remote.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, remoteCopy.Title, local.Title)
	assert.Equal(t, remoteCopy.Description, local.Description)
	assert.True(t, remoteCopy.UpdatedAt.Equal(local.UpdatedAt))
}

func TestMoveTask_ColumnChangeReplicatesPositionStaysLocal(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		created, rep, err := f.gw.CreateTask(ctx, Draft{Title: title, Status: task.StatusInProgress})
		require.NoError(t, err)
		require.NoError(t, wait(t, rep))
		ids = append(ids, created.ID)
	}
	todo, rep, err := f.gw.CreateTask(ctx, Draft{Title: "d"})
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))

	moved, rep, err := f.gw.MoveTask(ctx, todo.ID, task.StatusInProgress, 1)
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))
	assert.Equal(t, task.StatusInProgress, moved.Status)

	column := task.FilterByStatus(f.repo.List(), task.StatusInProgress)
	require.Len(t, column, 4)
	assert.Equal(t, []string{ids[0], todo.ID, ids[1], ids[2]}, []string{column[0].ID, column[1].ID, column[2].ID, column[3].ID})

	got, err := f.remote.Get(ctx, todo.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)

	// Reordering within the column has no remote half.
	before := moved.UpdatedAt
	again, rep, err := f.gw.MoveTask(ctx, todo.ID, task.StatusInProgress, 0)
	require.NoError(t, err)
	require.NoError(t, wait(t, rep))
	assert.False(t, rep.Skipped())
	assert.True(t, again.UpdatedAt.Equal(before))
	assert.Equal(t, todo.ID, task.FilterByStatus(f.repo.List(), task.StatusInProgress)[0].ID)

	_, _, err = f.gw.MoveTask(ctx, todo.ID, task.Status("LATER"), 0)
	assert.ErrorIs(t, err, task.ErrInvalid)
}

func TestClose_RejectsLaterCalls(t *testing.T) {
	f := setup(t, true)
	f.gw.Close()

	_, _, err := f.gw.CreateTask(context.Background(), Draft{Title: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}
