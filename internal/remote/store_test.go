package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskify/tasksync/internal/task"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTask(id, owner string, updated time.Time) task.Task {
	return task.Task{
		ID:        id,
		Title:     "task " + id,
		Priority:  task.PriorityMedium,
		Status:    task.StatusTodo,
		CreatedAt: base,
		UpdatedAt: updated,
		OwnerID:   owner,
	}
}

// testStoreContract runs the behavior every Store must share.
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("UpsertRequiresOwner", func(t *testing.T) {
		err := s.Upsert(ctx, newTask("no-owner", "", base))
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("UpsertRejectsInvalid", func(t *testing.T) {
		bad := newTask("bad", "u1", base)
		bad.Title = ""
		assert.ErrorIs(t, s.Upsert(ctx, bad), ErrRejected)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		in := newTask("t1", "u1", base.Add(time.Minute))
		in.NotificationID = "device-handle"
		due := base.Add(24 * time.Hour)
		in.DueDate = &due
		require.NoError(t, s.Upsert(ctx, in))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "", got.NotificationID, "notification handle must stay on the device")
		in.NotificationID = ""
		assert.True(t, in.Equal(got), "got %+v, want %+v", got, in)
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		in := newTask("t1", "u1", base.Add(2*time.Minute))
		in.Title = "renamed"
		require.NoError(t, s.Upsert(ctx, in))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Title)
		assert.True(t, got.UpdatedAt.Equal(in.UpdatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Patch", func(t *testing.T) {
		stamp := base.Add(3 * time.Minute)
		require.NoError(t, s.Patch(ctx, "t1", task.Patch{
			Status:    task.Ptr(task.StatusDone),
			UpdatedAt: &stamp,
		}))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusDone, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(stamp))
		assert.True(t, got.UpdatedAt.Equal(stamp))
		assert.Equal(t, "renamed", got.Title, "patch must leave other fields alone")
	})

	t.Run("PatchMissing", func(t *testing.T) {
		err := s.Patch(ctx, "missing", task.Patch{Title: task.Ptr("x")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PatchCannotChangeOwner", func(t *testing.T) {
		err := s.Patch(ctx, "t1", task.Patch{OwnerID: task.Ptr("u2")})
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("FetchAllForOwner", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, newTask("t2", "u1", base)))
		require.NoError(t, s.Upsert(ctx, newTask("t3", "u2", base)))

		mine, err := s.FetchAllForOwner(ctx, "u1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2"}, taskIDs(mine))

		none, err := s.FetchAllForOwner(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})

	t.Run("OwnerChangeMovesTask", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, newTask("t2", "u2", base.Add(time.Hour))))

		u1, err := s.FetchAllForOwner(ctx, "u1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1"}, taskIDs(u1))

		u2, err := s.FetchAllForOwner(ctx, "u2")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t2", "t3"}, taskIDs(u2))
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "t1"))
		require.NoError(t, s.Delete(ctx, "t1"))

		_, err := s.Get(ctx, "t1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func taskIDs(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestSQLStore(t *testing.T) {
	s, err := OpenSQL(context.Background(), filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	defer s.Close()

	testStoreContract(t, s)
}

func TestSQLStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "remote.db")

	s, err := OpenSQL(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, newTask("t1", "u1", base.Add(123*time.Millisecond))))
	require.NoError(t, s.Close())

	s, err = OpenSQL(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(base.Add(123*time.Millisecond)), "sub-second precision lost: %v", got.UpdatedAt)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TASKIFY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASKIFY_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	prefix := "taskify-test:" + task.NewID() + ":"
	s := NewRedisStore(client, prefix, nil)
	defer func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		s.Close()
	}()

	testStoreContract(t, s)

	t.Run("WatchReportsWrites", func(t *testing.T) {
		changed := make(chan struct{}, 4)
		stop, err := s.Watch(ctx, "watcher", func() { changed <- struct{}{} })
		require.NoError(t, err)
		defer stop()

		require.NoError(t, s.Upsert(ctx, newTask("w1", "watcher", base)))

		select {
		case <-changed:
		case <-time.After(2 * time.Second):
			t.Fatal("no change notification received")
		}
	})
}

func TestMemoryStore_Fail(t *testing.T) {
	s := NewMemoryStore()
	s.Fail = func(op, id string) error {
		if op == "upsert" && id == "boom" {
			return ErrUnavailable
		}
		return nil
	}

	ctx := context.Background()
	assert.ErrorIs(t, s.Upsert(ctx, newTask("boom", "u1", base)), ErrUnavailable)
	assert.NoError(t, s.Upsert(ctx, newTask("fine", "u1", base)))
	assert.Equal(t, 1, s.Len())
}
