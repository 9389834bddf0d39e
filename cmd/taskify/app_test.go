package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskify/tasksync/internal/config"
	"github.com/taskify/tasksync/internal/gateway"
	"github.com/taskify/tasksync/internal/task"
)

func TestApp_RemindersRecordedOnTasks(t *testing.T) {
	c := newCLI(t)
	loaded, err := config.Load(c.config)
	require.NoError(t, err)
	ctx := context.Background()

	daemonSide, err := openApp(ctx, loaded, appOptions{quiet: true})
	require.NoError(t, err)
	stop := daemonSide.followReminders()
	defer func() {
		stop()
		_ = daemonSide.close()
	}()

	due := time.Now().Add(24 * time.Hour)
	created, _, err := daemonSide.gateway.CreateTask(ctx, gateway.Draft{Title: "Dentist", DueDate: &due})
	require.NoError(t, err)

	got, ok := daemonSide.repo.Get(created.ID)
	require.True(t, ok)
	assert.NotEmpty(t, got.NotificationID)
	assert.True(t, got.UpdatedAt.Equal(created.UpdatedAt), "recording the reminder is not an edit")

	// A second process sees the recorded id, and completing the task
	// there clears it once the daemon side catches up.
	cliSide, err := openApp(ctx, loaded, appOptions{quiet: true})
	require.NoError(t, err)
	seen, ok := cliSide.repo.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, got.NotificationID, seen.NotificationID)

	_, _, err = cliSide.gateway.SetStatus(ctx, created.ID, task.StatusDone)
	require.NoError(t, err)
	require.NoError(t, cliSide.close())

	_, err = daemonSide.repo.Reload(ctx)
	require.NoError(t, err)
	done, _ := daemonSide.repo.Get(created.ID)
	assert.Equal(t, task.StatusDone, done.Status)
	assert.Empty(t, done.NotificationID)
}
