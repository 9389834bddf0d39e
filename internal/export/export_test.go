package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func sample() []task.Task {
	due := t0.Add(48 * time.Hour)
	done := t0.Add(time.Hour)
	return []task.Task{
		{
			ID: "t1", Title: "Buy milk", Priority: task.PriorityHigh, Status: task.StatusTodo,
			DueDate: &due, CreatedAt: t0, UpdatedAt: t0, OwnerID: "u1", NotificationID: "n1",
		},
		{
			ID: "t2", Title: "Ship it", Description: "release notes too", Priority: task.PriorityLow,
			Status: task.StatusDone, CreatedAt: t0, UpdatedAt: done, CompletedAt: &done,
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"json": FormatJSON, ".JSON": FormatJSON, "ndjson": FormatJSONL,
		"yml": FormatYAML, "yaml": FormatYAML, "toml": FormatTOML,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sample()))

	var got []task.Task
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "Buy milk", got[0].Title)
	assert.Empty(t, got[0].NotificationID, "device-local handle must not be exported")
	assert.NotContains(t, buf.String(), "notificationId")
}

func TestWrite_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatYAML, sample()))

	var doc document
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, task.StatusDone, doc.Tasks[1].Status)
	require.NotNil(t, doc.Tasks[1].CompletedAt)
	assert.True(t, doc.Tasks[1].CompletedAt.Equal(t0.Add(time.Hour)))
}

func TestWrite_TOML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTOML, sample()))
	assert.Contains(t, buf.String(), "[[tasks]]")

	var doc document
	_, err := toml.Decode(buf.String(), &doc)
	require.NoError(t, err)
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, "release notes too", doc.Tasks[1].Description)
	require.NotNil(t, doc.Tasks[0].DueDate)
}

func TestWriteFile_ThenReadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "tasks.jsonl")
	require.NoError(t, WriteFile(path, FormatJSONL, sample()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file left behind")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	tasks, res, err := ReadJSONL(f, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Read)
	assert.Empty(t, res.Errors)
	require.Len(t, tasks, 2)
	assert.Empty(t, tasks[0].OwnerID, "ownership is not imported")
	assert.Equal(t, "Buy milk", tasks[0].Title)
}

func TestReadJSONL_ReportsBadLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a","title":"ok"}`,
		``,
		`{not json`,
		`{"id":"b","title":""}`,
		`{"title":"no id gets one"}`,
	}, "\n")

	tasks, res, err := ReadJSONL(strings.NewReader(input), t0)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Read)
	assert.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "line 3")
	assert.Contains(t, res.Errors[1], "line 4")

	require.Len(t, tasks, 2)
	assert.Equal(t, task.StatusTodo, tasks[0].Status)
	assert.Equal(t, task.PriorityMedium, tasks[0].Priority)
	assert.True(t, tasks[0].CreatedAt.Equal(t0))
	assert.True(t, tasks[0].UpdatedAt.Equal(t0))
	assert.NotEmpty(t, tasks[1].ID)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	repo := store.New(store.NewFilePersister(filepath.Join(t.TempDir(), "state.json")), log.New(io.Discard, "", 0))
	require.NoError(t, repo.Load(ctx))

	_, err := repo.Add(ctx, task.Task{ID: "old", Title: "old copy", CreatedAt: t0, UpdatedAt: t0, OwnerID: "u1"})
	require.NoError(t, err)
	_, err = repo.Add(ctx, task.Task{ID: "fresh", Title: "local wins", CreatedAt: t0, UpdatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	incoming := []task.Task{
		{ID: "old", Title: "imported copy", Priority: task.PriorityLow, Status: task.StatusTodo, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)},
		{ID: "fresh", Title: "stale import", Priority: task.PriorityLow, Status: task.StatusTodo, CreatedAt: t0, UpdatedAt: t0},
		{ID: "new", Title: "brand new", Priority: task.PriorityLow, Status: task.StatusTodo, CreatedAt: t0, UpdatedAt: t0},
	}

	dry := &ImportResult{}
	require.NoError(t, Import(ctx, repo, incoming, dry, true))
	assert.Equal(t, ImportResult{Added: 1, Updated: 1, Skipped: 1}, *dry)
	assert.Equal(t, 2, repo.Len(), "dry run must not write")

	res := &ImportResult{}
	require.NoError(t, Import(ctx, repo, incoming, res, false))
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)

	old, _ := repo.Get("old")
	assert.Equal(t, "imported copy", old.Title)
	assert.Equal(t, "u1", old.OwnerID, "local ownership is kept")
	fresh, _ := repo.Get("fresh")
	assert.Equal(t, "local wins", fresh.Title)
}
