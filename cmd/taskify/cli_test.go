package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskify/tasksync/internal/task"
)

// resetFlags restores every flag to its default so consecutive Execute
// calls do not leak state into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type cli struct {
	t      *testing.T
	config string
	dir    string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  path: " + filepath.Join(dir, "tasks.json") + "\nremote:\n  backend: none\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return &cli{t: t, config: path, dir: dir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	resetFlags(rootCmd)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--config", c.config, "--no-color"}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func (c *cli) listJSON(args ...string) []task.Task {
	c.t.Helper()
	out := c.mustRun(append([]string{"list", "--format", "json"}, args...)...)
	var tasks []task.Task
	require.NoError(c.t, json.Unmarshal([]byte(out), &tasks), out)
	return tasks
}

func TestCLI_TaskLifecycle(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("add", "Buy milk", "--priority", "high", "--due", "2030-01-02 09:00")
	assert.Contains(t, out, "Created")
	assert.Contains(t, out, "saved locally", "no remote configured")

	c.mustRun("add", "Write report", "-d", "quarterly numbers")

	tasks := c.listJSON()
	require.Len(t, tasks, 2)
	assert.Equal(t, "Buy milk", tasks[0].Title, "board order is creation order")
	assert.Equal(t, task.PriorityHigh, tasks[0].Priority)
	milk := tasks[0].ID

	table := c.mustRun("list")
	assert.Contains(t, table, "Buy milk")
	assert.Contains(t, table, "Write report")
	assert.Contains(t, table, milk[:8]+"*", "unpushed tasks are marked")

	out = c.mustRun("done", milk[:8])
	assert.Contains(t, out, "DONE")

	done := c.listJSON("--status", "done")
	require.Len(t, done, 1)
	assert.Equal(t, milk, done[0].ID)
	assert.NotNil(t, done[0].CompletedAt)

	c.mustRun("update", milk, "--title", "Buy oat milk", "--clear-due")
	detail := c.mustRun("show", milk)
	assert.Contains(t, detail, "Buy oat milk")
	assert.NotContains(t, detail, "2030")

	c.mustRun("move", milk, "in_progress")
	assert.Empty(t, c.listJSON("--status", "done"))

	c.mustRun("rm", milk)
	remaining := c.listJSON()
	require.Len(t, remaining, 1)
	assert.Equal(t, "Write report", remaining[0].Title)

	status := c.mustRun("status")
	assert.Contains(t, status, "offline")
	assert.Contains(t, status, "Pending deletes: 1")
}

func TestCLI_Errors(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("add")
	assert.ErrorContains(t, err, "title is required")

	_, err = c.run("add", "x", "--priority", "urgent")
	assert.Error(t, err)

	_, err = c.run("done", "missing")
	assert.Error(t, err)

	c.mustRun("add", "Something")
	id := c.listJSON()[0].ID
	_, err = c.run("update", id)
	assert.ErrorContains(t, err, "nothing to update")
}

func TestCLI_SyncOffline(t *testing.T) {
	c := newCLI(t)
	c.mustRun("add", "Offline task")

	out := c.mustRun("sync")
	assert.Contains(t, out, "Offline")
	assert.Contains(t, out, "1 local change")
}

func TestCLI_ExportImport(t *testing.T) {
	c := newCLI(t)
	c.mustRun("add", "First")
	c.mustRun("add", "Second", "--status", "in_progress")

	yamlOut := c.mustRun("export", "--format", "yaml")
	assert.Contains(t, yamlOut, "tasks:")
	assert.Contains(t, yamlOut, "Second")

	path := filepath.Join(c.dir, "backup.jsonl")
	out := c.mustRun("export", path)
	assert.Contains(t, out, "Exported 2 task(s)")

	other := newCLI(t)
	out = other.mustRun("import", path, "--dry-run")
	assert.Contains(t, out, "Would import: 2 added")
	assert.Empty(t, other.listJSON())

	out = other.mustRun("import", path)
	assert.Contains(t, out, "Imported: 2 added")
	got := other.listJSON()
	require.Len(t, got, 2)
	for _, tk := range got {
		assert.Empty(t, tk.OwnerID)
	}
	assert.True(t, strings.Contains(other.mustRun("list"), "Second"))
}

func TestCLI_BoardOrder(t *testing.T) {
	c := newCLI(t)
	for _, title := range []string{"one", "two", "three"} {
		c.mustRun("add", title)
	}
	titles := func() []string {
		var out []string
		for _, tk := range c.listJSON("--status", "todo") {
			out = append(out, tk.Title)
		}
		return out
	}
	byTitle := func(title string) string {
		for _, tk := range c.listJSON() {
			if tk.Title == title {
				return tk.ID
			}
		}
		t.Fatalf("no task %q", title)
		return ""
	}

	c.mustRun("move", byTitle("three"), "todo", "--index", "0")
	assert.Equal(t, []string{"three", "one", "two"}, titles())

	c.mustRun("reorder", "todo", "2", "1")
	assert.Equal(t, []string{"three", "two", "one"}, titles())

	_, err := c.run("reorder", "todo", "7", "0")
	assert.Error(t, err)

	// Leaving the column puts the task at the end of the new one.
	c.mustRun("move", byTitle("two"), "done")
	c.mustRun("move", byTitle("two"), "todo", "--index", "1")
	assert.Equal(t, []string{"three", "two", "one"}, titles())
}
