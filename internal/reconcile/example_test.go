package reconcile_test

import (
	"fmt"
	"time"

	"github.com/taskify/tasksync/internal/reconcile"
	"github.com/taskify/tasksync/internal/task"
)

// This example shows how a pass is planned: the newer copy of each task
// wins, and a task known on only one side is copied to the other.
func ExamplePlan() {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	local := []task.Task{
		{ID: "draft", Title: "Written offline", UpdatedAt: t0},
		{ID: "shared", Title: "Edited here later", UpdatedAt: t0.Add(time.Hour), OwnerID: "alice"},
	}
	remote := []task.Task{
		{ID: "shared", Title: "Edited elsewhere", UpdatedAt: t0, OwnerID: "alice"},
		{ID: "phone", Title: "Added on the phone", UpdatedAt: t0, OwnerID: "alice"},
	}

	for _, a := range reconcile.Plan(local, remote, "alice", nil) {
		fmt.Println(a.Kind, a.TaskID())
	}
	// Output:
	// push-create draft
	// push-update shared
	// pull-create phone
}
