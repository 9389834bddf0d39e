// Package reconcile implements the bidirectional sync pass between the
// local task repository and the remote document store.
//
// A pass is split in two halves:
//
//   - Plan is a pure function comparing the two task sets and returning
//     the actions to take. It performs no I/O.
//   - Engine executes a plan: remote writes for pushes, repository writes
//     for pulls, each task independently and best-effort.
//
// Conflicts are resolved by whole-record last-write-wins on UpdatedAt.
// Equal timestamps mean no action. A task present on only one side is
// always treated as created on that side and propagated, never as deleted
// on the other; deletions reach the remote store through the gateway's
// explicit delete and the pending-delete replay at the start of a pass.
package reconcile

import (
	"github.com/taskify/tasksync/internal/task"
)

// Kind is what an Action does.
type Kind string

const (
	// PushCreate writes a local-only task to the remote store.
	PushCreate Kind = "push-create"

	// PushUpdate overwrites an older remote copy with the local one.
	PushUpdate Kind = "push-update"

	// PullCreate inserts a remote-only task locally.
	PullCreate Kind = "pull-create"

	// PullUpdate overwrites an older local copy with the remote one.
	PullUpdate Kind = "pull-update"
)

// IsPush reports whether k writes to the remote store.
func (k Kind) IsPush() bool {
	return k == PushCreate || k == PushUpdate
}

// Action is one step of a pass.
type Action struct {
	Kind Kind

	// Local is the local copy the action was planned from, nil for
	// PullCreate.
	Local *task.Task

	// Remote is the remote copy, nil for PushCreate.
	Remote *task.Task
}

// TaskID returns the id of the task the action is about.
func (a Action) TaskID() string {
	if a.Local != nil {
		return a.Local.ID
	}
	return a.Remote.ID
}

// Plan compares local and remote and returns the actions of one pass.
//
// Local tasks already owned by a different principal are left alone, as
// are remote tasks of other owners. Remote tasks whose id is in skip are
// not pulled; this keeps a task whose delete is still pending from
// reappearing locally.
//
// Actions are ordered: pushes in local order, then pulls in remote order.
func Plan(local, remote []task.Task, principal string, skip map[string]bool) []Action {
	remoteByID := make(map[string]int, len(remote))
	for i, r := range remote {
		if r.OwnerID != "" && r.OwnerID != principal {
			continue
		}
		remoteByID[r.ID] = i
	}

	localByID := make(map[string]int, len(local))
	foreign := make(map[string]bool)
	var actions []Action

	for i := range local {
		l := local[i]
		if l.OwnerID != "" && l.OwnerID != principal {
			foreign[l.ID] = true
			continue
		}
		localByID[l.ID] = i

		j, ok := remoteByID[l.ID]
		if !ok {
			actions = append(actions, Action{Kind: PushCreate, Local: &local[i]})
			continue
		}
		if l.NewerThan(remote[j]) {
			actions = append(actions, Action{Kind: PushUpdate, Local: &local[i], Remote: &remote[j]})
		}
	}

	for j := range remote {
		r := remote[j]
		if idx, ok := remoteByID[r.ID]; !ok || idx != j {
			continue
		}
		if skip[r.ID] || foreign[r.ID] {
			continue
		}

		i, ok := localByID[r.ID]
		if !ok {
			actions = append(actions, Action{Kind: PullCreate, Remote: &remote[j]})
			continue
		}
		if r.NewerThan(local[i]) {
			actions = append(actions, Action{Kind: PullUpdate, Local: &local[i], Remote: &remote[j]})
		}
	}

	return actions
}
