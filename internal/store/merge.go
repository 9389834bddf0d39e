package store

import (
	"slices"

	"github.com/taskify/tasksync/internal/task"
)

// mergeState folds the state another process stored into ours. base is the
// stored state this process last read or wrote; ids that appear or vanish
// relative to it tell which side added or removed a task.
//
// A task present on both sides keeps the newer copy. A task missing on one
// side was removed there if base knew it, and added on the other side if
// not. Board order follows whichever side reordered since base.
func mergeState(base *State, mine State, stored *State) State {
	if stored == nil {
		return mine
	}
	if base == nil {
		base = &State{}
	}

	baseByID := byID(base.Tasks)
	storedByID := byID(stored.Tasks)
	mineByID := byID(mine.Tasks)

	keep := make(map[string]task.Task, len(mine.Tasks)+len(stored.Tasks))
	for _, t := range mine.Tasks {
		s, onDisk := storedByID[t.ID]
		b, known := baseByID[t.ID]
		switch {
		case onDisk:
			keep[t.ID] = pickCopy(t, s, b, known)
		case !known:
			keep[t.ID] = t
		}
	}
	for _, s := range stored.Tasks {
		if _, ok := mineByID[s.ID]; ok {
			continue
		}
		if _, known := baseByID[s.ID]; !known {
			keep[s.ID] = s
		}
	}

	first, second := stored.Tasks, mine.Tasks
	if reordered(base.Tasks, mine.Tasks) {
		first, second = mine.Tasks, stored.Tasks
	}
	out := State{Tasks: make([]task.Task, 0, len(keep))}
	for _, list := range [][]task.Task{first, second} {
		for _, t := range list {
			if k, ok := keep[t.ID]; ok {
				out.Tasks = append(out.Tasks, k)
				delete(keep, t.ID)
			}
		}
	}

	out.PendingDeletes = mergePending(base.PendingDeletes, mine.PendingDeletes, stored.PendingDeletes)

	out.Principal = stored.Principal
	if mine.Principal != base.Principal {
		out.Principal = mine.Principal
	}
	return out
}

// pickCopy chooses between our copy and the stored copy of one task. The
// newer one wins; on a tie the side that changed since base wins, so
// bookkeeping fields like NotificationID written elsewhere are not lost.
func pickCopy(mine, stored, base task.Task, known bool) task.Task {
	switch {
	case stored.NewerThan(mine):
		return stored
	case mine.NewerThan(stored):
		return mine
	case known && mine.Equal(base):
		return stored
	default:
		return mine
	}
}

// reordered reports whether the relative order of the ids mine shares with
// base differs from base.
func reordered(base, mine []task.Task) bool {
	inMine := byID(mine)
	inBase := byID(base)

	var a, b []string
	for _, t := range base {
		if _, ok := inMine[t.ID]; ok {
			a = append(a, t.ID)
		}
	}
	for _, t := range mine {
		if _, ok := inBase[t.ID]; ok {
			b = append(b, t.ID)
		}
	}
	return !slices.Equal(a, b)
}

func mergePending(base, mine, stored []string) []string {
	var out []string
	for _, id := range mine {
		// Cleared elsewhere once the remote delete went through.
		if slices.Contains(base, id) && !slices.Contains(stored, id) {
			continue
		}
		out = append(out, id)
	}
	for _, id := range stored {
		if slices.Contains(mine, id) || slices.Contains(base, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func byID(tasks []task.Task) map[string]task.Task {
	m := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}
