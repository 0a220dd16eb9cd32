package task

import (
	"fmt"
	"strings"
)

// FilterMode selects which tasks a view shows.
type FilterMode int

const (
	// FilterAll shows every task.
	FilterAll FilterMode = iota
	// FilterIncomplete shows only tasks that are not completed.
	FilterIncomplete
)

// String returns a human-readable representation of the mode.
func (m FilterMode) String() string {
	switch m {
	case FilterAll:
		return "all"
	case FilterIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// ParseFilterMode parses "all" or "incomplete".
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FilterAll, nil
	case "incomplete", "incomplete-only", "open":
		return FilterIncomplete, nil
	default:
		return FilterAll, fmt.Errorf("unknown filter mode %q (want all or incomplete)", s)
	}
}

// Apply derives a view from the raw array. The result never shares a
// backing array with raw; store order is kept.
func (m FilterMode) Apply(raw []Task) []Task {
	out := make([]Task, 0, len(raw))
	for _, t := range raw {
		if m == FilterIncomplete && t.Completed {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Clone copies a task array.
func Clone(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}

// IndexOf returns the position of the task with id, or -1.
func IndexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the task with id.
func Find(tasks []Task, id string) (Task, bool) {
	if i := IndexOf(tasks, id); i >= 0 {
		return tasks[i], true
	}
	return Task{}, false
}

// Keyed indexes tasks by id. The store keeps an array; callers that want
// per-task records use this map and serialize back with ToElements.
func Keyed(tasks []Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out
}

// DuplicateIDs returns ids that appear more than once.
func DuplicateIDs(tasks []Task) []string {
	seen := make(map[string]int, len(tasks))
	var dups []string
	for _, t := range tasks {
		seen[t.ID]++
		if seen[t.ID] == 2 {
			dups = append(dups, t.ID)
		}
	}
	return dups
}
