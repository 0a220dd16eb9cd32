package tasksync

import "github.com/steveyegge/tasksync/internal/task"

// State is the lifecycle state of the observable task view.
type State int

const (
	// StateLoading means no snapshot has arrived yet.
	StateLoading State = iota
	// StateReady means Tasks reflects the latest snapshot.
	StateReady
	// StateFailed means the subscription ended with Err.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// View is what the presentation layer renders.
type View struct {
	State    State
	Filter   task.FilterMode
	Revision int64

	// Tasks is nil until the first snapshot, else the filtered list in
	// store order. While resubscribing or after a failure it keeps the last
	// known-good list.
	Tasks []task.Task

	// Err is set when State is StateFailed.
	Err error
}

func (v View) clone() View {
	v.Tasks = task.Clone(v.Tasks)
	return v
}
