package supervisor

// State is the supervisor lifecycle position.
type State string

const (
	// StateStarting covers bind and the initial worker spawns.
	StateStarting State = "starting"

	// StateRunning is steady-state serving.
	StateRunning State = "running"

	// StateReloadInProgress is a rolling worker replacement. The pool
	// keeps serving throughout.
	StateReloadInProgress State = "reload_in_progress"

	// StateDraining is shutdown in progress: the listener is closed and
	// workers are retiring.
	StateDraining State = "draining"

	// StateStopped is terminal.
	StateStopped State = "stopped"
)

var stateTransitions = map[State]map[State]struct{}{
	StateStarting: {
		StateRunning:  {},
		StateDraining: {},
		StateStopped:  {},
	},
	StateRunning: {
		StateReloadInProgress: {},
		StateDraining:         {},
	},
	StateReloadInProgress: {
		// Shutdown during a reload aborts the reload first, so draining
		// is always entered from running.
		StateRunning: {},
	},
	StateDraining: {
		StateStopped: {},
	},
	StateStopped: {},
}

// CanTransition reports whether a supervisor state change is valid.
func CanTransition(from, to State) bool {
	allowed, ok := stateTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
