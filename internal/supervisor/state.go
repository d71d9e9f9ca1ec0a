package supervisor

import "fmt"

// State is a worker's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateDown     State = "down"
	StateStopping State = "stopping"
)

// validTransitions defines allowed lifecycle transitions. A worker only
// enters running after a successful probe, demotion goes through degraded
// (never running→down directly), and down is re-entrant via spawning.
var validTransitions = map[State][]State{
	StateIdle:     {StateSpawning, StateStopping},
	StateSpawning: {StateRunning, StateDown, StateStopping},
	StateRunning:  {StateDegraded, StateStopping},
	StateDegraded: {StateRunning, StateDown, StateStopping},
	StateDown:     {StateSpawning, StateStopping},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Selectable reports whether a worker in this state may receive new work.
func (s State) Selectable() bool {
	return s == StateRunning
}
