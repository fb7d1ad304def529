package avstream

import (
	"slices"
	"sync"
)

// State is a session or resender lifecycle state. States only move forward
// and Disposed is terminal.
type State uint8

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateDisposed
)

var stateNames = [...]string{
	StateCreated:  "created",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateDisposed: "disposed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// lifecycle guards state transitions shared by Session and Resender.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// transition moves to next if the current state is one of from. It returns
// the state it found.
func (l *lifecycle) transition(op string, next State, from ...State) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	if !slices.Contains(from, prev) {
		return prev, &LifecycleError{Op: op, State: prev}
	}
	l.state = next
	return prev, nil
}

// beginStop starts a stop. It reports the state found and whether the
// caller has activities to wait for. Stopping or stopped is not an error.
func (l *lifecycle) beginStop(op string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	switch prev {
	case StateCreated:
		l.state = StateStopped
	case StateRunning:
		l.state = StateStopping
	case StateStopping, StateStopped:
	default:
		return prev, &LifecycleError{Op: op, State: prev}
	}
	return prev, nil
}

func (l *lifecycle) set(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}
