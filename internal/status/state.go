package status

import (
	"fmt"
	"slices"
	"sync"
)

// State represents one delivery connection's lifecycle state.
type State string

const (
	Connecting    State = "CONNECTING"
	Authenticated State = "AUTHENTICATED"
	Online        State = "ONLINE"
	Disconnected  State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions. Disconnected is
// terminal; a rejected handshake goes straight there.
var validTransitions = map[State][]State{
	Connecting:    {Authenticated, Disconnected},
	Authenticated: {Online, Disconnected},
	Online:        {Disconnected},
	Disconnected:  {},
}

// Machine tracks and enforces one connection's state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a state machine starting in Connecting.
func NewMachine() *Machine {
	return &Machine{current: Connecting}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
