package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/feedsync/internal/bus"
)

// State represents the push connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Machine tracks the process-wide connection state and the number of
// connection attempts made since it was created.
type Machine struct {
	mu       sync.RWMutex
	current  State
	attempts uint64
	terminal bool
	bus      *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Attempts returns the monotonically increasing connection attempt counter.
func (m *Machine) Attempts() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// GaveUp reports whether the last transition to Disconnected happened
// because reconnection retries were exhausted.
func (m *Machine) GaveUp() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminal
}

// RecordAttempt bumps the attempt counter and returns the new value.
func (m *Machine) RecordAttempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, false)
}

// GiveUp moves to Disconnected and marks it as the terminal result of
// exhausted retries.
func (m *Machine) GiveUp() error {
	return m.transition(Disconnected, true)
}

// Snapshot returns the state and attempt counter read together.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Attempts: m.attempts, GaveUp: m.terminal}
}

func (m *Machine) transition(to State, gaveUp bool) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.terminal = gaveUp
	attempts := m.attempts
	m.mu.Unlock()

	m.bus.Publish(bus.NewEvent(bus.KindChannelStateChanged, StatusChange{
		From:     from,
		To:       to,
		Attempts: attempts,
		GaveUp:   gaveUp,
	}))
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From     State
	To       State
	Attempts uint64
	GaveUp   bool
}

// Snapshot is a consistent read of the machine.
type Snapshot struct {
	State    State
	Attempts uint64
	GaveUp   bool
}
