// Package status tracks the daemon session state.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/erpchat/internal/bus"
)

// State represents a daemon session state.
type State string

const (
	Booting      State = "booting"
	AuthRequired State = "auth_required"
	Connecting   State = "connecting"
	Ready        State = "ready"
	Degraded     State = "degraded"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting},
	AuthRequired: {Connecting},
	Connecting:   {Ready, Degraded, AuthRequired},
	Ready:        {Degraded, AuthRequired},
	Degraded:     {Ready, Connecting, AuthRequired},
}

// Machine tracks and enforces daemon session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Ensure moves to the given state unless the machine is already there.
func (m *Machine) Ensure(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return nil
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.SessionStatusChanged{
		Time: time.Now(),
		From: string(from),
		To:   string(to),
	})
	return nil
}
