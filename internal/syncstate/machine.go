// Package syncstate guards reconciliation re-entrancy with an explicit
// idle/fetching/reconciling state machine.
package syncstate

import (
	"errors"
	"fmt"
	"sync"
)

// Status is the process-wide reconciliation status.
type Status string

const (
	Idle        Status = "idle"
	Fetching    Status = "fetching"
	Reconciling Status = "reconciling"
)

// ErrInvalidTransition is returned for transitions outside the table.
var ErrInvalidTransition = errors.New("invalid reconciliation transition")

var transitions = map[Status]map[Status]struct{}{
	Idle:        {Fetching: {}},
	Fetching:    {Idle: {}, Reconciling: {}},
	Reconciling: {Idle: {}, Fetching: {}},
}

// Machine holds the current status. It is safe for concurrent use; the flow
// goroutine performs transitions while the API reads snapshots.
type Machine struct {
	mu      sync.Mutex
	current Status
}

// New returns a machine in the idle state.
func New() *Machine {
	return &Machine{current: Idle}
}

// Current returns the present status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to next when the table allows it.
func (m *Machine) Transition(next Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := transitions[m.current][next]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, next)
	}
	m.current = next
	return nil
}

// TryBeginFetch moves idle to fetching and reports whether it did. A false
// result means a cycle is already active and the request must be dropped.
func (m *Machine) TryBeginFetch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Idle {
		return false
	}
	m.current = Fetching
	return true
}

// Reset forces the machine back to idle. Used after an operator reset.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.current = Idle
	m.mu.Unlock()
}
