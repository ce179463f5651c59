package environment

import (
	"fmt"
	"sync"
)

// State is a bootstrap state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLocating      State = "locating"
	StateValid         State = "valid"
	StateProvisioning  State = "provisioning"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// IsTerminal reports whether the state ends a bootstrap invocation.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateUninitialized:
		return to == StateLocating
	case StateLocating:
		return to == StateValid || to == StateProvisioning || to == StateFailed
	case StateValid:
		return to == StateReady || to == StateFailed
	case StateProvisioning:
		return to == StateReady || to == StateFailed
	default:
		return false
	}
}

// machine tracks one bootstrap invocation.
type machine struct {
	mu      sync.Mutex
	current State
	onState func(State)
}

func newMachine(onState func(State)) *machine {
	return &machine{current: StateUninitialized, onState: onState}
}

// to performs a validated transition and notifies the observer.
func (m *machine) to(next State) error {
	m.mu.Lock()
	from := m.current
	if !isAllowedTransition(from, next) {
		m.mu.Unlock()
		return fmt.Errorf("disallowed bootstrap transition: %s -> %s", from, next)
	}
	m.current = next
	m.mu.Unlock()

	if m.onState != nil {
		m.onState(next)
	}
	return nil
}

// fail moves to Failed from any non-terminal state.
func (m *machine) fail() {
	m.mu.Lock()
	if m.current.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if m.current == StateUninitialized {
		m.current = StateLocating
	}
	m.mu.Unlock()
	_ = m.to(StateFailed)
}

func (m *machine) state() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
