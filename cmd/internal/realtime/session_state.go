package realtime

import (
	"fmt"
	"sync/atomic"
)

// SessionState is the lifecycle state of one gateway connection.
type SessionState uint32

const (
	// StateConnecting: upgraded, credential not verified yet.
	StateConnecting SessionState = iota
	// StateAuthenticated: identity known, not yet registered.
	StateAuthenticated
	// StateActive: registered, counted in presence, processing events.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

func canTransition(from, to SessionState) bool {
	switch from {
	case StateConnecting:
		return to == StateAuthenticated || to == StateClosed
	case StateAuthenticated:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateClosed
	default:
		return false
	}
}

// stateMachine is read from the writer and heartbeat goroutines, so it is
// atomic even though only the session goroutine advances it.
type stateMachine struct {
	v atomic.Uint32
}

func (m *stateMachine) Load() SessionState { return SessionState(m.v.Load()) }

func (m *stateMachine) Transition(to SessionState) error {
	for {
		from := m.Load()
		if !canTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if m.v.CompareAndSwap(uint32(from), uint32(to)) {
			return nil
		}
	}
}
