package realtime

import (
	"errors"
	"testing"
)

func TestSessionStateTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to SessionState
		ok       bool
	}{
		{StateConnecting, StateAuthenticated, true},
		{StateConnecting, StateClosed, true},
		{StateConnecting, StateActive, false},
		{StateAuthenticated, StateActive, true},
		{StateAuthenticated, StateClosed, true},
		{StateActive, StateClosed, true},
		{StateActive, StateAuthenticated, false},
		{StateClosed, StateActive, false},
		{StateClosed, StateClosed, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestStateMachine_Transition(t *testing.T) {
	t.Parallel()

	var m stateMachine
	if m.Load() != StateConnecting {
		t.Fatalf("zero value must be connecting")
	}
	for _, to := range []SessionState{StateAuthenticated, StateActive, StateClosed} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	if err := m.Transition(StateClosed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("closed is terminal, got %v", err)
	}
}
