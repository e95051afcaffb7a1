package realtime

import (
	"errors"
	"fmt"

	v1 "papyris/shared/contracts/realtime/v1"
)

// Failure classes of a session. Every error event sent to a client wraps
// exactly one of them.
var (
	// ErrAuthFailure is fatal: the connection is closed with policy-violation.
	ErrAuthFailure = errors.New("realtime: authentication failed")

	// ErrValidation rejects one event; the connection stays open.
	ErrValidation = errors.New("realtime: invalid event")

	// ErrMembership rejects one event without any state change.
	ErrMembership = errors.New("realtime: not a member")

	// ErrTransientInfra reports an unavailable log, broker or store.
	ErrTransientInfra = errors.New("realtime: infrastructure unavailable")
)

// ErrInvalidTransition is returned for a forbidden session state change.
var ErrInvalidTransition = errors.New("realtime: invalid session transition")

// EventError is a per-event failure reported to the client as an error event.
type EventError struct {
	Kind      error
	Code      string
	Msg       string
	MessageID string
	Err       error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return e.Code + ": " + e.Msg
}

func (e *EventError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Event renders the error event sent to the client. Causes are never exposed.
func (e *EventError) Event() v1.ServerEvent {
	ev := v1.Error(e.Code, e.Msg)
	ev.MessageID = e.MessageID
	return ev
}

func invalidEvent(msg string) *EventError {
	return &EventError{Kind: ErrValidation, Code: v1.CodeInvalidEvent, Msg: msg}
}

func notMember() *EventError {
	return &EventError{Kind: ErrMembership, Code: v1.CodeNotMember, Msg: "not a member of this room"}
}

func infraError(code, msg string, err error) *EventError {
	return &EventError{Kind: ErrTransientInfra, Code: code, Msg: msg, Err: err}
}

var errNilRoom = errors.New("nil room id")
