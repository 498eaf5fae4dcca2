package orchestrator

import (
	"errors"
	"fmt"
)

// TransportError means the caller's connection went away. It always ends the
// call.
type TransportError struct {
	CallID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call %s: transport lost: %v", e.CallID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SessionConnectError means an agent session could not be opened even after
// the configured retries.
type SessionConnectError struct {
	Agent    string
	Attempts int
	Err      error
}

func (e *SessionConnectError) Error() string {
	return fmt.Sprintf("agent %s: connect failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Err)
}

func (e *SessionConnectError) Unwrap() error { return e.Err }

// SessionLostError means an active agent session closed without the
// orchestrator asking it to.
type SessionLostError struct {
	Agent string
	Err   error
}

func (e *SessionLostError) Error() string {
	return fmt.Sprintf("agent %s: session closed unexpectedly: %v", e.Agent, e.Err)
}

func (e *SessionLostError) Unwrap() error { return e.Err }

// ProtocolViolation reports a broken invariant. The call is ended when one is
// detected.
type ProtocolViolation struct {
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err == nil {
		return "protocol violation: " + e.Reason
	}
	return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

var (
	errAlreadyAttached = errors.New("another session is still attached")
	errTerminated      = errors.New("call already ending")
)
