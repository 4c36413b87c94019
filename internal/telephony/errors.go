package telephony

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidConfig matches every *ConfigError.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotConnected indicates an operation that needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectInProgress indicates a second Connect while one is pending.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrClosed indicates the client has been cleaned up.
	ErrClosed = errors.New("client closed")

	// ErrRegistrationInProgress rejects a second register/unregister while
	// one is outstanding.
	ErrRegistrationInProgress = errors.New("registration already in progress")

	// ErrRegistrationRejected matches a RegistrationRejected *RegistrationError.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrRegistrationTimeout matches a RegistrationTimeout *RegistrationError.
	ErrRegistrationTimeout = errors.New("registration timed out")

	// ErrRegistrationAborted matches a registration cut short by disconnect.
	ErrRegistrationAborted = errors.New("registration aborted")

	// ErrNotRegistered indicates a dial attempt before registration.
	ErrNotRegistered = errors.New("not registered")

	ErrBusy              = errors.New("busy")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrNoActiveCall      = errors.New("no active call")
	ErrSessionTerminated = errors.New("session terminated")
	ErrNegotiationFailed = errors.New("media negotiation failed")
	ErrTransferFailed    = errors.New("transfer failed")

	// ErrInvalidTones indicates a tone string with characters outside 0-9 * # A-D and ','.
	ErrInvalidTones = errors.New("invalid tones")
)

// ConfigError reports a missing or malformed connection parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Is makes every ConfigError match ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// TransportError reports a network or socket failure on the signaling connection.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a final, non-success signaling response. Transports return
// it so the state machines can tell a rejection from a network failure.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// RegistrationErrorKind distinguishes registration failure modes.
type RegistrationErrorKind int

const (
	RegistrationRejected RegistrationErrorKind = iota
	RegistrationTimeout
	RegistrationAborted
)

func (k RegistrationErrorKind) String() string {
	switch k {
	case RegistrationRejected:
		return "rejected"
	case RegistrationTimeout:
		return "timeout"
	case RegistrationAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// RegistrationError is returned by Register.
type RegistrationError struct {
	Kind  RegistrationErrorKind
	Cause error
}

func (e *RegistrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("registration %s: %v", e.Kind, e.Cause)
	}
	return "registration " + e.Kind.String()
}

func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

func (e *RegistrationError) Is(target error) bool {
	switch e.Kind {
	case RegistrationRejected:
		return target == ErrRegistrationRejected
	case RegistrationTimeout:
		return target == ErrRegistrationTimeout
	case RegistrationAborted:
		return target == ErrRegistrationAborted
	}
	return false
}

// CallErrorKind distinguishes session command failures.
type CallErrorKind int

const (
	CallBusy CallErrorKind = iota
	CallNoIncoming
	CallNoActive
	CallTerminated
	CallNegotiationFailed
	CallTransferFailed
)

func (k CallErrorKind) sentinel() error {
	switch k {
	case CallBusy:
		return ErrBusy
	case CallNoIncoming:
		return ErrNoIncomingCall
	case CallNoActive:
		return ErrNoActiveCall
	case CallTerminated:
		return ErrSessionTerminated
	case CallNegotiationFailed:
		return ErrNegotiationFailed
	case CallTransferFailed:
		return ErrTransferFailed
	}
	return nil
}

// CallError is returned by session-directed commands.
type CallError struct {
	Kind      CallErrorKind
	SessionID string
	Cause     error
}

func (e *CallError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s: %s", e.SessionID, msg)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *CallError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func callErr(kind CallErrorKind, sessionID string) *CallError {
	return &CallError{Kind: kind, SessionID: sessionID}
}
