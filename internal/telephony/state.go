package telephony

import "fmt"

// ConnectionState is the state of the signaling-server connection.
type ConnectionState int

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnTransportError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "Disconnected"
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnTransportError:
		return "TransportError"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RegistrationState is the agent's availability handshake state.
type RegistrationState int

const (
	RegUnregistered RegistrationState = iota
	RegRegistering
	RegRegistered
	RegUnregistering
	RegFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegUnregistered:
		return "Unregistered"
	case RegRegistering:
		return "Registering"
	case RegRegistered:
		return "Registered"
	case RegUnregistering:
		return "Unregistering"
	case RegFailed:
		return "RegistrationFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func (s RegistrationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RegistrationStatus pairs a registration state with the failure cause that
// accompanies RegFailed.
type RegistrationStatus struct {
	State RegistrationState `json:"state"`
	Cause string            `json:"cause,omitempty"`
}

// CallState represents the lifecycle state of a call session
type CallState int

const (
	// CallPending is an inbound call waiting to be answered or rejected
	CallPending CallState = iota
	// CallTrying is an outbound call whose INVITE has been sent
	CallTrying
	// CallRinging is an outbound call the remote party is alerting on
	CallRinging
	// CallActive is an established call with negotiated media
	CallActive
	// CallEnded is a call that finished normally (see EndReason)
	CallEnded
	// CallFailed is a call that could not be established or negotiated
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "Pending"
	case CallTrying:
		return "Trying"
	case CallRinging:
		return "Ringing"
	case CallActive:
		return "Active"
	case CallEnded:
		return "Ended"
	case CallFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions defines which call state transitions are allowed
var validTransitions = map[CallState][]CallState{
	CallPending: {CallActive, CallEnded, CallFailed},
	CallTrying:  {CallRinging, CallActive, CallEnded, CallFailed},
	CallRinging: {CallActive, CallEnded, CallFailed},
	CallActive:  {CallEnded, CallFailed},
	CallEnded:   {},
	CallFailed:  {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the absorbing states.
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallFailed
}

// IsLive reports whether the session still owns signaling state that a hang
// up would have to tear down.
func (s CallState) IsLive() bool {
	return s == CallTrying || s == CallRinging || s == CallActive
}

// EndReason explains why a session reached CallEnded
type EndReason int

const (
	EndNone EndReason = iota
	// EndHangup means the agent hung up
	EndHangup
	// EndRemoteHangup means the remote party sent BYE
	EndRemoteHangup
	// EndRejected means the agent declined the incoming call
	EndRejected
	// EndRedirected means the remote party was blind-transferred away
	EndRedirected
	// EndTransferred means an attended transfer completed
	EndTransferred
	// EndCanceled means the caller gave up before the call was answered
	EndCanceled
	// EndDisconnected means the connection was torn down under the call
	EndDisconnected
)

func (r EndReason) String() string {
	switch r {
	case EndNone:
		return ""
	case EndHangup:
		return "hangup"
	case EndRemoteHangup:
		return "remote_hangup"
	case EndRejected:
		return "rejected"
	case EndRedirected:
		return "redirected"
	case EndTransferred:
		return "transferred"
	case EndCanceled:
		return "canceled"
	case EndDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

func (r EndReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Direction indicates who initiated the call
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TransferMode selects how a transfer hands the remote party over.
type TransferMode int

const (
	// Blind redirects the remote party and ends the local leg immediately.
	Blind TransferMode = iota
	// Attended keeps the local leg until the remote party reports completion.
	Attended
)

func (m TransferMode) String() string {
	switch m {
	case Blind:
		return "blind"
	case Attended:
		return "attended"
	default:
		return "unknown"
	}
}

func (m TransferMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseTransferMode parses "blind" or "attended".
func ParseTransferMode(s string) (TransferMode, error) {
	switch s {
	case "", "blind":
		return Blind, nil
	case "attended":
		return Attended, nil
	}
	return Blind, fmt.Errorf("unknown transfer mode %q", s)
}
