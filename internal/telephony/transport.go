package telephony

import (
	"context"
	"time"
)

// SignalingTransport is the capability the state machines drive the
// signaling stack through. Implementations must be safe for concurrent use
// and must deliver notifications through the handler set by SetHandler.
type SignalingTransport interface {
	// Connect opens the connection to the signaling server.
	Connect(ctx context.Context, cfg ConnectionConfig) error
	// Disconnect closes the connection. It must be idempotent.
	Disconnect() error
	// SendRegister refreshes the registration binding. expires == 0
	// removes it. It returns the lifetime the server granted. A final
	// non-2xx response is reported as *StatusError.
	SendRegister(ctx context.Context, expires time.Duration) (time.Duration, error)
	// SendInvite starts an outbound call. It returns once the request is on
	// the wire; progress arrives as notifications.
	SendInvite(ctx context.Context, callID, target, offer string) error
	// SendResponse answers (2xx, with the SDP answer) or rejects an inbound call.
	SendResponse(ctx context.Context, callID string, code int, reason, answer string) error
	// SendBye ends an established call.
	SendBye(ctx context.Context, callID string) error
	// SendCancel abandons an outbound call that has not been answered.
	SendCancel(ctx context.Context, callID string) error
	// SendRefer asks the remote party to call target. It returns once the
	// REFER has been accepted; a rejection is reported as *StatusError.
	SendRefer(ctx context.Context, callID, target string) error
	// SetHandler installs the notification sink. A non-nil error from the
	// sink for NotifyIncoming tells the transport to refuse the call; an
	// error matching ErrBusy maps to 486.
	SetHandler(fn func(Notification) error)
}

// Prober reports whether an endpoint accepts connections.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// NotificationKind classifies protocol notifications.
type NotificationKind int

const (
	// NotifyIncoming is a new inbound INVITE; Remote and Body are set.
	NotifyIncoming NotificationKind = iota
	// NotifyProgress is a provisional response to our INVITE.
	NotifyProgress
	// NotifyAccepted is a 2xx to our INVITE; Body carries the SDP answer.
	NotifyAccepted
	// NotifyFailed is a final non-2xx to our INVITE.
	NotifyFailed
	// NotifyConfirmed is the ACK for an answered inbound call.
	NotifyConfirmed
	// NotifyCanceled is a CANCEL for a pending inbound call.
	NotifyCanceled
	// NotifyEnded is a BYE from the remote party.
	NotifyEnded
	// NotifyTransfer is a NOTIFY reporting REFER progress; Code is the sipfrag status.
	NotifyTransfer
	// NotifyDisconnected means the transport dropped underneath us.
	NotifyDisconnected
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyIncoming:
		return "incoming"
	case NotifyProgress:
		return "progress"
	case NotifyAccepted:
		return "accepted"
	case NotifyFailed:
		return "failed"
	case NotifyConfirmed:
		return "confirmed"
	case NotifyCanceled:
		return "canceled"
	case NotifyEnded:
		return "ended"
	case NotifyTransfer:
		return "transfer"
	case NotifyDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Notification is a protocol event delivered by a SignalingTransport.
type Notification struct {
	Kind   NotificationKind
	CallID string
	Remote string
	Body   string
	Code   int
	Reason string
	Err    error
}

// MediaPolicy is what a new media session is allowed to negotiate.
type MediaPolicy struct {
	Audio      bool
	Video      bool
	ICEServers []ICEServer
}

// MediaFactory creates one media session per call.
type MediaFactory interface {
	NewSession(policy MediaPolicy) (MediaSession, error)
}

// MediaSession is the capability a call drives its media through.
type MediaSession interface {
	// CreateOffer produces the local SDP offer for an outbound call.
	CreateOffer(ctx context.Context) (string, error)
	// Negotiate applies a remote offer and returns the local answer.
	Negotiate(ctx context.Context, offer string) (string, error)
	// ApplyAnswer applies the remote answer to our offer.
	ApplyAnswer(ctx context.Context, answer string) error
	// SetTrackEnabled enables or disables the outbound audio track.
	SetTrackEnabled(enabled bool) error
	// SendTone plays RFC 4733 tones; ',' inserts a two second pause.
	SendTone(ctx context.Context, tones string, duration, gap time.Duration) error
	// Close releases the session.
	Close() error
}
