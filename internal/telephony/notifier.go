package telephony

import (
	"log/slog"
	"sync"
	"time"
)

// EventName is one entry of the observer vocabulary.
type EventName string

const (
	EventConnected          EventName = "connected"
	EventDisconnected       EventName = "disconnected"
	EventTransportError     EventName = "transport_error"
	EventRegistered         EventName = "registered"
	EventUnregistered       EventName = "unregistered"
	EventRegistrationFailed EventName = "registration_failed"
	EventIncomingCall       EventName = "incoming_call"
	EventCallAnswered       EventName = "call_answered"
	EventCallRejected       EventName = "call_rejected"
	EventCallEnded          EventName = "call_ended"
	EventCallFailed         EventName = "call_failed"
	EventCallTransferred    EventName = "call_transferred"
	EventCallMuted          EventName = "call_muted"
	EventDTMFSent           EventName = "dtmf_sent"
)

// AllEvents lists the vocabulary in a stable order.
var AllEvents = []EventName{
	EventConnected, EventDisconnected, EventTransportError,
	EventRegistered, EventUnregistered, EventRegistrationFailed,
	EventIncomingCall, EventCallAnswered, EventCallRejected, EventCallEnded,
	EventCallFailed, EventCallTransferred, EventCallMuted, EventDTMFSent,
}

// Event is delivered to the subscriber of its name. Only the fields relevant
// to the event are set.
type Event struct {
	Name EventName
	Time time.Time

	Connection   ConnectionState
	Registration RegistrationStatus

	// Call is the post-transition snapshot of the session concerned.
	Call *CallInfo

	Muted  bool
	Tones  string
	Target string
	Mode   TransferMode
	// Completed is false when an attended transfer was refused by the far end.
	Completed bool

	Err error
}

// Handler receives events.
type Handler func(Event)

// Notifier holds exactly one handler per event name. On replaces any prior
// handler for the same name; fan-out to several observers is done by the
// caller installing a handler that dispatches further.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[EventName]Handler
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{handlers: make(map[EventName]Handler)}
}

// On installs fn for name, replacing the previous handler.
func (n *Notifier) On(name EventName, fn Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, replaced := n.handlers[name]; replaced {
		slog.Debug("[Notifier] Replacing handler", "event", name)
	}
	if fn == nil {
		delete(n.handlers, name)
		return
	}
	n.handlers[name] = fn
}

// Off removes the handler for name.
func (n *Notifier) Off(name EventName) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, name)
}

// Has reports whether a handler is installed for name.
func (n *Notifier) Has(name EventName) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.handlers[name]
	return ok
}

// Emit delivers ev synchronously. Callers must not hold state locks: the
// handler is free to call back into the client. A panicking handler is
// logged and does not take the caller down.
func (n *Notifier) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	n.mu.RLock()
	fn := n.handlers[ev.Name]
	n.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Notifier] Handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	fn(ev)
}
