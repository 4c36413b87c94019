// Package telephony is the agent-side call-control engine: connection and
// registration state machines, call sessions, and the event notifier that
// reports their transitions.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts for Client operations.
const (
	DefaultConnectTimeout     = 10 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultRingTimeout        = 60 * time.Second
	DefaultTransferTimeout    = 30 * time.Second
	DefaultSignalTimeout      = 5 * time.Second
)

// ErrRingTimeout is the failure cause of an outbound call nobody answered.
var ErrRingTimeout = errors.New("no answer")

// Options wires a Client to its signaling and media backends.
type Options struct {
	Transport SignalingTransport
	Media     MediaFactory
	// Prober defaults to Transport when it implements Prober.
	Prober     Prober
	ICEServers []ICEServer

	ConnectTimeout     time.Duration
	RegisterTimeout    time.Duration
	UnregisterTimeout  time.Duration
	NegotiationTimeout time.Duration
	RingTimeout        time.Duration
	TransferTimeout    time.Duration
	SignalTimeout      time.Duration
	TombstoneTTL       time.Duration
}

func (o *Options) setDefaults() {
	if o.Prober == nil {
		if p, ok := o.Transport.(Prober); ok {
			o.Prober = p
		}
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.ConnectTimeout, DefaultConnectTimeout)
	def(&o.RegisterTimeout, DefaultRegisterTimeout)
	def(&o.UnregisterTimeout, DefaultUnregisterTimeout)
	def(&o.NegotiationTimeout, DefaultNegotiationTimeout)
	def(&o.RingTimeout, DefaultRingTimeout)
	def(&o.TransferTimeout, DefaultTransferTimeout)
	def(&o.SignalTimeout, DefaultSignalTimeout)
	def(&o.TombstoneTTL, DefaultTombstoneTTL)
}

// Status is the aggregate view returned by Client.Status. ConnectionError
// carries the cause while the connection is in ConnTransportError.
type Status struct {
	Connection      ConnectionState    `json:"connection"`
	ConnectionError string             `json:"connection_error,omitempty"`
	Registration    RegistrationStatus `json:"registration"`
	PendingCall     *CallInfo          `json:"pending_call,omitempty"`
	ActiveCall      *CallInfo          `json:"active_call,omitempty"`
	IsRegistered    bool               `json:"is_registered"`
	IsInCall        bool               `json:"is_in_call"`
	IsIncoming      bool               `json:"is_incoming"`
}

// Client is the single entry point for the embedding application. It owns
// one connection, one registration and at most one active plus one pending
// call session.
type Client struct {
	cfg       ConnectionConfig
	opts      Options
	transport SignalingTransport
	media     MediaFactory

	notifier  *Notifier
	conn      *ConnectionManager
	registrar *Registrar
	registry  *Registry

	// mu serializes call-state commits from commands, notifications and
	// timers. It is never held across a signaling or media round trip, nor
	// while an event is delivered.
	mu sync.Mutex

	iceMu sync.RWMutex
	ice   []ICEServer

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient validates cfg and builds a disconnected client.
func NewClient(cfg ConnectionConfig, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, &ConfigError{Field: "transport", Reason: "required"}
	}
	if opts.Media == nil {
		return nil, &ConfigError{Field: "media", Reason: "required"}
	}
	if len(opts.ICEServers) > 0 {
		if err := ValidateICEServers(opts.ICEServers); err != nil {
			return nil, err
		}
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	notifier := NewNotifier()
	conn := NewConnectionManager(opts.Transport, opts.Prober, notifier, opts.ConnectTimeout)
	c := &Client{
		cfg:       cfg,
		opts:      opts,
		transport: opts.Transport,
		media:     opts.Media,
		notifier:  notifier,
		conn:      conn,
		registrar: NewRegistrar(ctx, opts.Transport, conn, notifier, cfg.Expires()),
		registry:  NewRegistry(opts.TombstoneTTL),
		ice:       append([]ICEServer(nil), opts.ICEServers...),
		ctx:       ctx,
		cancel:    cancel,
	}
	opts.Transport.SetHandler(c.HandleNotification)
	return c, nil
}

// Config returns the connection parameters the client was built with.
func (c *Client) Config() ConnectionConfig { return c.cfg }

// Notifier exposes the event subscription surface.
func (c *Client) Notifier() *Notifier { return c.notifier }

// On installs the handler for name, replacing any previous one.
func (c *Client) On(name EventName, fn Handler) { c.notifier.On(name, fn) }

// Off removes the handler for name.
func (c *Client) Off(name EventName) { c.notifier.Off(name) }

// bind derives a context that is also canceled when the client closes.
func (c *Client) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// signal runs a best-effort signaling send detached from any caller context.
func (c *Client) signal(what, callID string, send func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SignalTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		slog.Warn("[Session] Signaling failed", "op", what, "call_id", callID, "error", err)
		return err
	}
	return nil
}

// Probe reports whether endpoint accepts connections. It never fails.
func (c *Client) Probe(ctx context.Context, endpoint string) bool {
	return c.conn.Probe(ctx, endpoint)
}

// Connect opens the signaling connection.
func (c *Client) Connect(ctx context.Context) (ConnectionState, error) {
	if c.closed.Load() {
		return c.conn.State(), ErrClosed
	}
	ctx, cancel := c.bind(ctx, 0)
	defer cancel()
	return c.conn.Connect(ctx, c.cfg)
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() ConnectionState { return c.conn.State() }

// Register announces the agent as available.
func (c *Client) Register(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := c.bind(ctx, 0)
	defer cancel()
	return c.registrar.Register(ctx, c.opts.RegisterTimeout)
}

// Unregister withdraws the agent. It always ends in RegUnregistered.
func (c *Client) Unregister(ctx context.Context) error {
	ctx, cancel := c.bind(ctx, 0)
	defer cancel()
	return c.registrar.Unregister(ctx, c.opts.UnregisterTimeout)
}

// JoinQueue is Register under its queue-facing name.
func (c *Client) JoinQueue(ctx context.Context) error { return c.Register(ctx) }

// LeaveQueue is Unregister under its queue-facing name. Calls in progress
// are left alone.
func (c *Client) LeaveQueue(ctx context.Context) error { return c.Unregister(ctx) }

// RegistrationStatus returns the current registration state and cause.
func (c *Client) RegistrationStatus() RegistrationStatus { return c.registrar.Status() }

// ICEServers returns the list new sessions are created with.
func (c *Client) ICEServers() []ICEServer {
	c.iceMu.RLock()
	defer c.iceMu.RUnlock()
	return append([]ICEServer(nil), c.ice...)
}

// UpdateICEServers replaces the ICE server list. Existing sessions keep
// the list they were created with.
func (c *Client) UpdateICEServers(servers []ICEServer) error {
	if err := ValidateICEServers(servers); err != nil {
		return err
	}
	c.iceMu.Lock()
	c.ice = append([]ICEServer(nil), servers...)
	c.iceMu.Unlock()
	slog.Info("[Client] ICE servers updated", "count", len(servers))
	return nil
}

func (c *Client) mediaPolicy() MediaPolicy {
	return MediaPolicy{Audio: true, Video: false, ICEServers: c.ICEServers()}
}

// Status is a consistent read of all state machines.
func (c *Client) Status() Status {
	c.mu.Lock()
	active, pending := c.registry.snapshot()
	c.mu.Unlock()
	// A call still being answered holds the active slot but is not Active
	// until negotiation commits; it reads as the incoming call until then.
	if active != nil && active.State == CallPending && pending == nil {
		pending, active = active, nil
	}
	reg := c.registrar.Status()
	st := Status{
		Connection:   c.conn.State(),
		Registration: reg,
		PendingCall:  pending,
		ActiveCall:   active,
		IsRegistered: reg.State == RegRegistered,
		IsInCall:     active != nil && active.State == CallActive,
		IsIncoming:   pending != nil,
	}
	if st.Connection == ConnTransportError {
		if err := c.conn.LastError(); err != nil {
			st.ConnectionError = err.Error()
		}
	}
	return st
}

// Call returns a live or recently finished session by id.
func (c *Client) Call(id string) (CallInfo, bool) {
	c.mu.Lock()
	active, pending := c.registry.snapshot()
	c.mu.Unlock()
	for _, info := range []*CallInfo{active, pending} {
		if info != nil && info.ID == id {
			return *info, true
		}
	}
	return c.registry.lookupFinished(id)
}

// RecentCalls lists finished sessions still remembered, newest first.
func (c *Client) RecentCalls() []CallInfo { return c.registry.finishedCalls() }

// retire takes a terminal session out of its slot and releases its media.
func (c *Client) retire(s *CallSession, media MediaSession) CallInfo {
	c.registry.retire(s)
	if media != nil {
		if err := media.Close(); err != nil {
			slog.Debug("[Session] Media close failed", "session_id", s.id, "error", err)
		}
	}
	return s.Info()
}

// finish ends or fails s under c.mu and retires it. It reports false when
// something else finished the session first.
func (c *Client) finish(s *CallSession, reason EndReason, cause error) (CallState, CallInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		prev  CallState
		media MediaSession
		err   error
	)
	if cause != nil {
		prev, media, err = s.fail(cause)
	} else {
		prev, media, err = s.end(reason)
	}
	if err != nil {
		return prev, s.Info(), false
	}
	return prev, c.retire(s, media), true
}

// Answer accepts the pending inbound call.
func (c *Client) Answer(ctx context.Context, id string) (CallInfo, error) {
	if c.closed.Load() {
		return CallInfo{}, ErrClosed
	}
	c.mu.Lock()
	s, err := c.registry.claimPending(id)
	c.mu.Unlock()
	if err != nil {
		return CallInfo{}, err
	}
	slog.Info("[Session] Answering", "session_id", s.id, "call_id", s.callID, "remote", s.remote)

	nctx, cancel := c.bind(ctx, c.opts.NegotiationTimeout)
	defer cancel()

	media, err := c.media.NewSession(c.mediaPolicy())
	if err != nil {
		return c.failAnswer(s, err)
	}
	answer, err := media.Negotiate(nctx, s.remoteOffer())
	if err != nil {
		_ = media.Close()
		return c.failAnswer(s, err)
	}
	if err := c.transport.SendResponse(nctx, s.callID, 200, "OK", answer); err != nil {
		_ = media.Close()
		return c.failAnswer(s, err)
	}

	c.mu.Lock()
	err = s.activate(media)
	c.mu.Unlock()
	if err != nil {
		// Ended underneath us while negotiating; our 200 still stands.
		_ = media.Close()
		_ = c.signal("bye", s.callID, func(ctx context.Context) error {
			return c.transport.SendBye(ctx, s.callID)
		})
		return s.Info(), err
	}

	info := s.Info()
	slog.Info("[Session] Answered", "session_id", s.id)
	c.notifier.Emit(Event{Name: EventCallAnswered, Call: &info})
	return info, nil
}

func (c *Client) failAnswer(s *CallSession, cause error) (CallInfo, error) {
	cerr := &CallError{Kind: CallNegotiationFailed, SessionID: s.id, Cause: cause}
	_, info, ok := c.finish(s, EndNone, cerr)
	if !ok {
		return info, callErr(CallTerminated, s.id)
	}
	slog.Warn("[Session] Answer failed", "session_id", s.id, "error", cause)
	_ = c.signal("488", s.callID, func(ctx context.Context) error {
		return c.transport.SendResponse(ctx, s.callID, 488, "Not Acceptable Here", "")
	})
	c.notifier.Emit(Event{Name: EventCallFailed, Call: &info, Err: cerr})
	return info, cerr
}

// Reject declines the pending inbound call. code 0 means 486 Busy Here.
func (c *Client) Reject(ctx context.Context, id string, code int, reason string) error {
	if code == 0 {
		code, reason = 486, "Busy Here"
	}
	if code < 300 || code > 699 {
		return fmt.Errorf("reject: status %d out of range 300-699", code)
	}
	if reason == "" {
		reason = "Declined"
	}

	c.mu.Lock()
	s, err := c.registry.takePending(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	_, media, err := s.end(EndRejected)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	info := c.retire(s, media)
	c.mu.Unlock()
	slog.Info("[Session] Rejected", "session_id", s.id, "code", code)

	rctx, cancel := c.bind(ctx, c.opts.SignalTimeout)
	sendErr := c.transport.SendResponse(rctx, s.callID, code, reason, "")
	cancel()

	c.notifier.Emit(Event{Name: EventCallRejected, Call: &info})
	if sendErr != nil {
		return &TransportError{Op: "reject", Err: sendErr}
	}
	return nil
}

// Dial places an outbound call. target may be a bare extension.
func (c *Client) Dial(ctx context.Context, target string) (CallInfo, error) {
	if c.closed.Load() {
		return CallInfo{}, ErrClosed
	}
	uri, err := NormalizeTarget(target, c.cfg.Domain())
	if err != nil {
		return CallInfo{}, err
	}
	s := newOutboundSession(uri)

	c.mu.Lock()
	if c.registrar.Status().State != RegRegistered {
		c.mu.Unlock()
		return CallInfo{}, ErrNotRegistered
	}
	err = c.registry.setActive(s)
	c.mu.Unlock()
	if err != nil {
		return CallInfo{}, err
	}
	slog.Info("[Session] Dialing", "session_id", s.id, "call_id", s.callID, "target", uri)

	dctx, cancel := c.bind(ctx, c.opts.NegotiationTimeout)
	defer cancel()

	media, err := c.media.NewSession(c.mediaPolicy())
	if err != nil {
		return c.failDial(s, &CallError{Kind: CallNegotiationFailed, SessionID: s.id, Cause: err})
	}
	offer, err := media.CreateOffer(dctx)
	if err != nil {
		_ = media.Close()
		return c.failDial(s, &CallError{Kind: CallNegotiationFailed, SessionID: s.id, Cause: err})
	}
	c.mu.Lock()
	attached := s.attachMedia(media)
	c.mu.Unlock()
	if !attached {
		_ = media.Close()
		return s.Info(), callErr(CallTerminated, s.id)
	}
	if err := c.transport.SendInvite(dctx, s.callID, uri, offer); err != nil {
		return c.failDial(s, &TransportError{Op: "invite", Err: err})
	}
	s.setRingTimer(time.AfterFunc(c.opts.RingTimeout, func() { c.ringTimeout(s) }))
	return s.Info(), nil
}

func (c *Client) failDial(s *CallSession, cause error) (CallInfo, error) {
	_, info, ok := c.finish(s, EndNone, cause)
	if !ok {
		return info, callErr(CallTerminated, s.id)
	}
	slog.Warn("[Session] Dial failed", "session_id", s.id, "error", cause)
	c.notifier.Emit(Event{Name: EventCallFailed, Call: &info, Err: cause})
	return info, cause
}

func (c *Client) ringTimeout(s *CallSession) {
	c.mu.Lock()
	if st := s.State(); st != CallTrying && st != CallRinging {
		c.mu.Unlock()
		return
	}
	_, media, err := s.fail(ErrRingTimeout)
	if err != nil {
		c.mu.Unlock()
		return
	}
	info := c.retire(s, media)
	c.mu.Unlock()

	slog.Info("[Session] No answer, canceling", "session_id", s.id, "after", c.opts.RingTimeout)
	_ = c.signal("cancel", s.callID, func(ctx context.Context) error {
		return c.transport.SendCancel(ctx, s.callID)
	})
	c.notifier.Emit(Event{Name: EventCallFailed, Call: &info, Err: ErrRingTimeout})
}

// HangUp ends the active call, or abandons an outbound call still ringing.
// An inbound call that is still being answered cannot be hung up.
func (c *Client) HangUp(ctx context.Context, id string) error {
	c.mu.Lock()
	s, err := c.registry.activeSession(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if st := s.State(); !st.IsLive() && !st.IsTerminal() {
		c.mu.Unlock()
		return callErr(CallNoActive, s.id)
	}
	prev, media, err := s.end(EndHangup)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	info := c.retire(s, media)
	c.mu.Unlock()
	slog.Info("[Session] Hung up", "session_id", s.id, "was", prev)

	hctx, cancel := c.bind(ctx, c.opts.SignalTimeout)
	c.sendTeardown(hctx, s, prev)
	cancel()

	c.notifier.Emit(Event{Name: EventCallEnded, Call: &info})
	return nil
}

// sendTeardown sends whatever ends a session that was in state prev.
// Failures are logged; the session is already over locally.
func (c *Client) sendTeardown(ctx context.Context, s *CallSession, prev CallState) {
	var err error
	op := ""
	switch {
	case prev == CallActive:
		op = "bye"
		err = c.transport.SendBye(ctx, s.callID)
	case prev == CallTrying || prev == CallRinging:
		op = "cancel"
		err = c.transport.SendCancel(ctx, s.callID)
	case prev == CallPending && s.direction == Inbound:
		op = "487"
		err = c.transport.SendResponse(ctx, s.callID, 487, "Request Terminated", "")
	}
	if err != nil {
		slog.Warn("[Session] Teardown signaling failed", "op", op, "session_id", s.id, "error", err)
	}
}

// Mute toggles the outbound audio track. Repeating the current value is a
// no-op and emits nothing.
func (c *Client) Mute(id string, muted bool) error {
	c.mu.Lock()
	s, err := c.registry.activeSession(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	media, err := s.activeMedia()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.isMuted() == muted {
		c.mu.Unlock()
		return nil
	}
	if err := media.SetTrackEnabled(!muted); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("set track enabled: %w", err)
	}
	s.setMuted(muted)
	info := s.Info()
	c.mu.Unlock()

	slog.Info("[Session] Mute changed", "session_id", s.id, "muted", muted)
	c.notifier.Emit(Event{Name: EventCallMuted, Call: &info, Muted: muted})
	return nil
}

// SendTone plays DTMF on the active call. Zero duration or gap selects the
// defaults.
func (c *Client) SendTone(ctx context.Context, id, tones string, duration, gap time.Duration) error {
	tones, err := NormalizeTones(tones)
	if err != nil {
		return err
	}
	duration, gap = toneTiming(duration, gap)

	c.mu.Lock()
	s, err := c.registry.activeSession(id)
	var media MediaSession
	if err == nil {
		media, err = s.activeMedia()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	tctx, cancel := c.bind(ctx, toneBudget(tones, duration, gap))
	defer cancel()
	if err := media.SendTone(tctx, tones, duration, gap); err != nil {
		return fmt.Errorf("send tones: %w", err)
	}

	info := s.Info()
	slog.Debug("[Session] Tones sent", "session_id", s.id, "tones", tones)
	c.notifier.Emit(Event{Name: EventDTMFSent, Call: &info, Tones: tones})
	return nil
}

// Transfer hands the active call to target. A blind transfer ends the
// session as soon as the REFER is accepted; an attended one keeps it active
// until the far end reports the outcome. Events carry target as given; the
// session records the expanded URI.
func (c *Client) Transfer(ctx context.Context, id, target string, mode TransferMode) error {
	uri, err := NormalizeTarget(target, c.cfg.Domain())
	if err != nil {
		return err
	}
	c.mu.Lock()
	s, err := c.registry.activeSession(id)
	if err == nil {
		err = s.beginTransfer(target, uri, mode)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	slog.Info("[Session] Transferring", "session_id", s.id, "target", uri, "mode", mode)

	rctx, cancel := c.bind(ctx, c.opts.TransferTimeout)
	err = c.transport.SendRefer(rctx, s.callID, uri)
	cancel()

	c.mu.Lock()
	if err != nil {
		s.clearTransfer()
		c.mu.Unlock()
		return &CallError{Kind: CallTransferFailed, SessionID: s.id, Cause: err}
	}
	if mode == Attended {
		s.setTransferTimer(time.AfterFunc(c.opts.TransferTimeout, func() { c.transferTimeout(s) }))
		c.mu.Unlock()
		return nil
	}
	s.clearTransfer()
	_, media, err := s.end(EndRedirected)
	if err != nil {
		c.mu.Unlock()
		// The far end hung up once it had the REFER; the transfer stands.
		slog.Info("[Session] Transferred leg already ended", "session_id", s.id, "state", s.State())
		return nil
	}
	info := c.retire(s, media)
	c.mu.Unlock()

	_ = c.signal("bye", s.callID, func(ctx context.Context) error {
		return c.transport.SendBye(ctx, s.callID)
	})
	c.notifier.Emit(Event{Name: EventCallTransferred, Call: &info, Target: target, Mode: Blind, Completed: true})
	return nil
}

func (c *Client) transferTimeout(s *CallSession) {
	c.mu.Lock()
	t, _, was := s.clearTransfer()
	c.mu.Unlock()
	if was {
		slog.Warn("[Session] Transfer outcome never reported", "session_id", s.id, "target", t.uri)
	}
}

// HandleNotification applies a protocol notification from the transport.
func (c *Client) HandleNotification(n Notification) error {
	if c.closed.Load() {
		return ErrClosed
	}
	slog.Debug("[Client] Notification", "kind", n.Kind, "call_id", n.CallID, "code", n.Code)
	switch n.Kind {
	case NotifyIncoming:
		return c.onIncoming(n)
	case NotifyProgress:
		c.onProgress(n)
	case NotifyAccepted:
		c.onAccepted(n)
	case NotifyFailed:
		c.onFailed(n)
	case NotifyConfirmed:
		slog.Debug("[Session] Confirmed", "call_id", n.CallID)
	case NotifyCanceled:
		c.onRemoteEnd(n, EndCanceled)
	case NotifyEnded:
		c.onRemoteEnd(n, EndRemoteHangup)
	case NotifyTransfer:
		c.onTransferProgress(n)
	case NotifyDisconnected:
		c.onTransportLost(n.Err)
	}
	return nil
}

func (c *Client) onIncoming(n Notification) error {
	s := newInboundSession(n.CallID, n.Remote, n.Body)
	c.mu.Lock()
	err := c.registry.addPending(s)
	c.mu.Unlock()
	if err != nil {
		slog.Info("[Session] Busy, refusing incoming call", "call_id", n.CallID, "remote", n.Remote)
		return err
	}
	info := s.Info()
	slog.Info("[Session] Incoming call", "session_id", s.id, "call_id", s.callID, "remote", s.remote)
	c.notifier.Emit(Event{Name: EventIncomingCall, Call: &info})
	return nil
}

func (c *Client) onProgress(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.registry.byCallID(n.CallID); s != nil && s.direction == Outbound && s.ring() {
		slog.Info("[Session] Ringing", "session_id", s.id, "code", n.Code)
	}
}

// onAccepted completes an outbound call on its 2xx. Once a 2xx has arrived
// the dialog exists, so any path that does not end in Active sends BYE.
func (c *Client) onAccepted(n Notification) {
	bye := func() {
		_ = c.signal("bye", n.CallID, func(ctx context.Context) error {
			return c.transport.SendBye(ctx, n.CallID)
		})
	}

	c.mu.Lock()
	s := c.registry.byCallID(n.CallID)
	if s == nil || s.direction != Outbound {
		c.mu.Unlock()
		slog.Info("[Session] Answered after it was abandoned", "call_id", n.CallID)
		bye()
		return
	}
	if s.State() == CallActive {
		c.mu.Unlock()
		slog.Debug("[Session] Repeated 2xx ignored", "session_id", s.id)
		return
	}
	media := s.pendingMedia()
	c.mu.Unlock()

	var err error
	if media == nil {
		err = errors.New("no media session")
	} else {
		actx, cancel := c.bind(context.Background(), c.opts.NegotiationTimeout)
		err = media.ApplyAnswer(actx, n.Body)
		cancel()
	}
	if err != nil {
		cerr := &CallError{Kind: CallNegotiationFailed, SessionID: s.id, Cause: err}
		_, info, ok := c.finish(s, EndNone, cerr)
		bye()
		if ok {
			c.notifier.Emit(Event{Name: EventCallFailed, Call: &info, Err: cerr})
		}
		return
	}

	c.mu.Lock()
	err = s.activate(nil)
	c.mu.Unlock()
	if err != nil {
		slog.Info("[Session] Ended while the answer was applied", "session_id", s.id, "error", err)
		bye()
		return
	}
	info := s.Info()
	slog.Info("[Session] Answered by remote", "session_id", s.id)
	c.notifier.Emit(Event{Name: EventCallAnswered, Call: &info})
}

func (c *Client) onFailed(n Notification) {
	c.mu.Lock()
	s := c.registry.byCallID(n.CallID)
	c.mu.Unlock()
	if s == nil || s.direction != Outbound {
		return
	}
	cause := &StatusError{Code: n.Code, Reason: n.Reason}
	_, info, ok := c.finish(s, EndNone, cause)
	if !ok {
		return
	}
	slog.Info("[Session] Call failed", "session_id", s.id, "code", n.Code, "reason", n.Reason)
	c.notifier.Emit(Event{Name: EventCallFailed, Call: &info, Err: cause})
}

func (c *Client) onRemoteEnd(n Notification, reason EndReason) {
	c.mu.Lock()
	s := c.registry.byCallID(n.CallID)
	c.mu.Unlock()
	if s == nil {
		return
	}
	_, info, ok := c.finish(s, reason, nil)
	if !ok {
		return
	}
	slog.Info("[Session] Ended by remote", "session_id", s.id, "reason", reason)
	c.notifier.Emit(Event{Name: EventCallEnded, Call: &info})
}

// onTransferProgress applies a NOTIFY sipfrag to an attended transfer. A
// blind transfer is settled by Transfer itself once the REFER is accepted.
func (c *Client) onTransferProgress(n Notification) {
	if n.Code < 200 {
		return
	}
	c.mu.Lock()
	s := c.registry.byCallID(n.CallID)
	if s == nil {
		c.mu.Unlock()
		return
	}
	if mode, ok := s.transferInProgress(); !ok || mode != Attended {
		c.mu.Unlock()
		slog.Debug("[Session] Transfer report ignored", "session_id", s.id, "code", n.Code)
		return
	}
	t, mode, _ := s.clearTransfer()
	if n.Code >= 300 {
		info := s.Info()
		c.mu.Unlock()
		cause := &CallError{Kind: CallTransferFailed, SessionID: s.id, Cause: &StatusError{Code: n.Code, Reason: n.Reason}}
		slog.Warn("[Session] Transfer refused", "session_id", s.id, "target", t.uri, "code", n.Code)
		c.notifier.Emit(Event{Name: EventCallTransferred, Call: &info, Target: t.target, Mode: mode, Completed: false, Err: cause})
		return
	}
	_, media, err := s.end(EndTransferred)
	if err != nil {
		c.mu.Unlock()
		return
	}
	info := c.retire(s, media)
	c.mu.Unlock()

	slog.Info("[Session] Transfer completed", "session_id", s.id, "target", t.uri)
	_ = c.signal("bye", s.callID, func(ctx context.Context) error {
		return c.transport.SendBye(ctx, s.callID)
	})
	c.notifier.Emit(Event{Name: EventCallTransferred, Call: &info, Target: t.target, Mode: mode, Completed: true})
}

func (c *Client) onTransportLost(cause error) {
	if cause == nil {
		cause = errors.New("connection closed")
	}
	if !c.conn.lost(cause) {
		return
	}
	c.registrar.forceUnregistered()
	c.endAll(false)
}

// endAll terminates every live session with EndDisconnected. With signal
// set, the remote side is told as well.
func (c *Client) endAll(signal bool) {
	type ended struct {
		s    *CallSession
		prev CallState
		info CallInfo
	}
	var done []ended
	c.mu.Lock()
	for _, s := range c.registry.live() {
		prev, media, err := s.end(EndDisconnected)
		if err != nil {
			continue
		}
		done = append(done, ended{s: s, prev: prev, info: c.retire(s, media)})
	}
	c.mu.Unlock()

	for _, e := range done {
		if signal {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SignalTimeout)
			c.sendTeardown(ctx, e.s, e.prev)
			cancel()
		}
		slog.Info("[Session] Ended by disconnect", "session_id", e.s.id, "was", e.prev)
		c.notifier.Emit(Event{Name: EventCallEnded, Call: &e.info})
	}
}

// Disconnect terminates every session, drops the registration and closes
// the connection. It returns once all local state is torn down.
func (c *Client) Disconnect() {
	connected := c.conn.State() == ConnConnected
	c.endAll(connected)
	if connected && c.registrar.Status().State == RegRegistered {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.UnregisterTimeout)
		_ = c.registrar.Unregister(ctx, c.opts.UnregisterTimeout)
		cancel()
	}
	c.registrar.forceUnregistered()
	c.conn.Disconnect()
}

// Close releases everything the client holds. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		slog.Info("[Client] Closing")
		c.closed.Store(true)
		c.Disconnect()
		c.cancel()
		c.registry.Close()
	})
	return nil
}
