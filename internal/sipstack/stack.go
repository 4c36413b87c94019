// Package sipstack implements telephony.SignalingTransport on top of sipgo.
package sipstack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/agentline/internal/telephony"
)

// Defaults for Config.
const (
	DefaultBindHost          = "0.0.0.0"
	DefaultBindPort          = 5062
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
)

// Allowed is advertised in OPTIONS answers and outgoing INVITEs.
const Allowed = "INVITE, ACK, CANCEL, BYE, NOTIFY, REFER, OPTIONS"

// ErrNotConnected is returned by sends before Connect or after Disconnect.
var ErrNotConnected = errors.New("sip stack not connected")

// Config holds local transport settings. Zero values select defaults.
type Config struct {
	// BindHost and BindPort are where the UDP/TCP/TLS listener binds. WebSocket
	// connections carry inbound requests on the outbound connection instead.
	BindHost string
	BindPort int
	// PublicHost overrides the Contact host, e.g. behind NAT.
	PublicHost string
	// KeepaliveInterval is the OPTIONS ping period; negative disables it.
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration
	TLSConfig         *tls.Config
}

func (c *Config) setDefaults() {
	if c.BindHost == "" {
		c.BindHost = DefaultBindHost
	}
	if c.BindPort == 0 {
		c.BindPort = DefaultBindPort
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Stack is a single-account SIP user agent.
type Stack struct {
	cfg Config

	handlerMu sync.RWMutex
	handler   func(telephony.Notification) error

	mu   sync.Mutex
	sess *session

	dialogs *dialogTable
}

// session is everything that exists only while connected.
type session struct {
	conn      telephony.ConnectionConfig
	ep        telephony.Endpoint
	transport string
	aor       sip.Uri
	contact   sip.ContactHeader

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	regMu     sync.Mutex
	regCallID string
	regTag    string
	regCSeq   uint32
}

var _ telephony.SignalingTransport = (*Stack)(nil)

// New creates a disconnected stack.
func New(cfg Config) *Stack {
	cfg.setDefaults()
	return &Stack{cfg: cfg, dialogs: newDialogTable()}
}

// SetHandler installs the notification sink.
func (s *Stack) SetHandler(fn func(telephony.Notification) error) {
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()
}

func (s *Stack) notify(n telephony.Notification) error {
	s.handlerMu.RLock()
	fn := s.handler
	s.handlerMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(n)
}

func sipTransport(scheme string) string {
	return strings.ToUpper(scheme)
}

// Connect builds the user agent, starts listening where the transport needs
// it and verifies the server answers an OPTIONS request.
func (s *Stack) Connect(ctx context.Context, cfg telephony.ConnectionConfig) error {
	ep, err := telephony.ParseEndpoint(cfg.TransportEndpoint)
	if err != nil {
		return err
	}
	var aor sip.Uri
	if err := sip.ParseUri(cfg.URI, &aor); err != nil {
		return fmt.Errorf("parse uri: %w", err)
	}

	if cfg.Debug {
		// Full message traces go through zerolog at debug level.
		sip.SIPDebug = true
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = telephony.DefaultUserAgent
	}
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}
	var clientOpts []sipgo.ClientOption
	if host := s.viaHost(); host != "" {
		clientOpts = append(clientOpts, sipgo.WithClientHostname(host))
	}
	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      cfg,
		ep:        ep,
		transport: sipTransport(ep.Scheme),
		aor:       aor,
		contact:   s.contactFor(aor.User, ep),
		ua:        ua,
		client:    client,
		server:    server,
		ctx:       sctx,
		cancel:    cancel,
		regCallID: uuid.NewString(),
		regTag:    generateTag(),
	}

	server.OnRequest(sip.INVITE, s.onInvite)
	server.OnRequest(sip.ACK, s.onAck)
	server.OnRequest(sip.CANCEL, s.onCancel)
	server.OnRequest(sip.BYE, s.onBye)
	server.OnRequest(sip.NOTIFY, s.onNotify)
	server.OnRequest(sip.OPTIONS, s.onOptions)

	if !ep.IsWebSocket() {
		network := ep.Scheme
		listenAddr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort)
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			slog.Info("[SIP] Listening", "network", network, "addr", listenAddr)
			if err := server.ListenAndServe(sctx, network, listenAddr); err != nil && sctx.Err() == nil {
				slog.Error("[SIP] Listener stopped", "network", network, "addr", listenAddr, "error", err)
				s.lost(sess, err)
			}
		}()
	}

	s.mu.Lock()
	if s.sess != nil {
		s.mu.Unlock()
		sess.close()
		return errors.New("already connected")
	}
	s.sess = sess
	s.mu.Unlock()

	if err := s.ping(ctx, sess); err != nil {
		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
		}
		s.mu.Unlock()
		sess.close()
		return err
	}

	if s.cfg.KeepaliveInterval > 0 {
		sess.wg.Add(1)
		go s.keepalive(sess)
	}
	slog.Info("[SIP] Connected", "endpoint", ep.URL(), "aor", aor.String(), "contact", sess.contact.Address.String())
	return nil
}

// viaHost is the address outgoing requests are sent from when the stack is
// bound to a specific interface. An empty result lets sipgo pick one.
func (s *Stack) viaHost() string {
	ip := net.ParseIP(s.cfg.BindHost)
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

func (s *Stack) contactFor(user string, ep telephony.Endpoint) sip.ContactHeader {
	uri := sip.Uri{Scheme: "sip", User: user, UriParams: sip.NewParams()}
	switch {
	case ep.IsWebSocket():
		// RFC 7118: the WebSocket client has no reachable address of its own.
		uri.Host = uuid.New().String()[:12] + ".invalid"
		uri.UriParams.Add("transport", "ws")
	default:
		uri.Host = s.cfg.PublicHost
		if uri.Host == "" {
			uri.Host = s.cfg.BindHost
		}
		uri.Port = s.cfg.BindPort
		if ep.Scheme != "udp" {
			uri.UriParams.Add("transport", ep.Scheme)
		}
	}
	return sip.ContactHeader{Address: uri}
}

// Disconnect tears the user agent down. It is idempotent.
func (s *Stack) Disconnect() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	s.dialogs.drain()
	sess.close()
	slog.Info("[SIP] Disconnected")
	return nil
}

func (sess *session) close() {
	sess.cancel()
	if sess.client != nil {
		_ = sess.client.Close()
	}
	if sess.server != nil {
		_ = sess.server.Close()
	}
	sess.ua.Close()
	sess.wg.Wait()
}

func (s *Stack) current() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, ErrNotConnected
	}
	return s.sess, nil
}

// lost reports a dead connection once and drops the session.
func (s *Stack) lost(sess *session, cause error) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	s.mu.Unlock()

	slog.Warn("[SIP] Connection lost", "error", cause)
	s.dialogs.drain()
	go sess.close()
	_ = s.notify(telephony.Notification{Kind: telephony.NotifyDisconnected, Err: cause})
}

// keepalive pings the server and reports the connection lost after two
// consecutive failures.
func (s *Stack) keepalive(sess *session) {
	defer sess.wg.Done()
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(sess.ctx, sess); err != nil {
				if sess.ctx.Err() != nil {
					return
				}
				failures++
				slog.Debug("[SIP] Keepalive failed", "failures", failures, "error", err)
				if failures >= 2 {
					// lost closes the session, which waits on this goroutine.
					go s.lost(sess, err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ping sends OPTIONS to the registrar domain. Any final response counts as alive.
func (s *Stack) ping(ctx context.Context, sess *session) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	req := s.newRequest(sess, sip.OPTIONS, sip.Uri{Scheme: "sip", Host: sess.aor.Host, Port: sess.aor.Port}, uuid.NewString(), generateTag(), 1)
	req.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	resp, err := s.roundTrip(ctx, sess, req)
	if err != nil {
		return err
	}
	slog.Debug("[SIP] OPTIONS answered", "status", resp.StatusCode)
	return nil
}

// newRequest builds an out-of-dialog request from our address of record.
func (s *Stack) newRequest(sess *session, method sip.RequestMethod, recipient sip.Uri, callID, fromTag string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: sess.conn.DisplayName,
		Address:     sip.Uri{Scheme: sess.aor.Scheme, User: sess.aor.User, Host: sess.aor.Host, Port: sess.aor.Port},
		Params:      fromParams,
	})

	to := recipient
	to.UriParams = sip.NewParams()
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: sess.contact.Address})
	return req
}

// route points a request at the configured endpoint over its transport.
func route(sess *session, req *sip.Request) {
	req.SetTransport(sess.transport)
	req.SetDestination(sess.ep.Addr())
}

// roundTrip sends req in a client transaction and waits for its final response.
func (s *Stack) roundTrip(ctx context.Context, sess *session, req *sip.Request) (*sip.Response, error) {
	route(sess, req)
	tx, err := sess.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, &telephony.TransportError{Op: strings.ToLower(req.Method.String()), Endpoint: sess.ep.URL(), Err: err}
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errors.New("transaction ended without response")
			}
			if int(resp.StatusCode) < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, &telephony.TransportError{Op: strings.ToLower(req.Method.String()), Endpoint: sess.ep.URL(), Err: err}
			}
			return nil, errors.New("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// do is roundTrip with one digest-authenticated retry.
func (s *Stack) do(ctx context.Context, sess *session, req *sip.Request) (*sip.Response, error) {
	resp, err := s.roundTrip(ctx, sess, req)
	if err != nil || !isChallenge(resp) {
		return resp, err
	}
	if err := authorize(req, resp, authUser(sess.conn), sess.conn.Credential); err != nil {
		return nil, err
	}
	return s.roundTrip(ctx, sess, req)
}

func authUser(cfg telephony.ConnectionConfig) string {
	if cfg.AuthUser != "" {
		return cfg.AuthUser
	}
	return cfg.User()
}

// SendRegister refreshes (or with expires 0 removes) the binding.
func (s *Stack) SendRegister(ctx context.Context, expires time.Duration) (time.Duration, error) {
	sess, err := s.current()
	if err != nil {
		return 0, err
	}
	secs := int(expires / time.Second)

	sess.regMu.Lock()
	sess.regCSeq++
	seq := sess.regCSeq
	sess.regMu.Unlock()

	registrar := sip.Uri{Scheme: "sip", Host: sess.aor.Host, Port: sess.aor.Port}
	req := s.newRequest(sess, sip.REGISTER, registrar, sess.regCallID, sess.regTag, seq)
	// The To of a REGISTER is the address of record, not the registrar.
	req.RemoveHeader("To")
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: sess.aor.Scheme, User: sess.aor.User, Host: sess.aor.Host, Port: sess.aor.Port},
		Params:  sip.NewParams(),
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(secs)))
	req.AppendHeader(sip.NewHeader("Allow", Allowed))

	slog.Debug("[SIP] REGISTER", "aor", sess.aor.String(), "expires", secs)
	resp, err := s.do(ctx, sess, req)
	if err != nil {
		return 0, err
	}

	// Keep our CSeq ahead of whatever the auth retry used.
	if cseq := req.CSeq(); cseq != nil {
		sess.regMu.Lock()
		if cseq.SeqNo > sess.regCSeq {
			sess.regCSeq = cseq.SeqNo
		}
		sess.regMu.Unlock()
	}

	code := int(resp.StatusCode)
	if code < 200 || code >= 300 {
		return 0, &telephony.StatusError{Code: code, Reason: resp.Reason}
	}
	return grantedExpiry(resp, expires), nil
}

// grantedExpiry reads the lifetime the registrar granted, preferring the
// Contact expires parameter over the Expires header.
func grantedExpiry(resp *sip.Response, requested time.Duration) time.Duration {
	if contact := resp.Contact(); contact != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}
