package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ProbeTimeout bounds Probe.
const ProbeTimeout = 5 * time.Second

// ConnectionManager owns the signaling-server connection state.
type ConnectionManager struct {
	transport SignalingTransport
	prober    Prober
	notifier  *Notifier
	timeout   time.Duration

	mu       sync.Mutex
	state    ConnectionState
	endpoint string
	lastErr  error
	// gen increments whenever Disconnect or a transport loss invalidates an
	// in-flight Connect.
	gen uint64
}

// NewConnectionManager creates a manager in ConnDisconnected.
func NewConnectionManager(transport SignalingTransport, prober Prober, notifier *Notifier, timeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		transport: transport,
		prober:    prober,
		notifier:  notifier,
		timeout:   timeout,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the cause of the last TransportError state.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Probe reports whether endpoint is reachable within ProbeTimeout. It never
// returns an error.
func (m *ConnectionManager) Probe(ctx context.Context, endpoint string) bool {
	if m.prober == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.New("probe panicked")
			}
		}()
		result <- m.prober.Probe(ctx, endpoint)
	}()

	select {
	case err := <-result:
		if err != nil {
			slog.Debug("[Connection] Probe failed", "endpoint", endpoint, "error", err)
			return false
		}
		return true
	case <-ctx.Done():
		slog.Debug("[Connection] Probe timed out", "endpoint", endpoint)
		return false
	}
}

// Connect opens the transport. Failure leaves the manager in
// ConnTransportError; no retry is attempted.
func (m *ConnectionManager) Connect(ctx context.Context, cfg ConnectionConfig) (ConnectionState, error) {
	if err := cfg.Validate(); err != nil {
		return m.State(), err
	}

	m.mu.Lock()
	switch m.state {
	case ConnConnected:
		m.mu.Unlock()
		return ConnConnected, nil
	case ConnConnecting:
		m.mu.Unlock()
		return ConnConnecting, ErrConnectInProgress
	}
	m.state = ConnConnecting
	m.endpoint = cfg.TransportEndpoint
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	slog.Info("[Connection] Connecting", "endpoint", cfg.TransportEndpoint)

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.transport.Connect(cctx, cfg)
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		// Disconnected while the dial was in flight.
		m.mu.Unlock()
		if err == nil {
			_ = m.transport.Disconnect()
		}
		return ConnDisconnected, &TransportError{Op: "connect", Endpoint: cfg.TransportEndpoint, Err: ErrClosed}
	}
	if err != nil {
		terr := &TransportError{Op: "connect", Endpoint: cfg.TransportEndpoint, Err: err}
		m.state = ConnTransportError
		m.lastErr = terr
		m.mu.Unlock()

		slog.Warn("[Connection] Connect failed", "endpoint", cfg.TransportEndpoint, "error", err)
		m.notifier.Emit(Event{Name: EventTransportError, Connection: ConnTransportError, Err: terr})
		return ConnTransportError, terr
	}
	m.state = ConnConnected
	m.lastErr = nil
	m.mu.Unlock()

	slog.Info("[Connection] Connected", "endpoint", cfg.TransportEndpoint)
	m.notifier.Emit(Event{Name: EventConnected, Connection: ConnConnected})
	return ConnConnected, nil
}

// Disconnect closes the transport. Calling it again is a no-op.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.state == ConnDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = ConnDisconnected
	m.gen++
	m.mu.Unlock()

	if err := m.transport.Disconnect(); err != nil {
		slog.Warn("[Connection] Transport close failed", "error", err)
	}
	slog.Info("[Connection] Disconnected")
	m.notifier.Emit(Event{Name: EventDisconnected, Connection: ConnDisconnected})
}

// lost records a transport failure reported by the stack. It returns false
// when the connection was not up.
func (m *ConnectionManager) lost(cause error) bool {
	m.mu.Lock()
	if m.state != ConnConnected {
		m.mu.Unlock()
		return false
	}
	terr := &TransportError{Op: "read", Endpoint: m.endpoint, Err: cause}
	m.state = ConnTransportError
	m.lastErr = terr
	m.gen++
	m.mu.Unlock()

	slog.Warn("[Connection] Transport lost", "endpoint", terr.Endpoint, "error", cause)
	m.notifier.Emit(Event{Name: EventTransportError, Connection: ConnTransportError, Err: terr})
	return true
}
