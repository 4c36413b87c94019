package sipstack

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"github.com/sebas/agentline/internal/telephony"
)

// Probe checks that endpoint accepts a connection. WebSocket endpoints must
// complete the handshake with the "sip" subprotocol; stream endpoints must
// accept a TCP (or TLS) connection. UDP cannot be probed beyond resolving
// the address.
func (s *Stack) Probe(ctx context.Context, endpoint string) error {
	ep, err := telephony.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	switch ep.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			Subprotocols:     []string{"sip"},
			HandshakeTimeout: telephony.ProbeTimeout,
			TLSClientConfig:  s.cfg.TLSConfig,
		}
		conn, resp, err := dialer.DialContext(ctx, ep.URL(), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("websocket handshake: %w", err)
		}
		defer conn.Close()
		if conn.Subprotocol() != "sip" {
			return fmt.Errorf("server did not accept the sip subprotocol")
		}
		return nil
	case "tls":
		d := tls.Dialer{Config: s.cfg.TLSConfig}
		conn, err := d.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			return err
		}
		return conn.Close()
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			return err
		}
		return conn.Close()
	default:
		_, err := net.DefaultResolver.LookupHost(ctx, ep.Host)
		return err
	}
}
