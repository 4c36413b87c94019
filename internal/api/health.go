package api

import (
	"context"
	"log/slog"
	"net"

	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/telephony"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that tracks the line.
const HealthService = "agentline.Line"

// Health serves the standard gRPC health protocol. The line service is
// SERVING while the agent is registered; the empty service name reports the
// process itself and is always SERVING until shutdown.
type Health struct {
	addr   string
	srv    *health.Server
	server *grpc.Server
}

var _ events.Publisher = (*Health)(nil)

func NewHealth(addr string) *Health {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, srv)
	return &Health{addr: addr, srv: srv, server: server}
}

// Publish follows registration events.
func (h *Health) Publish(_ context.Context, rec events.Record) error {
	switch rec.Name {
	case telephony.EventRegistered:
		h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	case telephony.EventUnregistered, telephony.EventRegistrationFailed,
		telephony.EventDisconnected, telephony.EventTransportError:
		h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return nil
}

// Close marks every service NOT_SERVING.
func (h *Health) Close() error {
	h.srv.Shutdown()
	return nil
}

// Check reports the current status of service.
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Run serves gRPC until ctx is canceled.
func (h *Health) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	slog.Info("[Health] Starting gRPC health server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- h.server.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.srv.Shutdown()
		h.server.GracefulStop()
		return nil
	}
}
