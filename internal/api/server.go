// Package api exposes the agent line over a small HTTP control API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/telephony"
)

// Controller is the part of telephony.Client the API drives.
type Controller interface {
	Status() telephony.Status
	Call(id string) (telephony.CallInfo, bool)
	RecentCalls() []telephony.CallInfo
	JoinQueue(ctx context.Context) error
	LeaveQueue(ctx context.Context) error
	Dial(ctx context.Context, target string) (telephony.CallInfo, error)
	Answer(ctx context.Context, id string) (telephony.CallInfo, error)
	Reject(ctx context.Context, id string, code int, reason string) error
	HangUp(ctx context.Context, id string) error
	Mute(id string, muted bool) error
	SendTone(ctx context.Context, id, tones string, duration, gap time.Duration) error
	Transfer(ctx context.Context, id, target string, mode telephony.TransferMode) error
	ICEServers() []telephony.ICEServer
	UpdateICEServers(servers []telephony.ICEServer) error
}

// EventSource lists recent events, newest first.
type EventSource interface {
	Recent(n int) []events.Record
}

var _ Controller = (*telephony.Client)(nil)

// Server provides the HTTP control API
type Server struct {
	addr       string
	client     Controller
	journal    EventSource
	stream     *Stream
	httpServer *http.Server
	templates  *Templates
	startTime  time.Time
}

// NewServer builds the router. rate is the per-client request limit per
// minute on /api/v1; zero disables limiting.
func NewServer(addr string, client Controller, journal EventSource, rate int) *Server {
	s := &Server{
		addr:      addr,
		client:    client,
		journal:   journal,
		stream:    NewStream(),
		templates: mustTemplates(),
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe)
	r.Handle("/metrics", promhttp.Handler())

	// Dashboard
	r.Get("/", s.handleDashboard)
	r.Get("/partials/line", s.handleLinePartial)

	r.Route("/api/v1", func(r chi.Router) {
		if rate > 0 {
			r.Use(rateLimit(rate, time.Minute))
		}

		// Health and line status
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)

		// Queue membership
		r.Post("/queue/join", s.handleJoin)
		r.Post("/queue/leave", s.handleLeave)

		// Calls
		r.Get("/calls", s.handleCalls)
		r.Post("/calls", s.handleDial)
		r.Get("/calls/{id}", s.handleCall)
		r.Post("/calls/{id}/answer", s.handleAnswer)
		r.Post("/calls/{id}/reject", s.handleReject)
		r.Post("/calls/{id}/hangup", s.handleHangUp)
		r.Post("/calls/{id}/mute", s.handleMute(true))
		r.Post("/calls/{id}/unmute", s.handleMute(false))
		r.Post("/calls/{id}/dtmf", s.handleTones)
		r.Post("/calls/{id}/transfer", s.handleTransfer)

		// Media
		r.Get("/ice-servers", s.handleGetICE)
		r.Put("/ice-servers", s.handlePutICE)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Stream is the publisher feeding /api/v1/events/stream subscribers.
func (s *Server) Stream() *Stream { return s.stream }

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[API] Shutdown incomplete", "error", err)
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & Status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.client.Status()
	status := "ok"
	if !st.IsRegistered {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"uptime":     int64(time.Since(s.startTime).Seconds()),
		"connection": st.Connection,
		"registered": st.IsRegistered,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.client.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs := s.journal.Recent(limit)
	if recs == nil {
		recs = []events.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": recs, "count": len(recs)})
}

// --- Queue ---

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.client.JoinQueue(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.client.Status().Registration)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.client.LeaveQueue(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.client.Status().Registration)
}

// --- Calls ---

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	st := s.client.Status()
	recent := s.client.RecentCalls()
	if recent == nil {
		recent = []telephony.CallInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":  st.ActiveCall,
		"pending": st.PendingCall,
		"recent":  recent,
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	info, ok := s.client.Call(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "no such call")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type dialRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "target is required")
		return
	}
	info, err := s.client.Dial(r.Context(), req.Target)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	info, err := s.client.Answer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type rejectRequest struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.Code != 0 && (req.Code < 400 || req.Code > 699) {
		s.writeError(w, http.StatusBadRequest, "bad_request", "code must be a 4xx-6xx status")
		return
	}
	if err := s.client.Reject(r.Context(), chi.URLParam(r, "id"), req.Code, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	if err := s.client.HangUp(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMute(muted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.client.Mute(id, muted); err != nil {
			s.fail(w, err)
			return
		}
		info, _ := s.client.Call(id)
		s.writeJSON(w, http.StatusOK, info)
	}
}

type toneRequest struct {
	Tones      string `json:"tones"`
	DurationMS int    `json:"duration_ms"`
	GapMS      int    `json:"gap_ms"`
}

func (s *Server) handleTones(w http.ResponseWriter, r *http.Request) {
	var req toneRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DurationMS < 0 || req.GapMS < 0 {
		s.writeError(w, http.StatusBadRequest, "bad_request", "durations must not be negative")
		return
	}
	err := s.client.SendTone(r.Context(), chi.URLParam(r, "id"), req.Tones,
		time.Duration(req.DurationMS)*time.Millisecond, time.Duration(req.GapMS)*time.Millisecond)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	Target string `json:"target"`
	Mode   string `json:"mode"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := telephony.ParseTransferMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "target is required")
		return
	}
	if err := s.client.Transfer(r.Context(), chi.URLParam(r, "id"), req.Target, mode); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- ICE servers ---

type iceRequest struct {
	ICEServers []telephony.ICEServer `json:"ice_servers"`
}

func (s *Server) handleGetICE(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, iceRequest{ICEServers: s.client.ICEServers()})
}

func (s *Server) handlePutICE(w http.ResponseWriter, r *http.Request) {
	var req iceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.client.UpdateICEServers(req.ICEServers); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, iceRequest{ICEServers: s.client.ICEServers()})
}

// --- Helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps client errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	if code >= 500 {
		slog.Warn("[API] Request failed", "status", code, "error", err)
	}
	s.writeError(w, code, kind, err.Error())
}

func statusFor(err error) (int, string) {
	var (
		sipErr    *telephony.StatusError
		transpErr *telephony.TransportError
	)
	switch {
	case errors.Is(err, telephony.ErrInvalidConfig), errors.Is(err, telephony.ErrInvalidTones):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, telephony.ErrNoIncomingCall), errors.Is(err, telephony.ErrNoActiveCall):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, telephony.ErrBusy),
		errors.Is(err, telephony.ErrSessionTerminated),
		errors.Is(err, telephony.ErrConnectInProgress),
		errors.Is(err, telephony.ErrRegistrationInProgress),
		errors.Is(err, telephony.ErrRegistrationAborted):
		return http.StatusConflict, "conflict"
	case errors.Is(err, telephony.ErrNotConnected),
		errors.Is(err, telephony.ErrNotRegistered),
		errors.Is(err, telephony.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, telephony.ErrRegistrationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, telephony.ErrRegistrationRejected),
		errors.Is(err, telephony.ErrNegotiationFailed),
		errors.Is(err, telephony.ErrTransferFailed),
		errors.As(err, &sipErr),
		errors.As(err, &transpErr):
		return http.StatusBadGateway, "upstream"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, code int, kind, detail string) {
	s.writeJSON(w, code, map[string]string{"error": kind, "detail": detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
