package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/telephony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeClient struct {
	status  telephony.Status
	calls   map[string]telephony.CallInfo
	ice     []telephony.ICEServer
	err     error
	joined  bool
	dialed  string
	rejectC int
	tones   string
	toneDur time.Duration
	xferTo  string
	xferM   telephony.TransferMode
	muted   map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		status: telephony.Status{Connection: telephony.ConnConnected},
		calls: map[string]telephony.CallInfo{
			"s-1": {ID: "s-1", Direction: telephony.Inbound, State: telephony.CallRinging},
		},
		muted: map[string]bool{},
	}
}

func (f *fakeClient) Status() telephony.Status { return f.status }
func (f *fakeClient) Call(id string) (telephony.CallInfo, bool) {
	c, ok := f.calls[id]
	c.Muted = f.muted[id]
	return c, ok
}
func (f *fakeClient) RecentCalls() []telephony.CallInfo { return nil }
func (f *fakeClient) JoinQueue(context.Context) error {
	f.joined = true
	return f.err
}
func (f *fakeClient) LeaveQueue(context.Context) error { return f.err }
func (f *fakeClient) Dial(_ context.Context, target string) (telephony.CallInfo, error) {
	f.dialed = target
	return telephony.CallInfo{ID: "s-2", Direction: telephony.Outbound, Remote: target}, f.err
}
func (f *fakeClient) Answer(_ context.Context, id string) (telephony.CallInfo, error) {
	if _, ok := f.calls[id]; !ok {
		return telephony.CallInfo{}, telephony.ErrNoIncomingCall
	}
	return f.calls[id], f.err
}
func (f *fakeClient) Reject(_ context.Context, _ string, code int, _ string) error {
	f.rejectC = code
	return f.err
}
func (f *fakeClient) HangUp(context.Context, string) error { return f.err }
func (f *fakeClient) Mute(id string, muted bool) error {
	f.muted[id] = muted
	return f.err
}
func (f *fakeClient) SendTone(_ context.Context, _ string, tones string, d, _ time.Duration) error {
	f.tones, f.toneDur = tones, d
	return f.err
}
func (f *fakeClient) Transfer(_ context.Context, _ string, target string, mode telephony.TransferMode) error {
	f.xferTo, f.xferM = target, mode
	return f.err
}
func (f *fakeClient) ICEServers() []telephony.ICEServer { return f.ice }
func (f *fakeClient) UpdateICEServers(s []telephony.ICEServer) error {
	if err := telephony.ValidateICEServers(s); err != nil {
		return err
	}
	f.ice = s
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndHealth(t *testing.T) {
	fc := newFakeClient()
	h := NewServer(":0", fc, events.NewJournal(10), 0).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "Connected", body["connection"])

	fc.status.IsRegistered = true
	rec = do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_registered":true`)
}

func TestCallRoutes(t *testing.T) {
	fc := newFakeClient()
	h := NewServer(":0", fc, events.NewJournal(10), 0).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/calls", `{"target":"2001"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2001", fc.dialed)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/answer", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/missing/answer", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/reject", `{"code":486}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 486, fc.rejectC)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/reject", `{"code":200}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/mute", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"muted":true`)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/dtmf", `{"tones":"12#","duration_ms":160}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "12#", fc.tones)
	assert.Equal(t, 160*time.Millisecond, fc.toneDur)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/transfer", `{"target":"3001","mode":"attended"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, telephony.Attended, fc.xferM)

	rec = do(t, h, http.MethodPost, "/api/v1/calls/s-1/transfer", `{"target":"3001","mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/calls", `{"target":"2001","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{telephony.ErrNotRegistered, http.StatusServiceUnavailable},
		{telephony.ErrBusy, http.StatusConflict},
		{telephony.ErrInvalidTones, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", telephony.ErrNegotiationFailed), http.StatusBadGateway},
		{&telephony.StatusError{Code: 403, Reason: "Forbidden"}, http.StatusBadGateway},
		{telephony.ErrRegistrationTimeout, http.StatusGatewayTimeout},
		{&telephony.RegistrationError{Kind: telephony.RegistrationAborted}, http.StatusConflict},
		{&telephony.TransportError{Op: "register", Err: fmt.Errorf("connection reset")}, http.StatusBadGateway},
		{&telephony.TransportError{Op: "register", Err: telephony.ErrNotConnected}, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			fc := newFakeClient()
			fc.err = tc.err
			h := NewServer(":0", fc, events.NewJournal(10), 0).Handler()
			rec := do(t, h, http.MethodPost, "/api/v1/queue/join", "")
			assert.Equal(t, tc.want, rec.Code)
			assert.True(t, fc.joined)
		})
	}
}

func TestEventsAndICE(t *testing.T) {
	fc := newFakeClient()
	j := events.NewJournal(10)
	_ = j.Publish(context.Background(), events.Record{Name: telephony.EventConnected})
	_ = j.Publish(context.Background(), events.Record{Name: telephony.EventRegistered})
	h := NewServer(":0", fc, j, 0).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/events?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Contains(t, rec.Body.String(), `"registered"`)

	rec = do(t, h, http.MethodGet, "/api/v1/events?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/ice-servers", `{"ice_servers":[{"urls":["stun:stun.example.com"]}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fc.ice, 1)

	rec = do(t, h, http.MethodPut, "/api/v1/ice-servers", `{"ice_servers":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, fc.ice, 1, "rejected update keeps the old list")
}

func TestRateLimitAndMetrics(t *testing.T) {
	h := NewServer(":0", newFakeClient(), events.NewJournal(10), 2).Handler()
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/status", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/v1/status", "").Code)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentline_api_requests_total{code="429"`)
}

func TestHealthFollowsRegistration(t *testing.T) {
	h := NewHealth("127.0.0.1:0")
	ctx := context.Background()

	st, err := h.Check(ctx, HealthService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_ = h.Publish(ctx, events.Record{Name: telephony.EventRegistered})
	st, _ = h.Check(ctx, HealthService)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	_ = h.Publish(ctx, events.Record{Name: telephony.EventDisconnected})
	st, _ = h.Check(ctx, HealthService)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	st, _ = h.Check(ctx, "")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
	_ = h.Close()
	st, _ = h.Check(ctx, "")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestDashboard(t *testing.T) {
	fc := newFakeClient()
	call := fc.calls["s-1"]
	call.CreatedAt = time.Now().Add(-90 * time.Second)
	call.Remote = "sip:5551234@pbx.example.com"
	fc.status.PendingCall = &call
	j := events.NewJournal(10)
	_ = j.Publish(context.Background(), events.Record{Name: telephony.EventIncomingCall, Subject: "agentline.1001.calls.s-1.incoming_call"})
	h := NewServer(":0", fc, j, 0).Handler()

	rec := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Agent Line</title>")
	assert.Contains(t, body, "sip:5551234@pbx.example.com")
	assert.Contains(t, body, "1m 30s")
	assert.Contains(t, body, "incoming_call")

	rec = do(t, h, http.MethodGet, "/partials/line", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<html")
	assert.Contains(t, rec.Body.String(), "pending")

	fc.status.Connection = telephony.ConnTransportError
	fc.status.ConnectionError = "transport read: ws closed"
	rec = do(t, h, http.MethodGet, "/partials/line", "")
	assert.Contains(t, rec.Body.String(), "TransportError")
	assert.Contains(t, rec.Body.String(), "transport read: ws closed")
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2m 5s", formatUptime(125*time.Second))
	assert.Equal(t, "1h 0m 1s", formatUptime(time.Hour+time.Second))
	assert.Equal(t, "2d 3h 0m", formatUptime(51*time.Hour))
	assert.Equal(t, "0s", formatUptime(-time.Second))
}
