package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/telephony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return srv.Stream().Subscribers() == 1 },
		time.Second, 10*time.Millisecond)
	return conn
}

func TestEventStreamDeliversRecords(t *testing.T) {
	srv := NewServer(":0", newFakeClient(), events.NewJournal(10), 0)
	conn := dialStream(t, srv)

	ctx := context.Background()
	require.NoError(t, srv.Stream().Publish(ctx, events.Record{
		Name:    telephony.EventIncomingCall,
		Subject: "agentline.1001.calls.s-1.incoming_call",
	}))
	require.NoError(t, srv.Stream().Publish(ctx, events.Record{Name: telephony.EventCallEnded}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second events.Record
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, telephony.EventIncomingCall, first.Name)
	assert.Equal(t, "agentline.1001.calls.s-1.incoming_call", first.Subject)
	assert.Equal(t, telephony.EventCallEnded, second.Name)
}

func TestEventStreamUnsubscribesOnClientClose(t *testing.T) {
	srv := NewServer(":0", newFakeClient(), events.NewJournal(10), 0)
	conn := dialStream(t, srv)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return srv.Stream().Subscribers() == 0 },
		time.Second, 10*time.Millisecond)

	// Publishing with nobody listening is a no-op.
	assert.NoError(t, srv.Stream().Publish(context.Background(), events.Record{Name: telephony.EventConnected}))
}

func TestEventStreamClosesOnShutdown(t *testing.T) {
	srv := NewServer(":0", newFakeClient(), events.NewJournal(10), 0)
	conn := dialStream(t, srv)

	require.NoError(t, srv.Stream().Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, srv.Stream().Subscribers())
}
