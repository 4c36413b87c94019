package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sebas/agentline/internal/events"
)

const (
	// streamBuffer is how many records a slow subscriber may fall behind
	// before records are dropped for it.
	streamBuffer     = 64
	streamWriteLimit = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Stream fans event records out to live websocket subscribers. It is an
// events.Publisher; each subscriber gets its own buffered channel.
type Stream struct {
	mu     sync.Mutex
	subs   map[*events.ChannelPublisher]struct{}
	closed bool
}

func NewStream() *Stream {
	return &Stream{subs: make(map[*events.ChannelPublisher]struct{})}
}

func (s *Stream) Publish(ctx context.Context, rec events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		_ = sub.Publish(ctx, rec)
	}
	return nil
}

// Close ends every subscription. Later subscribers get a closed channel.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subs {
		_ = sub.Close()
		delete(s.subs, sub)
	}
	return nil
}

// Subscribers counts open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Stream) subscribe() (*events.ChannelPublisher, func()) {
	sub := events.NewChannelPublisher(streamBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sub.Close()
		return sub, func() {}
	}
	s.subs[sub] = struct{}{}
	return sub, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			_ = sub.Close()
		}
	}
}

// handleEventStream upgrades to a websocket and writes each record as a
// JSON text message until either side goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("[API] Event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, cancel := s.stream.subscribe()
	defer cancel()
	slog.Debug("[API] Event stream opened", "remote", r.RemoteAddr)

	// Drain client frames so close and ping control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-sub.Records():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
			if err := conn.WriteJSON(rec); err != nil {
				slog.Debug("[API] Event stream write failed", "error", err)
				return
			}
		case <-gone:
			slog.Debug("[API] Event stream closed by client", "remote", r.RemoteAddr)
			return
		}
	}
}
