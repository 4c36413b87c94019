package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sebas/agentline/internal/telephony"
)

// Publisher receives every event the client emits.
type Publisher interface {
	// Publish sends a record. Returns error only for delivery failures.
	Publish(ctx context.Context, rec Record) error
	// Close releases resources.
	Close() error
}

// Attach installs one notifier handler per event name that turns the event
// into a Record and hands it to p. It replaces any handlers already there.
// The returned func removes them again.
func Attach(n *telephony.Notifier, agent string, p Publisher) (detach func()) {
	for _, name := range telephony.AllEvents {
		n.On(name, func(ev telephony.Event) {
			rec := NewRecord(agent, ev)
			if err := p.Publish(context.Background(), rec); err != nil {
				slog.Warn("[Events] Publish failed", "subject", rec.Subject, "error", err)
			}
		})
	}
	return func() {
		for _, name := range telephony.AllEvents {
			n.Off(name)
		}
	}
}

// LoggingPublisher logs records: call failures and transport errors at warn,
// everything else at info.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, rec Record) error {
	args := []any{"subject", rec.Subject}
	if rec.Call != nil {
		args = append(args, "call_id", rec.Call.CallID, "state", rec.Call.State.String())
	}
	if rec.Reg != nil {
		args = append(args, "registration", rec.Reg.State.String())
	}
	if rec.Target != "" {
		args = append(args, "target", rec.Target)
	}
	if rec.Error != "" {
		args = append(args, "error", rec.Error)
	}
	level := slog.LevelInfo
	switch rec.Name {
	case telephony.EventCallFailed, telephony.EventTransportError, telephony.EventRegistrationFailed:
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "[Events] "+string(rec.Name), args...)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// ChannelPublisher delivers records to a buffered channel, dropping them when
// the buffer is full.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Record
	closed  bool
	dropped int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelPublisher{ch: make(chan Record, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- rec:
	default:
		p.dropped++
		slog.Warn("[Events] Record dropped: buffer full", "subject", rec.Subject)
	}
	return nil
}

// Records returns the channel for consuming records.
func (p *ChannelPublisher) Records() <-chan Record {
	return p.ch
}

// Dropped returns the number of records lost to a full buffer.
func (p *ChannelPublisher) Dropped() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// MultiPublisher fans records out to several publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that sends to all provided publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish delivers to every publisher and joins their errors.
func (m *MultiPublisher) Publish(ctx context.Context, rec Record) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
