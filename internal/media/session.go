// Package media implements telephony.MediaFactory with pion WebRTC peer
// connections carrying G.711 audio and RFC 4733 tones.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sebas/agentline/internal/telephony"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("media session closed")
	// ErrTonesUnsupported means the remote side did not negotiate telephone-event.
	ErrTonesUnsupported = errors.New("remote does not accept telephone-event")
)

// Stats summarizes a session's RTP traffic.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	TonesReceived   uint64
}

// Config tunes every session a Factory creates.
type Config struct {
	// IncludeLoopback gathers 127.0.0.1 candidates.
	IncludeLoopback bool
	// UDPPortMin and UDPPortMax bound the ICE ports; zero means any.
	UDPPortMin uint16
	UDPPortMax uint16

	// NewSource returns 16-bit little-endian 8 kHz mono PCM to send. A nil
	// func or reader sends silence.
	NewSource func() io.Reader
	// NewSink returns where received audio is written as 16-bit PCM.
	NewSink func() io.Writer
	// OnTone is called for each telephone-event key the remote sends.
	OnTone func(key rune)
	// OnClose receives the session's final counters.
	OnClose func(Stats)
}

// Factory creates one peer connection per call.
type Factory struct {
	cfg Config
	api *webrtc.API
}

var _ telephony.MediaFactory = (*Factory)(nil)

// NewFactory builds the shared pion API: PCMU and telephone-event only,
// with the default NACK/RTCP interceptors.
func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(pcmuCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}
	if err := m.RegisterCodec(toneCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register telephone-event: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{cfg: cfg, api: api}, nil
}

// NewSession opens a peer connection with one send/receive audio track.
func (f *Factory) NewSession(policy telephony.MediaPolicy) (telephony.MediaSession, error) {
	if !policy.Audio {
		return nil, errors.New("audio is required")
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(policy.ICEServers)})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	id := uuid.NewString()
	s := &Session{
		id:    id,
		cfg:   f.cfg,
		pc:    pc,
		track: newAudioTrack("audio", id),
	}
	s.enabled.Store(true)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sender, err := pc.AddTrack(s.track)
	if err != nil {
		_ = pc.Close()
		s.cancel()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	if policy.Video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			slog.Warn("[Media] AddTransceiver(video) failed", "session", id, "error", err)
		}
	}

	// Drain RTCP so the interceptors keep running.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("[Media] Peer connection state", "session", id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			slog.Warn("[Media] Peer connection failed", "session", id)
		}
	})

	slog.Debug("[Media] Session created", "session", id, "ice_servers", len(policy.ICEServers))
	return s, nil
}

func iceServers(in []telephony.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

// Session is one call's media.
type Session struct {
	id    string
	cfg   Config
	pc    *webrtc.PeerConnection
	track *audioTrack

	enabled atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	remote    description
	started   bool
	received  sequenceTracker
	tones     uint64
	closeOnce sync.Once

	toneMu sync.Mutex
}

var _ telephony.MediaSession = (*Session)(nil)

// CreateOffer returns the local offer once ICE gathering has finished.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return s.gather(ctx, offer)
}

// Negotiate applies a remote offer and returns our answer.
func (s *Session) Negotiate(ctx context.Context, offer string) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if err := s.setRemote(offer, webrtc.SDPTypeOffer); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	sdp, err := s.gather(ctx, answer)
	if err != nil {
		return "", err
	}
	s.start()
	return sdp, nil
}

// ApplyAnswer applies the remote answer to our offer.
func (s *Session) ApplyAnswer(ctx context.Context, answer string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.setRemote(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	s.start()
	return nil
}

func (s *Session) setRemote(raw string, typ webrtc.SDPType) error {
	d, err := describe(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", telephony.ErrNegotiationFailed, err)
	}
	if !d.audio || !d.acceptsPCMU() {
		return fmt.Errorf("%w: remote %s has no usable audio (codecs %v)", telephony.ErrNegotiationFailed, typ, d.codecs)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: raw}); err != nil {
		return fmt.Errorf("%w: %v", telephony.ErrNegotiationFailed, err)
	}
	s.mu.Lock()
	s.remote = d
	s.mu.Unlock()
	slog.Debug("[Media] Remote description applied", "session", s.id, "type", typ.String(),
		"codecs", d.codecs, "telephone_event", d.hasTone, "direction", d.direction)
	return nil
}

// gather sets the local description and waits for the complete candidate
// list, since SIP peers get a single non-trickled SDP.
func (s *Session) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	case <-s.ctx.Done():
		return "", ErrClosed
	}
	local := s.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

// start launches the audio pacer once media is negotiated.
func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	var src io.Reader
	if s.cfg.NewSource != nil {
		src = s.cfg.NewSource()
	}
	s.wg.Add(1)
	go s.pace(src)
}

// pace sends one frame every 20 ms: the source while enabled, silence
// otherwise or once the source runs dry.
func (s *Session) pace(src io.Reader) {
	defer s.wg.Done()
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	pcm := make([]byte, FramePCMBytes)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		payload := silenceFrame
		if src != nil {
			if _, err := io.ReadFull(src, pcm); err != nil {
				src = nil
			} else if s.enabled.Load() {
				payload = encodeFrame(pcm)
			}
		}
		if err := s.track.writeAudio(payload); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			slog.Debug("[Media] Audio write failed", "session", s.id, "error", err)
		}
	}
}

func (s *Session) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var sink io.Writer
	if s.cfg.NewSink != nil {
		sink = s.cfg.NewSink()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	slog.Debug("[Media] Remote audio track", "session", s.id, "codec", remote.Codec().MimeType, "ssrc", remote.SSRC())
	go func() {
		defer s.wg.Done()
		s.receive(remote, sink)
	}()
}

func (s *Session) receive(remote *webrtc.TrackRemote, sink io.Writer) {
	detector := toneDetector{minDuration: uint16(telephony.MinToneDuration.Seconds() * SampleRate / 2)}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received.update(pkt.SequenceNumber)
		tonePT, hasTone := s.remote.tonePT, s.remote.hasTone
		s.mu.Unlock()

		if hasTone && pkt.PayloadType == tonePT {
			if key, ok := detector.feed(pkt.Timestamp, pkt.Payload); ok {
				s.mu.Lock()
				s.tones++
				s.mu.Unlock()
				slog.Debug("[Media] Tone received", "session", s.id, "key", string(key))
				if s.cfg.OnTone != nil {
					s.cfg.OnTone(key)
				}
			}
			continue
		}
		if sink != nil && pkt.PayloadType == PCMUPayloadType {
			if _, err := sink.Write(decodeFrame(pkt.Payload)); err != nil {
				sink = nil
			}
		}
	}
}

// SetTrackEnabled switches the outbound audio between the source and silence.
func (s *Session) SetTrackEnabled(enabled bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.enabled.Store(enabled)
	return nil
}

// SendTone plays tones in order; ',' pauses for telephony.TonePause.
func (s *Session) SendTone(ctx context.Context, tones string, duration, gap time.Duration) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.track.canSendTones() {
		return ErrTonesUnsupported
	}
	s.toneMu.Lock()
	defer s.toneMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for i, r := range tones {
		if r == ',' {
			if err := sleep(ctx, telephony.TonePause); err != nil {
				return err
			}
			continue
		}
		event, ok := EventFor(r)
		if !ok {
			return fmt.Errorf("%w: %q", telephony.ErrInvalidTones, r)
		}
		if err := s.track.sendTone(ctx, event, duration); err != nil {
			return fmt.Errorf("tone %d (%c): %w", i, r, err)
		}
		if i < len(tones)-1 {
			if err := sleep(ctx, gap); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		PacketsSent:     s.track.packetsSent(),
		PacketsReceived: s.received.received,
		PacketsLost:     s.received.lost,
		TonesReceived:   s.tones,
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the peer connection down. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		err = s.pc.Close()
		s.wg.Wait()
		stats := s.Stats()
		slog.Debug("[Media] Session closed", "session", s.id,
			"sent", stats.PacketsSent, "received", stats.PacketsReceived, "lost", stats.PacketsLost)
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(stats)
		}
	})
	return err
}
