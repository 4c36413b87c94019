package media

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errCodecUnsupported = errors.New("remote does not accept PCMU")

// audioTrack is an outbound PCMU track that can also carry telephone-event
// packets on the same SSRC. TrackLocalStaticRTP rewrites the payload type of
// everything it sends, so the track binds the writer itself.
type audioTrack struct {
	id       string
	streamID string

	mu        sync.Mutex
	writer    webrtc.TrackLocalWriter
	ssrc      uint32
	audioPT   uint8
	tonePT    uint8
	hasTone   bool
	seq       uint16
	timestamp uint32
	inTone    bool
	marker    bool
	sent      uint64
}

func newAudioTrack(id, streamID string) *audioTrack {
	return &audioTrack{
		id:        id,
		streamID:  streamID,
		seq:       randomUint16(),
		timestamp: randomUint32(),
		marker:    true,
	}
}

func (t *audioTrack) ID() string                { return t.id }
func (t *audioTrack) RID() string               { return "" }
func (t *audioTrack) StreamID() string          { return t.streamID }
func (t *audioTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// Bind picks PCMU and notes the negotiated telephone-event payload type.
func (t *audioTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var audio *webrtc.RTPCodecParameters
	var tonePT uint8
	hasTone := false
	for _, c := range ctx.CodecParameters() {
		switch {
		case audio == nil && strings.EqualFold(c.MimeType, webrtc.MimeTypePCMU):
			picked := c
			audio = &picked
		case !hasTone && strings.EqualFold(c.MimeType, MimeTypeTelephoneEvent):
			tonePT = uint8(c.PayloadType)
			hasTone = true
		}
	}
	if audio == nil {
		return webrtc.RTPCodecParameters{}, errCodecUnsupported
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer = ctx.WriteStream()
	t.ssrc = uint32(ctx.SSRC())
	t.audioPT = uint8(audio.PayloadType)
	t.tonePT = tonePT
	t.hasTone = hasTone
	return *audio, nil
}

func (t *audioTrack) Unbind(webrtc.TrackLocalContext) error {
	t.mu.Lock()
	t.writer = nil
	t.mu.Unlock()
	return nil
}

func (t *audioTrack) canSendTones() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer != nil && t.hasTone
}

func (t *audioTrack) packetsSent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// writeAudio sends one µ-law frame. While a tone is playing the frame is
// dropped but the clock still advances.
func (t *audioTrack) writeAudio(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.timestamp
	t.timestamp += uint32(FrameSamples)
	if t.writer == nil || t.inTone {
		return nil
	}
	hdr := &rtp.Header{
		Version:        2,
		Marker:         t.marker,
		PayloadType:    t.audioPT,
		SequenceNumber: t.seq,
		Timestamp:      ts,
		SSRC:           t.ssrc,
	}
	t.seq++
	t.marker = false
	t.sent++
	_, err := t.writer.WriteRTP(hdr, payload)
	return err
}

func (t *audioTrack) writeEvent(ts uint32, evt ToneEvent, marker bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return errors.New("track not bound")
	}
	hdr := &rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    t.tonePT,
		SequenceNumber: t.seq,
		Timestamp:      ts,
		SSRC:           t.ssrc,
	}
	t.seq++
	t.sent++
	_, err := t.writer.WriteRTP(hdr, evt.Encode())
	return err
}

// beginTone freezes the event timestamp and suppresses audio.
func (t *audioTrack) beginTone() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inTone = true
	return t.timestamp
}

func (t *audioTrack) endTone() {
	t.mu.Lock()
	t.inTone = false
	t.marker = true
	t.mu.Unlock()
}

// sendTone plays one event: an update every frame with a growing duration,
// then three end packets. The timestamp stays at the event start throughout.
func (t *audioTrack) sendTone(ctx context.Context, event uint8, duration time.Duration) error {
	samples := int(duration.Seconds() * SampleRate)
	if samples > MaxToneSamples {
		samples = MaxToneSamples
	}
	if samples < FrameSamples {
		samples = FrameSamples
	}

	start := t.beginTone()
	defer t.endTone()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	first := true
	for elapsed := FrameSamples; elapsed < samples; elapsed += FrameSamples {
		evt := ToneEvent{Event: event, Volume: DefaultToneVolume, Duration: uint16(elapsed)}
		if err := t.writeEvent(start, evt, first); err != nil {
			return err
		}
		first = false
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	end := ToneEvent{Event: event, EndOfEvent: true, Volume: DefaultToneVolume, Duration: uint16(samples)}
	for i := 0; i < endPackets; i++ {
		if err := t.writeEvent(start, end, first); err != nil {
			return err
		}
		first = false
	}
	return nil
}
