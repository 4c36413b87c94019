package media

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/zaf/g711"
)

// MimeTypeTelephoneEvent is the RFC 4733 event codec.
const MimeTypeTelephoneEvent = "audio/telephone-event"

// Audio framing. Only G.711 µ-law is offered, so one sample is one byte.
const (
	SampleRate      = 8000
	FrameDuration   = 20 * time.Millisecond
	FrameSamples    = SampleRate * int(FrameDuration) / int(time.Second) // 160
	FramePCMBytes   = FrameSamples * 2                                   // 16-bit LE
	PCMUPayloadType = 0
	TonePayloadType = 101
)

var (
	pcmuCodec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: SampleRate, Channels: 1},
		PayloadType:        PCMUPayloadType,
	}
	toneCodec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: MimeTypeTelephoneEvent, ClockRate: SampleRate, Channels: 1, SDPFmtpLine: "0-16"},
		PayloadType:        TonePayloadType,
	}

	silenceFrame = g711.EncodeUlaw(make([]byte, FramePCMBytes))
)

// encodeFrame converts one frame of 16-bit PCM to µ-law.
func encodeFrame(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// decodeFrame converts a µ-law payload to 16-bit PCM.
func decodeFrame(payload []byte) []byte {
	return g711.DecodeUlaw(payload)
}

// randomUint16 seeds RTP sequence numbers.
func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// sequenceTracker counts received and lost packets across 16-bit rollover.
type sequenceTracker struct {
	initialized bool
	lastSeq     uint16
	lost        uint64
	received    uint64
}

func (s *sequenceTracker) update(seq uint16) {
	s.received++
	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return
	}
	diff := int16(seq - s.lastSeq)
	if diff <= 0 {
		// late or duplicate
		return
	}
	if diff > 1 {
		s.lost += uint64(diff - 1)
	}
	s.lastSeq = seq
}
