package media

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ToneEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type ToneEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8  // -dBm0, 6 bits
	Duration   uint16 // timestamp units
}

const (
	// DefaultToneVolume is -10 dBm0.
	DefaultToneVolume uint8 = 10
	// MaxToneSamples is the largest duration one event can carry.
	MaxToneSamples = 0xFFFF
	endPackets     = 3
)

// toneAlphabet is indexed by event code.
const toneAlphabet = "0123456789*#ABCD"

// EventFor maps a key to its event code.
func EventFor(r rune) (uint8, bool) {
	i := strings.IndexRune(toneAlphabet, toUpper(r))
	if i < 0 {
		return 0, false
	}
	return uint8(i), true
}

// KeyFor maps an event code back to its key.
func KeyFor(event uint8) (rune, bool) {
	if int(event) >= len(toneAlphabet) {
		return 0, false
	}
	return rune(toneAlphabet[event]), true
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// Encode serializes the event.
func (e ToneEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeToneEvent parses a 4-byte telephone-event payload.
func DecodeToneEvent(payload []byte) (ToneEvent, error) {
	if len(payload) < 4 {
		return ToneEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return ToneEvent{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

func (e ToneEvent) String() string {
	key, ok := KeyFor(e.Event)
	if !ok {
		key = '?'
	}
	end := ""
	if e.EndOfEvent {
		end = " END"
	}
	return fmt.Sprintf("tone '%c' vol=%d dur=%d%s", key, e.Volume, e.Duration, end)
}

// toneDetector turns a stream of telephone-event packets into keys. The
// redundant end packets of one event share a timestamp and are reported once.
type toneDetector struct {
	minDuration uint16
	lastEnd     uint32
	ended       bool
}

func (d *toneDetector) feed(timestamp uint32, payload []byte) (rune, bool) {
	evt, err := DecodeToneEvent(payload)
	if err != nil {
		return 0, false
	}
	if !evt.EndOfEvent {
		return 0, false
	}
	if d.ended && d.lastEnd == timestamp {
		return 0, false
	}
	d.ended = true
	d.lastEnd = timestamp
	if evt.Duration < d.minDuration {
		return 0, false
	}
	return KeyFor(evt.Event)
}
