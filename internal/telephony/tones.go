package telephony

import (
	"fmt"
	"strings"
	"time"
)

// Tone timing.
const (
	DefaultToneDuration = 100 * time.Millisecond
	DefaultToneGap      = 500 * time.Millisecond
	MinToneDuration     = 70 * time.Millisecond
	MaxToneDuration     = 6 * time.Second
	MinToneGap          = 50 * time.Millisecond
	// TonePause is the silence a ',' stands for.
	TonePause = 2 * time.Second
)

const toneAlphabet = "0123456789*#ABCD,"

// NormalizeTones upper-cases tones and checks every character.
func NormalizeTones(tones string) (string, error) {
	if tones == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTones)
	}
	up := strings.ToUpper(tones)
	for i, r := range up {
		if !strings.ContainsRune(toneAlphabet, r) {
			return "", fmt.Errorf("%w: %q at position %d", ErrInvalidTones, r, i)
		}
	}
	return up, nil
}

// toneTiming applies defaults and clamps duration and gap to the usable range.
func toneTiming(duration, gap time.Duration) (time.Duration, time.Duration) {
	switch {
	case duration <= 0:
		duration = DefaultToneDuration
	case duration < MinToneDuration:
		duration = MinToneDuration
	case duration > MaxToneDuration:
		duration = MaxToneDuration
	}
	switch {
	case gap <= 0:
		gap = DefaultToneGap
	case gap < MinToneGap:
		gap = MinToneGap
	}
	return duration, gap
}

// toneBudget is how long a tone sequence may take to play out.
func toneBudget(tones string, duration, gap time.Duration) time.Duration {
	pauses := strings.Count(tones, ",")
	digits := len(tones) - pauses
	return time.Duration(digits)*(duration+gap) + time.Duration(pauses)*TonePause + 5*time.Second
}
