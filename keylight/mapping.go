package keylight

import "math"

// pitchMapper converts a MIDI pitch to an LED index on the strip.
// c4Light is the LED under middle C (pitch 60) and coeff is LEDs per
// semitone; a negative coeff means the strip runs right-to-left.
type pitchMapper struct {
	c4Light int
	coeff   float64
}

// lightFor returns the LED index for a pitch, clamped to [0,255].
// Below middle C the reference shifts one LED against the slope so the two
// halves of the keyboard meet without a gap at the C4/B3 boundary.
func (m pitchMapper) lightFor(pitch int) int {
	ref := m.c4Light
	diff := pitch - 60
	if pitch < 60 {
		if m.coeff > 0 {
			ref = m.c4Light - 1
		} else {
			ref = m.c4Light + 1
		}
		diff = pitch - 59
	}
	led := int(math.Round(float64(diff)*m.coeff + float64(ref)))
	if led < 0 {
		return 0
	}
	if led > 255 {
		return 255
	}
	return led
}

// retune moves the reference so that the given pitch becomes the new
// middle-C position.
func (m *pitchMapper) retune(pitch int) {
	m.c4Light -= int(math.Round(float64(pitch-60) * m.coeff))
}
