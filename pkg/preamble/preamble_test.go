package preamble

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feedAll(d *Detector, bytes ...byte) bool {
	found := false
	for _, b := range bytes {
		if d.Feed(b) {
			found = true
		}
	}
	return found
}

func TestDetectsMinimalPreamble(t *testing.T) {
	d := New()
	require.True(t, feedAll(d, 0x55, 0x55, 0x55, 0x5e))
}

func TestDetectsRunOnPreamble(t *testing.T) {
	d := New()
	require.True(t, feedAll(d, 0x55, 0x55, 0x55, 0x55, 0x55, 0x5e))
}

func TestDoesNotBacktrackOnPartialMatch(t *testing.T) {
	d := New()
	// Two leading 0x55s then a stray byte resets the run; the detector
	// must not credit those two bytes toward a later attempt.
	require.False(t, feedAll(d, 0x55, 0x55, 0x01, 0x55, 0x5e))
	require.True(t, feedAll(d, 0x55, 0x55, 0x55, 0x5e))
}

func TestShortOfThreeRepeatsNeverFires(t *testing.T) {
	d := New()
	require.False(t, feedAll(d, 0x55, 0x55, 0x5e))
}

func TestResetReturnsToInitial(t *testing.T) {
	d := New()
	feedAll(d, 0x55, 0x55, 0x55)
	d.Reset()
	require.False(t, d.Feed(0x5e))
}

func TestByte2InMiddleOfStreamResets(t *testing.T) {
	d := New()
	require.False(t, d.Feed(0x55))
	// Byte2 before three repeats of Byte1 is not a completed preamble; it
	// just resets the scan.
	require.False(t, d.Feed(0x5e))
	require.False(t, feedAll(d, 0x55, 0x55))
	require.True(t, feedAll(d, 0x55, 0x5e))
}
