package frame

// Legacy support: a very old bootloader generation used a bare 4-byte
// magic sequence with no COBS stuffing at all. OKBOOT devices still watch
// for it (so a host that hasn't been updated gets a recognizable failure
// instead of silence) and still announce themselves with the matching idle
// probe, per spec.md §7. Grounded on the device reactor's legacy handling
// (original_source/device/theseus-device/src/reactor.rs's
// GetProgInfoSender/ReceiveState::LegacyPutProgramInfo* states) and the
// raw-magic-sequence idiom in txbuf.rs's legacy_compat module (there using
// 0xee 0xee 0xdd 0xdd for a different purpose).

// LegacyTrigger is the byte sequence an old-style host sends to kick off
// the legacy protocol. The device watches for it in every received byte,
// mid-frame included, until the first OKBOOT frame of a session completes.
var LegacyTrigger = [4]byte{0x44, 0x44, 0x33, 0x33}

// LegacyProbe is what the device sends, unprompted, while idle, inviting a
// legacy host to respond in kind.
var LegacyProbe = [4]byte{0x22, 0x22, 0x11, 0x11}

// LegacyTriggerDetector matches LegacyTrigger against a byte stream. Like
// preamble.Detector it never backtracks: any byte that doesn't extend the
// current partial match resets to the start, and a byte that does extend a
// losing partial match is re-evaluated against a fresh start (the trigger
// sequence's literals are non-overlapping enough to make that adequate
// here, unlike the true preamble).
type LegacyTriggerDetector struct {
	matched int
}

// NewLegacyTriggerDetector creates a detector for LegacyTrigger.
func NewLegacyTriggerDetector() *LegacyTriggerDetector {
	return &LegacyTriggerDetector{}
}

// Reset returns the detector to its initial state.
func (d *LegacyTriggerDetector) Reset() { d.matched = 0 }

// Feed advances the detector by one byte, returning true exactly when b
// completed the trigger sequence.
func (d *LegacyTriggerDetector) Feed(b byte) bool {
	if b == LegacyTrigger[d.matched] {
		d.matched++
	} else if b == LegacyTrigger[0] {
		d.matched = 1
	} else {
		d.matched = 0
	}
	if d.matched == len(LegacyTrigger) {
		d.matched = 0
		return true
	}
	return false
}
