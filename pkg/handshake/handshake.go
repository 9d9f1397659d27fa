// Package handshake implements the device-side version/baud negotiation
// automaton that runs before transfer begins, per spec.md §4.7. Grounded
// on original_source/artefacts/theseus-device/src/reactor/handshake.rs's
// Handshake state machine.
package handshake

import (
	"time"

	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/ring"
)

// SupportedVersions lists every protocol version this device will
// negotiate. Version 1 is the flat-binary transfer, version 2 adds
// streamed-deflate (spec.md §4.10-§4.11).
var SupportedVersions = []uint32{1, 2}

// SupportedBauds lists every baud rate the device is willing to switch to
// after the handshake, matching handshake.rs's SUPPORTED_BAUDS table.
var SupportedBauds = []uint32{115200, 230400, 576000, 921600, 1_500_000}

// ReclockDelay is how long the device waits after reconfiguring the UART
// clock divider before trusting bytes at the new baud rate (handshake.rs's
// "ALTERNATE IMPLEMENTATION: wait for 50ms and then continue as normal").
const ReclockDelay = 50 * time.Millisecond

type state int

const (
	stateAwaitingProbe state = iota
	stateAwaitingUseVersion
	stateDone
)

// Outcome tells the reactor what to do after HandlePacket.
type Outcome int

const (
	// OutcomeContinue means the handshake isn't finished yet; keep
	// dispatching packets to it.
	OutcomeContinue Outcome = iota
	// OutcomeSwitchToTransfer means the host picked a version and baud
	// rate and the reactor should reclock the transport (flush pending tx
	// bytes, call Transport.SetBaud, wait ReclockDelay) and then hand off
	// to the transfer automaton for that version.
	OutcomeSwitchToTransfer
	// OutcomeAbend means the handshake received something it can't make
	// sense of and the connection should be abandoned back to the initial
	// state (spec.md §7's Abend outcome).
	OutcomeAbend
)

// Result is returned from HandlePacket.
type Result struct {
	Outcome Outcome
	Version uint32
	Baud    uint32
}

// Handshake is the device side of the AwaitingProbe -> AwaitingUseVersion
// -> Done automaton.
type Handshake struct {
	state state
}

// New creates a Handshake awaiting the host's initial Probe.
func New() *Handshake {
	return &Handshake{state: stateAwaitingProbe}
}

// HandlePacket advances the automaton with a decoded message, writing any
// reply frame into buf. It never blocks.
func (h *Handshake) HandlePacket(msg message.Message, buf *ring.Buffer, xorMask byte) Result {
	switch m := msg.(type) {
	case message.Probe:
		if h.state != stateAwaitingProbe {
			return Result{Outcome: OutcomeAbend}
		}
		reply := message.AllowedVersions{Versions: SupportedVersions, Bauds: SupportedBauds}
		if _, err := frame.Send(buf, xorMask, reply); err != nil {
			return Result{Outcome: OutcomeAbend}
		}
		h.state = stateAwaitingUseVersion
		return Result{Outcome: OutcomeContinue}

	case message.UseVersion:
		if h.state != stateAwaitingUseVersion {
			return Result{Outcome: OutcomeAbend}
		}
		if !contains(SupportedVersions, m.Version) || !contains(SupportedBauds, m.Baud) {
			return Result{Outcome: OutcomeAbend}
		}
		h.state = stateDone
		return Result{Outcome: OutcomeSwitchToTransfer, Version: m.Version, Baud: m.Baud}

	default:
		return Result{Outcome: OutcomeAbend}
	}
}

func contains(xs []uint32, x uint32) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
