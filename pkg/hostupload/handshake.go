package hostupload

import (
	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/timeouts"
)

// handshakeOutcome tells Session what to do after feeding the handshake
// client a frame or a tick.
type handshakeOutcome int

const (
	handshakeContinue handshakeOutcome = iota
	handshakeSwitchToTransfer
	handshakeAbend
)

type handshakeResult struct {
	Outcome handshakeOutcome
	Version uint32
	Baud    uint32
}

// handshakeClient is the host side of the Probe/AllowedVersions/UseVersion
// exchange. Unlike pkg/handshake.Handshake (the device side, which only
// ever replies), the host must drive this phase itself: nothing resends
// Probe on the device's behalf, so handshakeClient resends it on
// timeouts.HostProbeInterval until AllowedVersions arrives, mirroring
// v1.rs's SettingProtocolVersion state.
type handshakeClient struct {
	clk  clock.Clock
	cfg  Config
	sent clock.Instant
	done bool
}

func newHandshakeClient(clk clock.Clock, cfg Config) *handshakeClient {
	// sent is seeded in the past so the very first Heartbeat call fires
	// immediately rather than waiting a full interval.
	return &handshakeClient{clk: clk, cfg: cfg, sent: clk.Now().Add(-timeouts.HostProbeInterval)}
}

// Heartbeat (re)sends Probe if the resend interval has elapsed and the
// handshake hasn't completed yet.
func (h *handshakeClient) Heartbeat(buf *ring.Buffer, xorMask byte) {
	if h.done {
		return
	}
	now := h.clk.Now()
	if h.sent.Elapsed(now) < timeouts.HostProbeInterval {
		return
	}
	if _, err := frame.Send(buf, xorMask, message.Probe{}); err == nil {
		h.sent = now
	}
}

// HandlePacket advances the handshake with a decoded message.
func (h *handshakeClient) HandlePacket(msg message.Message, buf *ring.Buffer, xorMask byte) handshakeResult {
	av, ok := msg.(message.AllowedVersions)
	if !ok {
		return handshakeResult{Outcome: handshakeContinue}
	}

	version, ok := pickVersion(av.Versions, h.cfg.Version)
	if !ok {
		return handshakeResult{Outcome: handshakeAbend}
	}
	baud, ok := pickBaud(av.Bauds, h.cfg.Baud)
	if !ok {
		return handshakeResult{Outcome: handshakeAbend}
	}

	if _, err := frame.Send(buf, xorMask, message.UseVersion{Version: version, Baud: baud}); err != nil {
		return handshakeResult{Outcome: handshakeAbend}
	}
	h.done = true
	return handshakeResult{Outcome: handshakeSwitchToTransfer, Version: version, Baud: baud}
}

// pickVersion returns want if the device advertises it, otherwise the
// highest version the device advertises. ok is false if want was requested
// but unsupported, or the device advertised nothing.
func pickVersion(advertised []uint32, want uint32) (uint32, bool) {
	if len(advertised) == 0 {
		return 0, false
	}
	if want != 0 {
		for _, v := range advertised {
			if v == want {
				return v, true
			}
		}
		return 0, false
	}
	best := advertised[0]
	for _, v := range advertised {
		if v > best {
			best = v
		}
	}
	return best, true
}

// pickBaud mirrors pickVersion for the baud list.
func pickBaud(advertised []uint32, want uint32) (uint32, bool) {
	if len(advertised) == 0 {
		return 0, false
	}
	if want != 0 {
		for _, b := range advertised {
			if b == want {
				return b, true
			}
		}
		return 0, false
	}
	best := advertised[0]
	for _, b := range advertised {
		if b > best {
			best = b
		}
	}
	return best, true
}
