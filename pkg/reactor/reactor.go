// Package reactor drives the device side of the OKBOOT protocol end to
// end: one byte in, maybe one frame out, every tick. It owns the
// transmit ring buffer, the frame decoder, and whichever protocol
// automaton (handshake, then v1 or v2 transfer) is currently active,
// and evaluates the timeout and legacy-compatibility logic that sits
// above all three.
//
// Grounded on the device reactor's main loop
// (original_source/device/theseus-device/src/reactor.rs's
// reaction_loop): transmit-drain, rx-overrun check, receive-consume,
// legacy-probe-idle check, heartbeat, then timeout evaluation, in that
// order, every tick.
package reactor

import (
	"log"
	"time"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/handshake"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/timeouts"
	"github.com/librescoot/okboot/pkg/transfer"
	"github.com/librescoot/okboot/pkg/transport"
)

// InitialBaud is the rate every session starts at, before a handshake
// negotiates a faster one. Matches handshake.rs's INITIAL_BAUD_RATE.
const InitialBaud = 115200

const (
	txBufferSize  = 0x10000
	rxMaxPayload  = 0x10000
	legacyXorMask = 0x55
)

// protocolKind identifies which automaton is currently driving the
// session, so the reactor knows which one to dispatch a decoded frame
// and each tick's heartbeat to.
type protocolKind int

const (
	protocolHandshake protocolKind = iota
	protocolTransferV1
	protocolTransferV2
)

// Outcome reports what happened on a completed image transfer, for the
// embedding program (cmd/okboot-device) to act on.
type Outcome int

const (
	// OutcomeNone means nothing booting-worthy happened this tick.
	OutcomeNone Outcome = iota
	// OutcomeBooting means a transfer finished; CopyPlan in the
	// returned Event describes what to do next.
	OutcomeBooting
)

// Event is returned from Tick, reporting anything the embedder needs
// to know about (currently only a completed transfer).
type Event struct {
	Outcome  Outcome
	CopyPlan relocation.CopyPlan
}

// gpiTicker periodically offers a legacy 0x22 0x22 0x11 0x11
// get-program-info probe while the reactor is idle, inviting an
// old-style host to respond in kind. Grounded on reactor.rs's
// GetProgInfoSender.
type gpiTicker struct {
	lastSent clock.Instant
}

func newGPITicker(now clock.Instant) *gpiTicker {
	return &gpiTicker{lastSent: now}
}

func (g *gpiTicker) maybeSend(now clock.Instant, buf *ring.Buffer) bool {
	if g.lastSent.Elapsed(now) < timeouts.HostProbeInterval || !buf.IsEmpty() {
		return false
	}
	if buf.ExtendFromSlice(frame.LegacyProbe[:]) {
		g.lastSent = now
		return true
	}
	return false
}

// Reactor is the device-side protocol driver. Construct one with New
// and call Tick once per available byte-time; it never blocks.
type Reactor struct {
	transport transport.Transport
	clk       clock.Clock
	layout    relocation.Layout
	mem       relocation.Memory

	tx      *ring.Buffer
	decoder *frame.Decoder

	baud            uint32
	timeouts        timeouts.Timeouts
	sessionOverride time.Duration

	kind protocolKind
	hs   *handshake.Handshake
	v1   *transfer.V1
	v2   *transfer.V2

	legacy        *frame.LegacyTriggerDetector
	legacyEnabled bool
	gpi           *gpiTicker

	errActive bool
	errUntil  clock.Instant

	lastByte   clock.Instant
	lastPacket clock.Instant

	// pendingEvent carries a just-completed transfer's outcome from
	// dispatchFrame (called mid-Tick) out to Tick's return value.
	pendingEvent Event
}

// New creates a Reactor bound to a transport and a destination memory
// range, starting a fresh handshake session at InitialBaud.
func New(t transport.Transport, clk clock.Clock, layout relocation.Layout, mem relocation.Memory) *Reactor {
	now := clk.Now()
	r := &Reactor{
		transport:  t,
		clk:        clk,
		layout:     layout,
		mem:        mem,
		tx:         ring.New(txBufferSize),
		decoder:    frame.NewDecoder(legacyXorMask, rxMaxPayload),
		legacy:     frame.NewLegacyTriggerDetector(),
		gpi:        newGPITicker(now),
		lastByte:   now,
		lastPacket: now,
	}
	r.resetSession(InitialBaud)
	return r
}

// resetSession drops back to InitialBaud (if baud != InitialBaud, the
// caller is expected to have already reclocked the transport) and
// starts a fresh handshake, mirroring reactor.rs's SessionTimeout arm
// and the state it restores: protocol, timeouts, and legacy eligibility
// all return to their just-booted values.
func (r *Reactor) resetSession(baud uint32) {
	r.baud = baud
	r.timeouts = timeouts.New8N1(baud)
	r.sessionOverride = 0
	r.kind = protocolHandshake
	r.hs = handshake.New()
	r.v1 = nil
	r.v2 = nil
	r.legacyEnabled = true
	r.legacy.Reset()
	r.decoder.Reset()
	r.errActive = false
}

// sessionTimeout is the effective session-expiry duration: the
// negotiated override (set once a transfer automaton enters its
// chunked phase) if present, otherwise the baud-relative default.
func (r *Reactor) sessionTimeout() time.Duration {
	if r.sessionOverride > 0 {
		return r.sessionOverride
	}
	return r.timeouts.SessionExpires
}

// Tick runs one iteration: drain a byte to the transport if there's
// room, check for a read overrun, consume a byte if one is available,
// offer a legacy probe if idle, run the active protocol's heartbeat,
// and finally evaluate the byte-read/session timeouts. It never
// blocks.
func (r *Reactor) Tick() (Event, error) {
	if err := r.drainTx(); err != nil {
		return Event{}, err
	}

	if r.transport.Overrun() {
		r.enterErrorRecovery()
	}

	b, haveByte, err := r.transport.ReadByte()
	if err != nil {
		return Event{}, err
	}

	if haveByte {
		r.consumeByte(b)
		r.lastByte = r.clk.Now()
	}

	if r.legacyEnabled && !r.errActive {
		r.gpi.maybeSend(r.clk.Now(), r.tx)
	}

	r.runHeartbeat()

	r.evaluateTimeouts()

	ev := r.pendingEvent
	r.pendingEvent = Event{}
	return ev, nil
}

// drainTx writes at most one queued byte to the transport, giving receive
// work a fair share of every tick instead of flushing the whole backlog
// before a single incoming byte gets read.
func (r *Reactor) drainTx() error {
	b, ok := r.tx.FrontByte()
	if !ok {
		return nil
	}
	wrote, err := r.transport.WriteByte(b)
	if err != nil {
		return err
	}
	if !wrote {
		// Transport has no room this tick; leave it queued and retry next
		// tick rather than dropping it.
		return nil
	}
	r.tx.ShiftByte()
	return nil
}

// consumeByte feeds one byte into whichever sub-machine is currently
// watching the wire: the legacy trigger detector (only while eligible
// and not mid-error-gap) and the frame decoder. A byte that completes
// the legacy trigger resets the session; OKBOOT itself never
// implements the legacy download protocol (out of scope), only its
// detection, so there is nothing further to hand off to.
func (r *Reactor) consumeByte(b byte) {
	if r.errActive {
		// reactor.rs's Error state ignores incoming bytes entirely for the
		// duration of the recovery gap, rather than feeding them to the
		// decoder (which could otherwise sync onto a false preamble mid
		// error burst).
		return
	}

	if r.legacyEnabled && r.legacy.Feed(b) {
		log.Printf("reactor: legacy trigger detected, no legacy download support; resetting session")
		r.resetSession(r.baud)
		return
	}

	f, ferr := r.decoder.Poll(b)
	if ferr != nil {
		log.Printf("reactor: frame error: %v", ferr)
		r.enterErrorRecovery()
		return
	}
	if f == nil {
		return
	}

	r.legacyEnabled = false
	r.dispatchFrame(f)
	r.lastPacket = r.clk.Now()
}

func (r *Reactor) dispatchFrame(f *frame.Frame) {
	msg, err := message.Decode(f.Header.Type, f.Payload)
	if err != nil {
		log.Printf("reactor: payload decode error: %v", err)
		r.enterErrorRecovery()
		return
	}

	switch r.kind {
	case protocolHandshake:
		res := r.hs.HandlePacket(msg, r.tx, legacyXorMask)
		switch res.Outcome {
		case handshake.OutcomeContinue:
		case handshake.OutcomeSwitchToTransfer:
			r.switchToTransfer(res.Version, res.Baud)
		case handshake.OutcomeAbend:
			r.hs = handshake.New()
			r.enterErrorRecovery()
		}

	case protocolTransferV1:
		res := r.v1.HandlePacket(msg, r.tx, legacyXorMask)
		r.applyTransferResult(res.Outcome, res.CopyPlan, res.SessionOverride)

	case protocolTransferV2:
		res := r.v2.HandlePacket(msg, r.tx, legacyXorMask)
		r.applyTransferResult(res.Outcome, res.CopyPlan, res.SessionOverride)
	}
}

// switchToTransfer reclocks the transport to the negotiated baud and
// hands off from the handshake automaton to the chosen transfer
// version, mirroring handshake.rs's post-negotiation ReclockDelay
// settling wait.
func (r *Reactor) switchToTransfer(version, baud uint32) {
	if err := r.transport.SetBaud(baud); err != nil {
		log.Printf("reactor: failed to reclock to %d baud: %v", baud, err)
		r.enterErrorRecovery()
		return
	}
	time.Sleep(handshake.ReclockDelay)

	r.baud = baud
	r.timeouts = timeouts.New8N1(baud)
	r.sessionOverride = 0

	switch version {
	case 1:
		r.kind = protocolTransferV1
		r.v1 = transfer.NewV1(r.clk, baud, r.layout, r.mem)
	case 2:
		r.kind = protocolTransferV2
		r.v2 = transfer.NewV2(r.clk, baud, r.layout, r.mem)
	default:
		log.Printf("reactor: handshake negotiated unsupported version %d", version)
		r.resetSession(InitialBaud)
	}
}

func (r *Reactor) applyTransferResult(outcome transfer.Outcome, plan relocation.CopyPlan, override time.Duration) {
	if override > 0 {
		r.sessionOverride = override
	}
	switch outcome {
	case transfer.OutcomeContinue:
	case transfer.OutcomeAbend:
		// Restart the active transfer from its first step; the negotiated
		// baud rate is kept.
		switch r.kind {
		case protocolTransferV1:
			r.v1 = transfer.NewV1(r.clk, r.baud, r.layout, r.mem)
		case protocolTransferV2:
			r.v2 = transfer.NewV2(r.clk, r.baud, r.layout, r.mem)
		}
		r.sessionOverride = 0
		r.enterErrorRecovery()
	case transfer.OutcomeBooting:
		log.Printf("reactor: transfer complete, copy plan: overlaps=%v entry=%#x", plan.Overlaps, plan.EntryPoint)
		r.pendingEvent = Event{Outcome: OutcomeBooting, CopyPlan: plan}
	}
}

func (r *Reactor) runHeartbeat() {
	switch r.kind {
	case protocolTransferV1:
		res := r.v1.Heartbeat(r.tx, legacyXorMask)
		r.applyTransferResult(res.Outcome, res.CopyPlan, res.SessionOverride)
	case protocolTransferV2:
		res := r.v2.Heartbeat(r.tx, legacyXorMask)
		r.applyTransferResult(res.Outcome, res.CopyPlan, res.SessionOverride)
	}
}

// enterErrorRecovery drops the decoder and legacy detector back to
// their initial state and starts the error-recovery gap: every byte
// arriving before it elapses is silently dropped, matching
// reactor.rs's ReceiveState::Error handling.
func (r *Reactor) enterErrorRecovery() {
	r.decoder.Reset()
	r.legacy.Reset()
	r.errActive = true
	r.errUntil = r.clk.Now().Add(r.timeouts.ErrorRecovery)
}

// evaluateTimeouts mirrors reactor.rs's fallback match arm: a session
// that has gone quiet longer than its expiry duration drops back to
// InitialBaud and restarts the handshake; a shorter byte-read silence
// resets the frame decoder, abandoning any partly decoded frame. An
// error-recovery gap ends once its deadline has passed.
func (r *Reactor) evaluateTimeouts() {
	now := r.clk.Now()

	if r.errActive {
		if !now.Before(r.errUntil) {
			r.errActive = false
		}
		return
	}

	if r.legacyEnabled {
		// Nothing has synced onto a frame yet (reactor.rs's WaitingInitial):
		// there is no partial decode to abandon and no session to expire.
		return
	}

	packetElapsed := r.lastPacket.Elapsed(now)
	byteElapsed := r.lastByte.Elapsed(now)

	switch {
	case packetElapsed >= r.sessionTimeout() && byteElapsed >= r.timeouts.ByteRead:
		log.Printf("reactor: session expired after %v, resetting to %d baud", packetElapsed, InitialBaud)
		if err := r.transport.SetBaud(InitialBaud); err != nil {
			log.Printf("reactor: failed to reset baud: %v", err)
		}
		r.lastPacket = now
		r.resetSession(InitialBaud)

	case byteElapsed >= r.timeouts.ByteRead:
		// A shorter silence than the full session timeout just abandons
		// whatever frame is partway through decoding, without resetting the
		// protocol automaton or baud rate.
		r.decoder.Reset()
		r.lastByte = now
	}
}
