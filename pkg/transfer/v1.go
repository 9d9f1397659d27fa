// Package transfer implements the device-side image transfer automata that
// run after the handshake hands off a negotiated protocol version, per
// spec.md §4.8-§4.11. V1 is the flat-binary transfer (grounded on
// original_source/device/theseus-device/src/reactor/v1.rs); V2 adds
// streamed-deflate decompression and pluggable flat/ELF loaders (grounded
// on original_source/device/okboot/src/protocol/v2.rs).
package transfer

import (
	"time"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/timeouts"
)

// ChunkSize is the fixed wire chunk size v1 requests, matching v1.rs's
// CHUNK_SIZE.
const ChunkSize = 0x1000

// Outcome tells the reactor what to do after a V1 step.
type Outcome int

const (
	// OutcomeContinue means the transfer isn't finished; keep driving it.
	OutcomeContinue Outcome = iota
	// OutcomeAbend means something unrecoverable happened (an integrity
	// or relocation failure) and the transfer is abandoned. A message that
	// arrives in the wrong state is ignored and yields OutcomeContinue.
	OutcomeAbend
	// OutcomeBooting means every chunk arrived, integrity checked out, and
	// CopyPlan describes the copy-then-jump the embedder should perform.
	OutcomeBooting
)

// Result is returned from V1's HandlePacket and Heartbeat.
type Result struct {
	Outcome Outcome
	// CopyPlan is meaningful only when Outcome == OutcomeBooting.
	CopyPlan relocation.CopyPlan
	// SessionOverride, when non-zero, tells the reactor to replace its
	// overall session timeout with this duration — v1.rs's
	// override_session_timeout, set once the chunked phase begins since
	// the ordinary session timeout is sized for small handshake packets,
	// not a multi-chunk image transfer.
	SessionOverride time.Duration
}

type v1Phase int

const (
	phaseRequestProgramInfo v1Phase = iota
	phaseRequestProgram
	phaseRequestChunk
)

type v1Info struct {
	loadAt          uint32
	compressedLen   uint32
	decompressedLen uint32
	compressedCRC   uint32
	decompressedCRC uint32
}

type v1Load struct {
	info       v1Info
	chunkNo    uint32
	numChunks  uint32
	relocation *relocation.Relocation
}

// V1 is the device side of the flat-binary transfer automaton:
// RequestProgramInfo -> RequestProgram -> RequestChunk (repeated) -> Booting.
type V1 struct {
	clk       clock.Clock
	heartbeat clock.Instant
	phase     v1Phase
	info      v1Info
	load      v1Load

	once        bool
	retryBuffer bool

	baud     uint32
	layout   relocation.Layout
	mem      relocation.Memory
	try      time.Duration
	tryChunk time.Duration
	buffer   time.Duration
}

// NewV1 creates a V1 transfer automaton. mem is the destination address
// space the image is written into; layout describes the loader's own code
// range, which the relocation engine must avoid overwriting directly.
func NewV1(clk clock.Clock, baud uint32, layout relocation.Layout, mem relocation.Memory) *V1 {
	return &V1{
		clk:       clk,
		heartbeat: clk.Now(),
		phase:     phaseRequestProgramInfo,
		once:      true,
		baud:      baud,
		layout:    layout,
		mem:       mem,
		try:       timeouts.HeartbeatResendBytes.AtBaud8N1(baud),
		tryChunk:  timeouts.ChunkWaitHeartbeat(ChunkSize, baud),
		buffer:    timeouts.BufferRetryBytes.AtBaud8N1(baud),
	}
}

// HandlePacket advances the automaton with a decoded message, writing any
// reply frame into buf. It never blocks.
func (v *V1) HandlePacket(msg message.Message, buf *ring.Buffer, xorMask byte) Result {
	switch m := msg.(type) {
	case message.ProgramInfo:
		return v.recvProgramInfo(m)
	case message.ProgramReady:
		return v.recvProgramReady()
	case message.Chunk:
		return v.recvChunk(m, buf, xorMask)
	default:
		return Result{Outcome: OutcomeContinue}
	}
}

func (v *V1) recvProgramInfo(msg message.ProgramInfo) Result {
	if v.phase != phaseRequestProgramInfo {
		return Result{Outcome: OutcomeContinue}
	}
	v.info = v1Info{
		loadAt:          msg.LoadAt,
		compressedLen:   msg.CompressedLen,
		decompressedLen: msg.DecompressedLen,
		compressedCRC:   msg.CompressedCRC,
		decompressedCRC: msg.DecompressedCRC,
	}
	v.phase = phaseRequestProgram
	v.once = true
	return Result{Outcome: OutcomeContinue}
}

func (v *V1) recvProgramReady() Result {
	if v.phase != phaseRequestProgram {
		return Result{Outcome: OutcomeContinue}
	}
	numChunks := (v.info.compressedLen + ChunkSize - 1) / ChunkSize
	plan := relocation.ComputeOverlap(uint64(v.info.loadAt), uint64(v.info.decompressedLen), v.layout)
	v.load = v1Load{
		info:       v.info,
		chunkNo:    0,
		numChunks:  numChunks,
		relocation: relocation.New(plan),
	}
	v.phase = phaseRequestChunk
	v.once = true
	return Result{
		Outcome:         OutcomeContinue,
		SessionOverride: v.tryChunk * 2,
	}
}

func (v *V1) recvChunk(msg message.Chunk, buf *ring.Buffer, xorMask byte) Result {
	if v.phase != phaseRequestChunk {
		return Result{Outcome: OutcomeContinue}
	}
	if msg.ChunkNo != v.load.chunkNo {
		return Result{Outcome: OutcomeContinue}
	}

	off := uint64(v.load.chunkNo) * ChunkSize
	if err := v.load.relocation.Write(v.mem, off, msg.Data); err != nil {
		return Result{Outcome: OutcomeAbend}
	}

	newChunkNo := v.load.chunkNo + 1
	if newChunkNo != v.load.numChunks {
		v.load.chunkNo = newChunkNo
		v.once = true
		return Result{Outcome: OutcomeContinue}
	}

	integrity := v.load.relocation.VerifyIntegrity(v.load.info.decompressedCRC, uint64(v.load.info.decompressedLen))
	if !integrity.OK {
		return Result{Outcome: OutcomeAbend}
	}

	plan := v.load.relocation.Finalize(nil)
	_, _ = frame.Send(buf, xorMask, message.Booting{})
	return Result{Outcome: OutcomeBooting, CopyPlan: plan}
}

// Heartbeat re-sends the current phase's request if enough time has
// elapsed without a reply, mirroring v1.rs's heartbeat: once-immediately
// on phase entry, otherwise on a phase-appropriate resend timeout, with a
// shorter buffer-retry timeout if the previous send failed because the
// ring buffer was full.
func (v *V1) Heartbeat(buf *ring.Buffer, xorMask byte) Result {
	now := v.clk.Now()
	sendOnce := v.once
	v.once = false

	elapsed := v.heartbeat.Elapsed(now)
	timeout := v.try
	if v.phase == phaseRequestChunk {
		timeout = v.tryChunk
	}
	shouldSend := sendOnce || elapsed > timeout || (v.retryBuffer && elapsed > v.buffer)
	if !shouldSend {
		return Result{Outcome: OutcomeContinue}
	}

	var ok bool
	var err error
	switch v.phase {
	case phaseRequestProgramInfo:
		ok, err = frame.Send(buf, xorMask, message.RequestProgramInfo{})
	case phaseRequestProgram:
		ok, err = frame.Send(buf, xorMask, message.RequestProgram{
			ChunkSize:             ChunkSize,
			VerifyCompressedCRC:   v.info.compressedCRC,
			VerifyDecompressedCRC: v.info.decompressedCRC,
		})
	case phaseRequestChunk:
		ok, err = frame.Send(buf, xorMask, message.RequestChunk{ChunkNo: v.load.chunkNo})
	}
	if err != nil {
		return Result{Outcome: OutcomeAbend}
	}
	v.retryBuffer = !ok
	v.heartbeat = now
	return Result{Outcome: OutcomeContinue}
}
