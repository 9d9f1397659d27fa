package transfer

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/inflate"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/timeouts"
)

// maxFlatLoadAddress and flatLoadAlignment bound a FormatFlat image's load
// address, grounded on v2.rs's recv_metadata checks (load address below
// 0x2000_0000, 4-byte aligned).
const (
	maxFlatLoadAddress = 0x2000_0000
	flatLoadAlignment  = 4
)

// Loader consumes decompressed image bytes in order and, once every chunk
// has arrived, describes the copy-then-jump needed to complete the load.
// flatLoader and elfLoader are the two concrete implementations, chosen by
// the Metadata message's Format field, grounded on v2.rs's BinLoader/
// ElfLoader pair.
type Loader interface {
	ReceiveBytes(data []byte) error
	Finalize() (relocation.CopyPlan, error)
}

// flatLoader writes decompressed bytes sequentially starting at a fixed
// load address, grounded on v2.rs's BinLoader.
type flatLoader struct {
	reloc       *relocation.Relocation
	mem         relocation.Memory
	written     uint64
	expectedCRC uint32
	expectedLen uint64
}

func newFlatLoader(layout relocation.Layout, mem relocation.Memory, loadAt uint32, decompressedLen uint32, crc uint32) *flatLoader {
	plan := relocation.ComputeOverlap(uint64(loadAt), uint64(decompressedLen), layout)
	return &flatLoader{
		reloc:       relocation.New(plan),
		mem:         mem,
		expectedCRC: crc,
		expectedLen: uint64(decompressedLen),
	}
}

func (l *flatLoader) ReceiveBytes(data []byte) error {
	if err := l.reloc.Write(l.mem, l.written, data); err != nil {
		return err
	}
	l.written += uint64(len(data))
	return nil
}

func (l *flatLoader) Finalize() (relocation.CopyPlan, error) {
	integrity := l.reloc.VerifyIntegrity(l.expectedCRC, l.expectedLen)
	if !integrity.OK {
		return relocation.CopyPlan{}, fmt.Errorf("transfer: v2 flat image crc mismatch: expected %#08x calculated %#08x", integrity.Expected, integrity.Calculated)
	}
	return l.reloc.Finalize(nil), nil
}

// elfLoader buffers the whole decompressed image (ELF segments need
// random access to place correctly) and, on Finalize, parses it with the
// standard library's debug/elf and relocates each PT_LOAD segment to its
// virtual address. v2.rs's own ElfLoader never implemented this
// (`todo!()` on both methods); this is a from-scratch implementation in
// its idiom, using debug/elf for the structural parsing spec.md treats as
// an out-of-scope external concern.
type elfLoader struct {
	layout      relocation.Layout
	mem         relocation.Memory
	buf         []byte
	expectedCRC uint32
	expectedLen uint64
}

func newElfLoader(layout relocation.Layout, mem relocation.Memory, decompressedLen uint32, crc uint32) *elfLoader {
	return &elfLoader{
		layout:      layout,
		mem:         mem,
		buf:         make([]byte, 0, decompressedLen),
		expectedCRC: crc,
		expectedLen: uint64(decompressedLen),
	}
}

func (l *elfLoader) ReceiveBytes(data []byte) error {
	l.buf = append(l.buf, data...)
	return nil
}

func (l *elfLoader) Finalize() (relocation.CopyPlan, error) {
	h := crc32.NewIEEE()
	h.Write(l.buf)
	if h.Sum32() != l.expectedCRC || uint64(len(l.buf)) != l.expectedLen {
		return relocation.CopyPlan{}, fmt.Errorf("transfer: v2 elf image crc mismatch: expected %#08x calculated %#08x", l.expectedCRC, h.Sum32())
	}

	f, err := elf.NewFile(bytes.NewReader(l.buf))
	if err != nil {
		return relocation.CopyPlan{}, fmt.Errorf("transfer: parse elf image: %w", err)
	}

	var plan relocation.CopyPlan
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segment := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), segment); err != nil {
			return relocation.CopyPlan{}, fmt.Errorf("transfer: read elf segment at %#x: %w", prog.Vaddr, err)
		}
		segPlan := relocation.ComputeOverlap(prog.Vaddr, prog.Memsz, l.layout)
		reloc := relocation.New(segPlan)
		if err := reloc.Write(l.mem, 0, segment); err != nil {
			return relocation.CopyPlan{}, err
		}
		plan = reloc.Finalize(nil)
	}
	plan.EntryPoint = f.Entry
	return plan, nil
}

type v2Phase int

const (
	phaseRequestMetadata v2Phase = iota
	phaseAckMetadata
	phaseRequestChunk
)

// V2 is the device side of the streamed-deflate transfer automaton:
// RequestMetadata -> AckMetadata -> RequestChunk (repeated, decompressing
// as chunks arrive) -> Booting.
type V2 struct {
	clk       clock.Clock
	heartbeat clock.Instant
	phase     v2Phase

	metadata  message.Metadata
	chunkNo   uint32
	numChunks uint32
	loader    Loader
	decomp    *inflate.Decompressor

	once        bool
	retryBuffer bool

	baud     uint32
	layout   relocation.Layout
	mem      relocation.Memory
	try      time.Duration
	tryChunk time.Duration
	buffer   time.Duration
}

// NewV2 creates a V2 transfer automaton.
func NewV2(clk clock.Clock, baud uint32, layout relocation.Layout, mem relocation.Memory) *V2 {
	return &V2{
		clk:       clk,
		heartbeat: clk.Now(),
		phase:     phaseRequestMetadata,
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
func (v *V2) HandlePacket(msg message.Message, buf *ring.Buffer, xorMask byte) Result {
	switch m := msg.(type) {
	case message.Metadata:
		return v.recvMetadata(m)
	case message.MetadataAckAck:
		return v.recvMetadataAckAck()
	case message.Chunk:
		return v.recvChunk(m, buf, xorMask)
	default:
		return Result{Outcome: OutcomeContinue}
	}
}

func validMetadata(m message.Metadata) bool {
	if m.Format != message.FormatFlat {
		return true
	}
	if m.LoadAt >= maxFlatLoadAddress {
		return false
	}
	return m.LoadAt%flatLoadAlignment == 0
}

func (v *V2) recvMetadata(msg message.Metadata) Result {
	if v.phase != phaseRequestMetadata {
		return Result{Outcome: OutcomeContinue}
	}
	if !validMetadata(msg) {
		return Result{Outcome: OutcomeAbend}
	}
	v.metadata = msg
	v.phase = phaseAckMetadata
	v.once = true
	return Result{Outcome: OutcomeContinue, SessionOverride: v.tryChunk * 2}
}

func (v *V2) recvMetadataAckAck() Result {
	if v.phase != phaseAckMetadata {
		return Result{Outcome: OutcomeContinue}
	}
	v.numChunks = (v.metadata.CompressedLen + ChunkSize - 1) / ChunkSize
	v.chunkNo = 0
	v.decomp = inflate.New()
	if v.metadata.Format == message.FormatELF {
		v.loader = newElfLoader(v.layout, v.mem, v.metadata.DecompressedLen, v.metadata.DecompressedCRC)
	} else {
		v.loader = newFlatLoader(v.layout, v.mem, v.metadata.LoadAt, v.metadata.DecompressedLen, v.metadata.DecompressedCRC)
	}
	v.phase = phaseRequestChunk
	v.once = true
	return Result{Outcome: OutcomeContinue}
}

func (v *V2) recvChunk(msg message.Chunk, buf *ring.Buffer, xorMask byte) Result {
	if v.phase != phaseRequestChunk {
		return Result{Outcome: OutcomeContinue}
	}
	if msg.ChunkNo != v.chunkNo {
		return Result{Outcome: OutcomeContinue}
	}

	if err := v.decomp.Feed(msg.Data); err != nil {
		return Result{Outcome: OutcomeAbend}
	}
	out, err := v.decomp.Drain()
	if len(out) > 0 {
		if err := v.loader.ReceiveBytes(out); err != nil {
			return Result{Outcome: OutcomeAbend}
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return Result{Outcome: OutcomeAbend}
	}

	newChunkNo := v.chunkNo + 1
	if newChunkNo != v.numChunks {
		v.chunkNo = newChunkNo
		v.once = true
		return Result{Outcome: OutcomeContinue}
	}

	plan, ferr := v.loader.Finalize()
	if ferr != nil {
		return Result{Outcome: OutcomeAbend}
	}
	_, _ = frame.Send(buf, xorMask, message.Booting{})
	return Result{Outcome: OutcomeBooting, CopyPlan: plan}
}

// Heartbeat re-sends the current phase's request if enough time has
// elapsed without a reply, identical in structure to V1.Heartbeat.
func (v *V2) Heartbeat(buf *ring.Buffer, xorMask byte) Result {
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
	case phaseRequestMetadata:
		ok, err = frame.Send(buf, xorMask, message.MetadataReq{})
	case phaseAckMetadata:
		ok, err = frame.Send(buf, xorMask, message.MetadataAck{Accepted: true, ChunkSize: ChunkSize})
	case phaseRequestChunk:
		ok, err = frame.Send(buf, xorMask, message.RequestChunk{ChunkNo: v.chunkNo})
	}
	if err != nil {
		return Result{Outcome: OutcomeAbend}
	}
	v.retryBuffer = !ok
	v.heartbeat = now
	return Result{Outcome: OutcomeContinue}
}
