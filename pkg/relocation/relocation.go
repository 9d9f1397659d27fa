// Package relocation computes where an incoming image must land in device
// memory and stages the portion that would otherwise overwrite the running
// loader's own code, per spec.md §4.9 and §9. It is grounded on the device
// reactor's Relocation/Integrity types
// (original_source/device/theseus-device/src/reactor/v1.rs and the v2
// BinLoader in original_source/device/okboot/src/protocol/v2.rs).
//
// The original's final_relocation is an actual ARM `bx` jump into
// freshly-copied code; that CPU-level control transfer is explicitly out
// of scope for this module (spec.md §1). Finalize stops at describing the
// copy-then-jump as a CopyPlan and invoking a caller-supplied callback, so
// the embedding program decides how (or whether) to actually perform it.
package relocation

import (
	"hash"
	"hash/crc32"
)

// Memory is the destination address space a relocation writes into. It
// stands in for the original's raw pointer writes (`*mut u8` arithmetic),
// letting callers substitute an in-memory byte slice in tests or a real
// mapped device memory window in production.
type Memory interface {
	WriteAt(p []byte, off int64) error
}

// Layout describes the address range occupied by the loader's own running
// code, which an incoming image must never be written over directly.
type Layout struct {
	OwnCodeStart uint64
	OwnCodeEnd   uint64
}

// Plan is the static overlap computation between a destination range and
// the loader's own code.
type Plan struct {
	BaseAddress uint64
	Length      uint64

	// Overlaps is true when [BaseAddress, BaseAddress+Length) intersects
	// the loader's own code range.
	Overlaps bool
	// OverlapStart/OverlapLen describe the overlapping sub-range, as an
	// offset and length relative to BaseAddress. Meaningful only when
	// Overlaps is true.
	OverlapStart uint64
	OverlapLen   uint64
}

// ComputeOverlap computes the static overlap between the destination range
// and layout's own-code range.
func ComputeOverlap(baseAddress, length uint64, layout Layout) Plan {
	plan := Plan{BaseAddress: baseAddress, Length: length}
	end := baseAddress + length
	if end <= layout.OwnCodeStart || baseAddress >= layout.OwnCodeEnd {
		return plan
	}
	plan.Overlaps = true
	overlapStart := uint64(0)
	if layout.OwnCodeStart > baseAddress {
		overlapStart = layout.OwnCodeStart - baseAddress
	}
	overlapEnd := length
	if layout.OwnCodeEnd < end {
		overlapEnd = layout.OwnCodeEnd - baseAddress
	}
	plan.OverlapStart = overlapStart
	plan.OverlapLen = overlapEnd - overlapStart
	return plan
}

// Integrity is the outcome of a post-transfer CRC check.
type Integrity struct {
	OK         bool
	Expected   uint32
	Calculated uint32
}

// CopyPlan describes the copy-then-jump a caller must perform to complete
// a relocation that required side-buffer staging. Executing it (copying
// SideBuffer to Dest, then transferring control to EntryPoint) is left to
// the caller; this package only ever describes it.
type CopyPlan struct {
	Overlaps   bool
	SideBuffer []byte
	Dest       uint64
	EntryPoint uint64
}

// Relocation accumulates an incoming image's bytes, routing any that would
// land inside the loader's own code to a side buffer instead, and tracks a
// running CRC32 over the logical (as-intended) byte stream for a final
// integrity check.
type Relocation struct {
	plan       Plan
	sideBuffer []byte
	crc        hash.Hash32
	written    uint64
}

// New creates a Relocation from a previously computed Plan.
func New(plan Plan) *Relocation {
	r := &Relocation{plan: plan, crc: crc32.NewIEEE()}
	if plan.Overlaps {
		r.sideBuffer = make([]byte, plan.OverlapLen)
	}
	return r
}

// Write accepts the next len(data) bytes of the image, logically positioned
// at offset off (relative to BaseAddress). A single call may straddle the
// overlap boundary; Write splits it as needed between mem and the side
// buffer.
func (r *Relocation) Write(mem Memory, off uint64, data []byte) error {
	if _, err := r.crc.Write(data); err != nil {
		return err
	}
	r.written += uint64(len(data))

	pos := off
	remaining := data
	overlapStart, overlapEnd := r.plan.OverlapStart, r.plan.OverlapStart+r.plan.OverlapLen

	for len(remaining) > 0 {
		switch {
		case !r.plan.Overlaps || pos >= overlapEnd || pos+uint64(len(remaining)) <= overlapStart:
			if err := mem.WriteAt(remaining, int64(r.plan.BaseAddress+pos)); err != nil {
				return err
			}
			pos += uint64(len(remaining))
			remaining = nil

		case pos < overlapStart:
			n := overlapStart - pos
			if n > uint64(len(remaining)) {
				n = uint64(len(remaining))
			}
			if err := mem.WriteAt(remaining[:n], int64(r.plan.BaseAddress+pos)); err != nil {
				return err
			}
			pos += n
			remaining = remaining[n:]

		default:
			n := overlapEnd - pos
			if n > uint64(len(remaining)) {
				n = uint64(len(remaining))
			}
			copy(r.sideBuffer[pos-overlapStart:], remaining[:n])
			pos += n
			remaining = remaining[n:]
		}
	}
	return nil
}

// VerifyIntegrity checks the accumulated CRC32 and total byte count against
// what the transfer's metadata promised.
func (r *Relocation) VerifyIntegrity(expectedCRC uint32, expectedLen uint64) Integrity {
	calculated := r.crc.Sum32()
	return Integrity{
		OK:         calculated == expectedCRC && r.written == expectedLen,
		Expected:   expectedCRC,
		Calculated: calculated,
	}
}

// Finalize describes the copy-then-jump needed to complete the relocation.
// If onReady is non-nil it is invoked with the plan before Finalize
// returns, giving callers (tests, or a real bootstrap stub) a hook to act
// on it; Finalize itself never touches Memory or performs a control
// transfer.
func (r *Relocation) Finalize(onReady func(CopyPlan)) CopyPlan {
	plan := CopyPlan{
		Overlaps:   r.plan.Overlaps,
		SideBuffer: r.sideBuffer,
		Dest:       r.plan.BaseAddress + r.plan.OverlapStart,
		EntryPoint: r.plan.BaseAddress,
	}
	if onReady != nil {
		onReady(plan)
	}
	return plan
}
