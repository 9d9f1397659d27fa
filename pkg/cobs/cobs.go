// Package cobs implements Consistent Overhead Byte Stuffing with a
// configurable XOR mask and an accumulated CRC32 over the decoded stream,
// matching the framing stack described in spec.md §4.2.
//
// The decoder state machine mirrors the last_jump/bytes_since_last_jump
// counter pair in the original okboot-common frame/decode.rs CobsDecoder.
package cobs

import (
	"errors"
	"hash"
	"hash/crc32"
)

// Sentinel is the physical packet terminator, pre-XOR. It can never appear
// inside an encoded packet.
const Sentinel byte = 0x00

// DefaultXOR is the canonical mask applied to every COBS-transmitted byte so
// the physical sentinel collides with the preamble's 0x55 rather than with
// in-band data.
const DefaultXOR byte = 0x55

// ErrSentinelInRun is returned when the unmasked sentinel value appears
// before the expected jump boundary. It is fatal to the current packet; the
// caller is expected to reset the decoder and enter an error-recovery gap
// (spec.md §7).
var ErrSentinelInRun = errors.New("cobs: sentinel byte found mid-run")

// State is the result of feeding one byte to the decoder.
type State int

const (
	// StateSkip means the byte was consumed as COBS framing overhead (a jump
	// byte) and produced no payload byte.
	StateSkip State = iota
	// StateByte means the byte was decoded payload; see Decoder.Byte().
	StateByte
	// StateFinished means this byte was the terminating sentinel; the packet
	// is complete and Decoder.CRC() returns the accumulated CRC32 over every
	// payload byte emitted since the last Reset.
	StateFinished
)

// Decoder decodes one COBS packet at a time. Call Reset between packets.
type Decoder struct {
	xor                byte
	bytesSinceLastJump int
	lastJump           int
	lastByte           byte
	crc                hash.Hash32
}

// NewDecoder creates a Decoder applying the given XOR mask to every byte.
func NewDecoder(xor byte) *Decoder {
	d := &Decoder{xor: xor, crc: crc32.NewIEEE()}
	d.Reset()
	return d
}

// Reset clears all decoder state so it is ready for the next packet.
func (d *Decoder) Reset() {
	d.bytesSinceLastJump = 0
	d.lastJump = 0
	d.lastByte = 0
	d.crc.Reset()
}

// Byte returns the most recently decoded payload byte; only valid
// immediately after Feed returns StateByte.
func (d *Decoder) Byte() byte { return d.lastByte }

// CRC returns the running CRC32 (IEEE, matching zlib/spec.md §6) over every
// payload byte emitted so far.
func (d *Decoder) CRC() uint32 { return d.crc.Sum32() }

// Feed advances the decoder by one raw (pre-unmask) byte.
func (d *Decoder) Feed(raw byte) (State, error) {
	b := raw ^ d.xor

	if d.lastJump == 0 {
		// Packet start: the first byte is always a jump distance and must be
		// nonzero (a leading sentinel is malformed).
		if b == Sentinel {
			return StateSkip, ErrSentinelInRun
		}
		d.lastJump = int(b)
		d.bytesSinceLastJump = 0
		return StateSkip, nil
	}

	d.bytesSinceLastJump++
	if d.bytesSinceLastJump < d.lastJump {
		if b == Sentinel {
			return StateSkip, ErrSentinelInRun
		}
		d.emit(b)
		return StateByte, nil
	}

	prevJump := d.lastJump
	d.lastJump = int(b)
	d.bytesSinceLastJump = 0
	if b == 0 {
		return StateFinished, nil
	}
	if prevJump < 0xff {
		d.emit(0)
		return StateByte, nil
	}
	// prevJump == 0xff: a full 254-byte run with no intervening sentinel;
	// standard COBS skips emitting the implicit zero in this case.
	return StateSkip, nil
}

// emit records b as the decoded payload byte and folds it into the running
// CRC32.
func (d *Decoder) emit(b byte) {
	d.lastByte = b
	_, _ = d.crc.Write([]byte{b})
}

// Encoder produces a single COBS-encoded packet. Call AddByte for every
// payload byte (including any appended checksum), then Finish to obtain the
// final run plus the trailing sentinel.
type Encoder struct {
	xor byte
	run []byte // pending bytes since the last jump, excluding the jump byte itself
	out []byte // scratch output buffer reused across calls
}

// NewEncoder creates an Encoder applying the given XOR mask.
func NewEncoder(xor byte) *Encoder {
	return &Encoder{xor: xor, run: make([]byte, 0, 254)}
}

// Reset clears encoder state for a new packet.
func (e *Encoder) Reset() {
	e.run = e.run[:0]
}

// AddByte appends one unencoded payload byte. It returns a non-nil slice
// whenever a 254-byte run fills or an embedded sentinel forces an early
// jump+run flush; the returned slice aliases the encoder's scratch buffer
// and is only valid until the next call.
func (e *Encoder) AddByte(b byte) []byte {
	if b == Sentinel {
		return e.flushRun()
	}
	e.run = append(e.run, b)
	if len(e.run) == 254 {
		return e.flushRun()
	}
	return nil
}

// flushRun emits a jump byte (distance to the next sentinel, plus one) and
// the buffered run, masked with xor, and clears the run.
func (e *Encoder) flushRun() []byte {
	jump := byte(len(e.run) + 1)
	e.out = e.out[:0]
	e.out = append(e.out, jump^e.xor)
	for _, b := range e.run {
		e.out = append(e.out, b^e.xor)
	}
	e.run = e.run[:0]
	return e.out
}

// Finish flushes any remaining buffered run and appends the terminating
// sentinel (masked), completing the packet.
func (e *Encoder) Finish() []byte {
	out := e.flushRun()
	out = append(out, Sentinel^e.xor)
	return out
}
