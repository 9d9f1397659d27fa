// Package frame implements the OKBOOT frame layer: preamble sync, COBS
// unstuffing, the fixed 8-byte header, and the trailing CRC32, per
// spec.md §4.1-§4.3. It is grounded on the original okboot-common
// FrameLayer (original_source/common/okboot-common/src/frame/decode.rs),
// adapted to compose the already-ported pkg/preamble and pkg/cobs state
// machines instead of owning a second copy of each.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/librescoot/okboot/pkg/cobs"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/preamble"
	"github.com/librescoot/okboot/pkg/recvbuf"
)

// HeaderSize is the fixed on-wire header length: a 4-byte little-endian
// message type followed by a 4-byte little-endian payload length.
const HeaderSize = 8

// Header is a decoded, not-yet-verified frame header.
type Header struct {
	Type       message.Type
	PayloadLen uint32
}

// Frame is a fully decoded and CRC-verified frame.
type Frame struct {
	Header  Header
	Payload []byte // valid until the next call to Decoder.Poll
}

// Errors returned by Decoder.Poll. Every one of them is recoverable: Poll
// has already reset the decoder, and the caller enters the error-recovery
// gap (spec.md §7) rather than tearing down the connection.
var (
	ErrInvalidType   = errors.New("frame: invalid message type")
	ErrInvalidCRC    = errors.New("frame: crc mismatch")
	ErrOverrun       = errors.New("frame: cobs packet longer than header promised")
	ErrHeaderCutoff  = errors.New("frame: sentinel found before header complete")
	ErrPayloadCutoff = errors.New("frame: sentinel found before payload complete")
	ErrCrcCutoff     = errors.New("frame: sentinel found before crc complete")
)

type state int

const (
	stateSeekingPreamble state = iota
	statePacket
)

// Decoder consumes a raw byte stream one byte at a time and produces
// completed, CRC-verified frames. It never blocks; Payload aliases an
// internal buffer sized to maxPayload, so payload bytes are not copied.
type Decoder struct {
	preamble *preamble.Detector
	cobs     *cobs.Decoder
	recv     *recvbuf.Buffer

	headerBytes [HeaderSize]byte
	crcBytes    [4]byte
	header      Header
	haveHeader  bool

	// expectedCRC snapshots the running CRC32 the instant the last payload
	// byte is decoded, before the trailing CRC field itself is fed through
	// the COBS layer (which would otherwise fold the trailer into its own
	// hash and make the comparison self-referential).
	expectedCRC   uint32
	haveExpected  bool

	state state
	idx   int
}

// NewDecoder creates a Decoder. maxPayload bounds the largest payload it
// will accept (matching the device's or host's receive buffer capacity).
func NewDecoder(xorMask byte, maxPayload int) *Decoder {
	return &Decoder{
		preamble: preamble.New(),
		cobs:     cobs.NewDecoder(xorMask),
		recv:     recvbuf.New(maxPayload),
	}
}

// Reset abandons any in-progress frame and returns to preamble search.
func (d *Decoder) Reset() {
	d.preamble.Reset()
	d.cobs.Reset()
	d.recv.Reset()
	d.headerBytes = [HeaderSize]byte{}
	d.crcBytes = [4]byte{}
	d.haveHeader = false
	d.haveExpected = false
	d.state = stateSeekingPreamble
	d.idx = 0
}

func (d *Decoder) decodeHeader() (Header, error) {
	t := message.Type(binary.LittleEndian.Uint32(d.headerBytes[0:4]))
	payloadLen := binary.LittleEndian.Uint32(d.headerBytes[4:8])
	if !message.IsKnown(t) {
		return Header{}, fmt.Errorf("%w: %#x", ErrInvalidType, uint32(t))
	}
	return Header{Type: t, PayloadLen: payloadLen}, nil
}

func (d *Decoder) payloadEndsAt() int {
	return HeaderSize + int(d.header.PayloadLen)
}

// maybeSnapshotCRC captures the CRC32 computed over header+payload the
// moment the decoder's position reaches the end of the payload, whether
// that happens while decoding a header byte (zero-length payload) or a
// payload byte.
func (d *Decoder) maybeSnapshotCRC() {
	if d.haveHeader && !d.haveExpected && d.idx == d.payloadEndsAt() {
		d.expectedCRC = d.cobs.CRC()
		d.haveExpected = true
	}
}

// Poll feeds one raw byte from the transport into the decoder. It returns a
// non-nil *Frame exactly when b completed a frame; a non-nil error means
// the in-progress frame was malformed and the decoder has already reset
// itself back to preamble search.
func (d *Decoder) Poll(b byte) (*Frame, error) {
	switch d.state {
	case stateSeekingPreamble:
		if d.preamble.Feed(b) {
			d.state = statePacket
			d.idx = 0
		}
		return nil, nil

	case statePacket:
		s, err := d.cobs.Feed(b)
		if err != nil {
			d.Reset()
			return nil, err
		}
		switch s {
		case cobs.StateSkip:
			return nil, nil

		case cobs.StateByte:
			decoded := d.cobs.Byte()
			i := d.idx
			d.idx++

			if i < HeaderSize {
				d.headerBytes[i] = decoded
				if i == HeaderSize-1 {
					hdr, err := d.decodeHeader()
					if err != nil {
						d.Reset()
						return nil, err
					}
					d.header = hdr
					d.haveHeader = true
				}
				d.maybeSnapshotCRC()
				return nil, nil
			}

			payloadEndsAt := d.payloadEndsAt()
			switch {
			case i < payloadEndsAt:
				if err := d.recv.Push(decoded); err != nil {
					d.Reset()
					return nil, fmt.Errorf("frame: %w", err)
				}
				d.maybeSnapshotCRC()
				return nil, nil
			case i < payloadEndsAt+4:
				d.crcBytes[i-payloadEndsAt] = decoded
				return nil, nil
			default:
				hdr := d.header
				d.Reset()
				return nil, fmt.Errorf("%w: header %+v, byte %#02x", ErrOverrun, hdr, decoded)
			}

		case cobs.StateFinished:
			i := d.idx
			if i <= HeaderSize-1 || !d.haveHeader {
				d.Reset()
				return nil, fmt.Errorf("%w: got %d header bytes", ErrHeaderCutoff, i)
			}
			payloadEndsAt := d.payloadEndsAt()
			crcEndsAt := payloadEndsAt + 4
			switch {
			case i < payloadEndsAt:
				hdr := d.header
				d.Reset()
				return nil, fmt.Errorf("%w: header %+v, got %d payload bytes", ErrPayloadCutoff, hdr, i-HeaderSize)
			case i < crcEndsAt:
				d.Reset()
				return nil, fmt.Errorf("%w: got %d crc bytes", ErrCrcCutoff, i-payloadEndsAt)
			default:
				frameCRC := binary.LittleEndian.Uint32(d.crcBytes[:])
				if frameCRC != d.expectedCRC {
					expected := d.expectedCRC
					d.Reset()
					return nil, fmt.Errorf("%w: calculated %#x, expected %#x", ErrInvalidCRC, expected, frameCRC)
				}
				frame := &Frame{Header: d.header, Payload: d.recv.Bytes()}
				d.Reset()
				return frame, nil
			}
		}
	}
	return nil, nil
}
