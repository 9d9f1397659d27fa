package frame

import (
	"encoding/binary"
	"hash"
	"hash/crc32"

	"github.com/librescoot/okboot/pkg/cobs"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/ring"
)

// Preamble is the four raw (un-COBS-encoded) bytes that open every frame.
var Preamble = [4]byte{0x55, 0x55, 0x55, 0x5e}

// Writer builds one frame directly into a transmit ring buffer, grounded on
// the device reactor's FrameWriter
// (original_source/device/theseus-device/src/reactor/txbuf.rs): a
// checkpoint is taken up front so a failed write (ring buffer full
// mid-frame) can be rolled back without leaving partial garbage queued for
// transmission.
type Writer struct {
	buf *ring.Buffer
	enc *cobs.Encoder
	crc hash.Hash32

	checkpoint ring.Checkpoint
	ok         bool
}

// BeginFrame starts writing a new frame into buf. Callers add the 8-byte
// header and payload with AddBytes/WriteUint32, then call Finalize.
func BeginFrame(buf *ring.Buffer, xorMask byte) *Writer {
	w := &Writer{
		buf: buf,
		enc: cobs.NewEncoder(xorMask),
		crc: crc32.NewIEEE(),
	}
	w.checkpoint = buf.Checkpoint()
	w.ok = buf.ExtendFromSlice(Preamble[:])
	return w
}

// AddBytes feeds raw (unencoded) payload bytes into the frame, folding them
// into the running CRC32 and pushing any COBS-stuffed output into the ring
// buffer as it becomes available.
func (w *Writer) AddBytes(b []byte) {
	if !w.ok {
		return
	}
	_, _ = w.crc.Write(b)
	w.addBytesUnhashed(b)
}

func (w *Writer) addBytesUnhashed(b []byte) {
	for _, by := range b {
		if !w.ok {
			return
		}
		if chunk := w.enc.AddByte(by); chunk != nil {
			w.ok = w.buf.ExtendFromSlice(chunk)
		}
	}
}

// WriteUint32 is a convenience for writing one little-endian u32, the
// encoding of the frame header's message type and payload length.
func (w *Writer) WriteUint32(x uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	w.AddBytes(b[:])
}

// Finalize appends the CRC32 trailer and the COBS sentinel, completing the
// frame. It returns false (and rolls the ring buffer back to the
// pre-BeginFrame checkpoint) if the ring buffer filled up partway through.
func (w *Writer) Finalize() bool {
	if w.ok {
		var crcBytes [4]byte
		binary.LittleEndian.PutUint32(crcBytes[:], w.crc.Sum32())
		// The CRC trailer is itself COBS-stuffed, so it goes through the
		// encoder like any other byte, but must not be folded back into
		// the hash it is reporting.
		w.addBytesUnhashed(crcBytes[:])
	}
	if w.ok {
		w.ok = w.buf.ExtendFromSlice(w.enc.Finish())
	}
	if !w.ok {
		w.buf.Restore(w.checkpoint)
	}
	return w.ok
}

// Abort discards the in-progress frame, restoring the ring buffer to the
// state it was in before BeginFrame.
func (w *Writer) Abort() {
	w.buf.Restore(w.checkpoint)
}

// Send encodes msg's CBOR payload, writes the full frame (header + payload
// + CRC32) into buf, and returns whether it fit.
func Send(buf *ring.Buffer, xorMask byte, msg message.Message) (bool, error) {
	payload, err := message.Encode(msg)
	if err != nil {
		return false, err
	}
	w := BeginFrame(buf, xorMask)
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(msg.MsgType()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	w.AddBytes(hdr[:])
	w.AddBytes(payload)
	return w.Finalize(), nil
}
