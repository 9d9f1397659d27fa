package hostupload

import (
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/transfer"
)

// ProgramInfo is the image description the host already computed before
// the transfer phase begins: the flat-binary load address and the image
// bytes, with their CRC32 (v1 never compresses, so compressed == decompressed).
type ProgramInfo struct {
	LoadAt uint32
	Data   []byte
	CRC    uint32
}

// v1Event reports what happened as a result of handling one inbound
// message, for Session to turn into Reporter calls and an overall outcome.
type v1Event struct {
	ChunkSent bool
	ChunkNo   int
	Total     int
	Booting   bool
	Failed    bool
}

// v1Responder is the host side of the flat-binary transfer: purely
// reactive, since transfer.V1 (the device side) already resends its own
// requests on a heartbeat. Answering a request more than once is harmless
// (the device's chunk_no/phase checks ignore stale duplicates), so there is
// no host-side resend logic to write, only a one-shot reply per inbound
// request, mirroring the shape of theseus-upload's dispatch loop without
// its superseded wire format.
type v1Responder struct {
	info ProgramInfo
}

func newV1Responder(info ProgramInfo) *v1Responder {
	return &v1Responder{info: info}
}

// HandlePacket answers a device request, writing any reply into buf.
func (v *v1Responder) HandlePacket(msg message.Message, buf *ring.Buffer, xorMask byte) v1Event {
	switch m := msg.(type) {
	case message.RequestProgramInfo:
		_, _ = frame.Send(buf, xorMask, message.ProgramInfo{
			LoadAt:          v.info.LoadAt,
			CompressedLen:   uint32(len(v.info.Data)),
			DecompressedLen: uint32(len(v.info.Data)),
			CompressedCRC:   v.info.CRC,
			DecompressedCRC: v.info.CRC,
		})
		return v1Event{}

	case message.RequestProgram:
		// The device echoes both CRCs back as a sanity check against
		// transcription errors in the ProgramInfo it received; a mismatch
		// means the link mangled something upstream of the frame CRC
		// (extremely unlikely, but spec.md §4.8 calls for it regardless).
		if m.VerifyCompressedCRC != v.info.CRC || m.VerifyDecompressedCRC != v.info.CRC {
			return v1Event{Failed: true}
		}
		_, _ = frame.Send(buf, xorMask, message.ProgramReady{})
		return v1Event{}

	case message.RequestChunk:
		total := (len(v.info.Data) + transfer.ChunkSize - 1) / transfer.ChunkSize
		start := int(m.ChunkNo) * transfer.ChunkSize
		if start >= len(v.info.Data) {
			return v1Event{}
		}
		end := start + transfer.ChunkSize
		if end > len(v.info.Data) {
			end = len(v.info.Data)
		}
		_, _ = frame.Send(buf, xorMask, message.Chunk{ChunkNo: m.ChunkNo, Data: v.info.Data[start:end]})
		return v1Event{ChunkSent: true, ChunkNo: int(m.ChunkNo), Total: total}

	case message.Booting:
		return v1Event{Booting: true}

	default:
		return v1Event{}
	}
}
