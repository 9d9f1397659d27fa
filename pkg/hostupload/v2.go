package hostupload

import (
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/transfer"
)

// Metadata is the image description the host already computed before the
// v2 transfer phase begins: the compressed and decompressed bytes, their
// CRC32s, and the format descriptor the device needs to pick a loader.
type Metadata struct {
	Format          message.Format
	LoadAt          uint32 // meaningful for message.FormatFlat only
	Compressed      []byte
	CompressedCRC   uint32
	DecompressedLen uint32
	DecompressedCRC uint32
}

// v2Event mirrors v1Event for the streamed-deflate transfer.
type v2Event struct {
	ChunkSent bool
	ChunkNo   int
	Total     int
	Booting   bool
	Failed    bool
}

// v2Responder is the host side of the streamed-deflate transfer, reactive
// in the same way v1Responder is: transfer.V2 resends its own requests, so
// this only ever answers once per inbound message. Grounded on
// original_source/host/okdude/src/v2.rs's upload_inner dispatch, minus its
// postcard wire format (already superseded by pkg/message's CBOR catalogue).
type v2Responder struct {
	meta      Metadata
	chunkSize int
}

func newV2Responder(meta Metadata) *v2Responder {
	return &v2Responder{meta: meta, chunkSize: transfer.ChunkSize}
}

func (v *v2Responder) HandlePacket(msg message.Message, buf *ring.Buffer, xorMask byte) v2Event {
	switch m := msg.(type) {
	case message.MetadataReq:
		_, _ = frame.Send(buf, xorMask, message.Metadata{
			Format:          v.meta.Format,
			LoadAt:          v.meta.LoadAt,
			CompressedLen:   uint32(len(v.meta.Compressed)),
			DecompressedLen: v.meta.DecompressedLen,
			CompressedCRC:   v.meta.CompressedCRC,
			DecompressedCRC: v.meta.DecompressedCRC,
		})
		return v2Event{}

	case message.MetadataAck:
		if !m.Accepted {
			return v2Event{Failed: true}
		}
		if m.ChunkSize != 0 {
			v.chunkSize = int(m.ChunkSize)
		}
		_, _ = frame.Send(buf, xorMask, message.MetadataAckAck{})
		return v2Event{}

	case message.RequestChunk:
		total := (len(v.meta.Compressed) + v.chunkSize - 1) / v.chunkSize
		start := int(m.ChunkNo) * v.chunkSize
		if start >= len(v.meta.Compressed) {
			return v2Event{}
		}
		end := start + v.chunkSize
		if end > len(v.meta.Compressed) {
			end = len(v.meta.Compressed)
		}
		_, _ = frame.Send(buf, xorMask, message.Chunk{ChunkNo: m.ChunkNo, Data: v.meta.Compressed[start:end]})
		return v2Event{ChunkSent: true, ChunkNo: int(m.ChunkNo), Total: total}

	case message.Booting:
		return v2Event{Booting: true}

	default:
		return v2Event{}
	}
}
