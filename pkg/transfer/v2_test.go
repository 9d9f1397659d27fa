package transfer

import (
	"bytes"
	"compress/flate"
	"hash/crc32"
	"testing"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/stretchr/testify/require"
)

func deflateImage(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestV2FlatFullTransfer(t *testing.T) {
	const xorMask = 0x00
	const loadAt = uint32(0x9000)
	const imageLen = ChunkSize*2 + 50

	mem := newMemBuf(0x20000)
	v2 := NewV2(clock.NewFake(), 115200, relocation.Layout{}, mem)
	buf := ring.New(16384)
	dec := frame.NewDecoder(xorMask, 16384)

	_ = v2.Heartbeat(buf, xorMask)
	frames := drainFrames(t, buf, dec)
	require.Len(t, frames, 1)
	require.Equal(t, message.TypeMetadataReq, frames[0].Header.Type)

	image, imageCRC := buildImage(imageLen)
	compressed := deflateImage(t, image)
	compressedCRC := crc32.ChecksumIEEE(compressed)

	meta := message.Metadata{
		Format:          message.FormatFlat,
		LoadAt:          loadAt,
		CompressedLen:   uint32(len(compressed)),
		DecompressedLen: imageLen,
		CompressedCRC:   compressedCRC,
		DecompressedCRC: imageCRC,
	}
	require.Equal(t, OutcomeContinue, v2.HandlePacket(meta, buf, xorMask).Outcome)

	_ = v2.Heartbeat(buf, xorMask)
	frames = drainFrames(t, buf, dec)
	require.Len(t, frames, 1)
	require.Equal(t, message.TypeMetadataAck, frames[0].Header.Type)

	require.Equal(t, OutcomeContinue, v2.HandlePacket(message.MetadataAckAck{}, buf, xorMask).Outcome)

	numChunks := (uint32(len(compressed)) + ChunkSize - 1) / ChunkSize
	var outcome Result
	for i := uint32(0); i < numChunks; i++ {
		_ = v2.Heartbeat(buf, xorMask)
		frames = drainFrames(t, buf, dec)
		require.Len(t, frames, 1)
		require.Equal(t, message.TypeRequestChunk, frames[0].Header.Type)

		start := i * ChunkSize
		end := start + ChunkSize
		if end > uint32(len(compressed)) {
			end = uint32(len(compressed))
		}
		outcome = v2.HandlePacket(message.Chunk{ChunkNo: i, Data: compressed[start:end]}, buf, xorMask)
	}

	require.Equal(t, OutcomeBooting, outcome.Outcome)
	require.Equal(t, image, mem.data[loadAt:loadAt+imageLen])

	frames = drainFrames(t, buf, dec)
	require.Len(t, frames, 1)
	require.Equal(t, message.TypeBooting, frames[0].Header.Type)
}

func TestV2RejectsMisalignedFlatLoadAddress(t *testing.T) {
	mem := newMemBuf(0x1000)
	v2 := NewV2(clock.NewFake(), 115200, relocation.Layout{}, mem)
	buf := ring.New(4096)

	res := v2.HandlePacket(message.Metadata{
		Format: message.FormatFlat,
		LoadAt: 0x1001, // not 4-byte aligned
	}, buf, 0)
	require.Equal(t, OutcomeAbend, res.Outcome)
}
