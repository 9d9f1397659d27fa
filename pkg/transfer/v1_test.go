package transfer

import (
	"hash/crc32"
	"testing"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/stretchr/testify/require"
)

type memBuf struct {
	data []byte
}

func newMemBuf(size int) *memBuf {
	return &memBuf{data: make([]byte, size)}
}

func (m *memBuf) WriteAt(p []byte, off int64) error {
	copy(m.data[off:], p)
	return nil
}

// drainFrames pulls every frame currently queued in buf through dec.
func drainFrames(t *testing.T, buf *ring.Buffer, dec *frame.Decoder) []*frame.Frame {
	t.Helper()
	var frames []*frame.Frame
	for {
		b, ok := buf.ShiftByte()
		if !ok {
			break
		}
		f, err := dec.Poll(b)
		require.NoError(t, err)
		if f != nil {
			cp := *f
			cp.Payload = append([]byte(nil), f.Payload...)
			frames = append(frames, &cp)
		}
	}
	return frames
}

func buildImage(length uint32) ([]byte, uint32) {
	img := make([]byte, length)
	for i := range img {
		img[i] = byte(i)
	}
	h := crc32.NewIEEE()
	h.Write(img)
	return img, h.Sum32()
}

func TestV1FullTransfer(t *testing.T) {
	const xorMask = 0x00
	const loadAt = uint32(0x8000)
	const imageLen = ChunkSize*2 + 100

	mem := newMemBuf(0x20000)
	layout := relocation.Layout{} // no overlap with own code
	v1 := NewV1(clock.NewFake(), 115200, layout, mem)
	buf := ring.New(8192)
	dec := frame.NewDecoder(xorMask, 8192)

	res := v1.Heartbeat(buf, xorMask)
	require.Equal(t, OutcomeContinue, res.Outcome)
	frames := drainFrames(t, buf, dec)
	require.Len(t, frames, 1)
	require.Equal(t, message.TypeRequestProgramInfo, frames[0].Header.Type)

	image, crc := buildImage(imageLen)
	info := message.ProgramInfo{
		LoadAt:          loadAt,
		CompressedLen:   imageLen,
		DecompressedLen: imageLen,
		CompressedCRC:   crc,
		DecompressedCRC: crc,
	}
	require.Equal(t, OutcomeContinue, v1.HandlePacket(info, buf, xorMask).Outcome)

	_ = v1.Heartbeat(buf, xorMask)
	frames = drainFrames(t, buf, dec)
	require.Len(t, frames, 1)
	require.Equal(t, message.TypeRequestProgram, frames[0].Header.Type)

	res = v1.HandlePacket(message.ProgramReady{}, buf, xorMask)
	require.Equal(t, OutcomeContinue, res.Outcome)
	require.NotZero(t, res.SessionOverride)

	numChunks := (imageLen + ChunkSize - 1) / ChunkSize
	for i := uint32(0); i < numChunks; i++ {
		_ = v1.Heartbeat(buf, xorMask)
		frames = drainFrames(t, buf, dec)
		require.Len(t, frames, 1)
		require.Equal(t, message.TypeRequestChunk, frames[0].Header.Type)

		start := i * ChunkSize
		end := start + ChunkSize
		if end > imageLen {
			end = imageLen
		}
		res = v1.HandlePacket(message.Chunk{ChunkNo: i, Data: image[start:end]}, buf, xorMask)
		if i == numChunks-1 {
			require.Equal(t, OutcomeBooting, res.Outcome)
		} else {
			require.Equal(t, OutcomeContinue, res.Outcome)
		}
	}

	require.Equal(t, image, mem.data[loadAt:loadAt+imageLen])

	frames = drainFrames(t, buf, dec)
	require.Len(t, frames, 1)
	require.Equal(t, message.TypeBooting, frames[0].Header.Type)
}

func TestV1WrongChunkIgnored(t *testing.T) {
	const xorMask = 0x00
	mem := newMemBuf(0x20000)
	v1 := NewV1(clock.NewFake(), 115200, relocation.Layout{}, mem)
	buf := ring.New(8192)

	image, crc := buildImage(ChunkSize)
	v1.HandlePacket(message.ProgramInfo{
		LoadAt: 0x1000, CompressedLen: ChunkSize, DecompressedLen: ChunkSize,
		CompressedCRC: crc, DecompressedCRC: crc,
	}, buf, xorMask)
	v1.HandlePacket(message.ProgramReady{}, buf, xorMask)

	res := v1.HandlePacket(message.Chunk{ChunkNo: 1, Data: image}, buf, xorMask)
	require.Equal(t, OutcomeContinue, res.Outcome)
	require.Equal(t, v1Phase(phaseRequestChunk), v1.phase)
	require.Equal(t, uint32(0), v1.load.chunkNo)
}

func TestV1CRCMismatchAbends(t *testing.T) {
	const xorMask = 0x00
	mem := newMemBuf(0x20000)
	v1 := NewV1(clock.NewFake(), 115200, relocation.Layout{}, mem)
	buf := ring.New(8192)

	image, crc := buildImage(ChunkSize)
	v1.HandlePacket(message.ProgramInfo{
		LoadAt: 0x1000, CompressedLen: ChunkSize, DecompressedLen: ChunkSize,
		CompressedCRC: crc, DecompressedCRC: crc ^ 0xffffffff,
	}, buf, xorMask)
	v1.HandlePacket(message.ProgramReady{}, buf, xorMask)

	res := v1.HandlePacket(message.Chunk{ChunkNo: 0, Data: image}, buf, xorMask)
	require.Equal(t, OutcomeAbend, res.Outcome)
}
