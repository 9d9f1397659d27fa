package reactor

import (
	"hash/crc32"
	"testing"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/transfer"
	"github.com/librescoot/okboot/pkg/transport"
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

func buildImage(t *testing.T, length int) ([]byte, uint32) {
	t.Helper()
	img := make([]byte, length)
	for i := range img {
		img[i] = byte(i)
	}
	h := crc32.NewIEEE()
	h.Write(img)
	return img, h.Sum32()
}

// hostSim plays the host side of the wire directly against a transport.Pipe
// endpoint, bypassing pkg/hostupload so the reactor can be exercised on its
// own: it sends a message by COBS/frame-encoding it straight into the pipe
// and decodes whatever the reactor writes back.
type hostSim struct {
	t    *testing.T
	pipe *transport.Pipe
	dec  *frame.Decoder
}

func newHostSim(t *testing.T, pipe *transport.Pipe) *hostSim {
	return &hostSim{t: t, pipe: pipe, dec: frame.NewDecoder(0x55, 0x10000)}
}

func (h *hostSim) send(msg message.Message) {
	h.t.Helper()
	buf := ring.New(0x10000)
	ok, err := frame.Send(buf, 0x55, msg)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	for {
		b, ok := buf.ShiftByte()
		if !ok {
			break
		}
		wrote, err := h.pipe.WriteByte(b)
		require.NoError(h.t, err)
		require.True(h.t, wrote)
	}
}

// drain pulls whatever bytes the reactor has written to the pipe so far and
// feeds them through the host decoder, returning any frames completed.
func (h *hostSim) drain() []*frame.Frame {
	h.t.Helper()
	var frames []*frame.Frame
	for {
		b, ok, err := h.pipe.ReadByte()
		require.NoError(h.t, err)
		if !ok {
			return frames
		}
		f, err := h.dec.Poll(b)
		require.NoError(h.t, err)
		if f != nil {
			cp := *f
			cp.Payload = append([]byte(nil), f.Payload...)
			frames = append(frames, &cp)
		}
	}
}

// waitForType ticks r and drains the host side until a frame of type t
// shows up, or fails the test after maxTicks.
func waitForType(t *testing.T, r *Reactor, h *hostSim, want message.Type, maxTicks int) *frame.Frame {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		_, err := r.Tick()
		require.NoError(t, err)
		for _, f := range h.drain() {
			if f.Header.Type == want {
				return f
			}
		}
	}
	t.Fatalf("timed out waiting for message type %v", want)
	return nil
}

func TestReactorHandshakeAndV1Transfer(t *testing.T) {
	devicePipe, hostPipe := transport.NewPipe(0x20000)
	mem := newMemBuf(0x20000)
	r := New(devicePipe, clock.NewFake(), relocation.Layout{}, mem)
	h := newHostSim(t, hostPipe)

	h.send(message.Probe{})
	av := waitForType(t, r, h, message.TypeAllowedVersions, 2000)
	allowed, err := message.Decode(av.Header.Type, av.Payload)
	require.NoError(t, err)
	require.Contains(t, allowed.(message.AllowedVersions).Versions, uint32(1))

	h.send(message.UseVersion{Version: 1, Baud: 115200})

	const loadAt = uint32(0x4000)
	const imageLen = transfer.ChunkSize*2 + 37
	image, imageCRC := buildImage(t, imageLen)

	waitForType(t, r, h, message.TypeRequestProgramInfo, 2000)
	h.send(message.ProgramInfo{
		LoadAt:          loadAt,
		CompressedLen:   uint32(imageLen),
		DecompressedLen: uint32(imageLen),
		CompressedCRC:   imageCRC,
		DecompressedCRC: imageCRC,
	})

	waitForType(t, r, h, message.TypeRequestProgram, 2000)
	h.send(message.ProgramReady{})

	numChunks := (imageLen + transfer.ChunkSize - 1) / transfer.ChunkSize
	for i := 0; i < numChunks; i++ {
		f := waitForType(t, r, h, message.TypeRequestChunk, 10000)
		rc, err := message.Decode(f.Header.Type, f.Payload)
		require.NoError(t, err)
		require.Equal(t, uint32(i), rc.(message.RequestChunk).ChunkNo)

		start := i * transfer.ChunkSize
		end := start + transfer.ChunkSize
		if end > imageLen {
			end = imageLen
		}
		h.send(message.Chunk{ChunkNo: uint32(i), Data: image[start:end]})
	}

	waitForType(t, r, h, message.TypeBooting, 2000)
	require.Equal(t, image, mem.data[loadAt:loadAt+uint32(imageLen)])
}

func TestReactorLegacyTriggerResetsSession(t *testing.T) {
	devicePipe, hostPipe := transport.NewPipe(0x1000)
	mem := newMemBuf(0x1000)
	r := New(devicePipe, clock.NewFake(), relocation.Layout{}, mem)

	for _, b := range frame.LegacyTrigger {
		wrote, err := hostPipe.WriteByte(b)
		require.NoError(t, err)
		require.True(t, wrote)
		_, err = r.Tick()
		require.NoError(t, err)
	}

	require.Equal(t, protocolHandshake, r.kind)
	require.True(t, r.legacyEnabled)
}
