package hostupload

import (
	"testing"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/progress"
	"github.com/librescoot/okboot/pkg/reactor"
	"github.com/librescoot/okboot/pkg/relocation"
	"github.com/librescoot/okboot/pkg/transfer"
	"github.com/librescoot/okboot/pkg/transport"
	"github.com/stretchr/testify/require"
)

type memBuf struct{ data []byte }

func newMemBuf(size int) *memBuf { return &memBuf{data: make([]byte, size)} }

func (m *memBuf) WriteAt(p []byte, off int64) error {
	copy(m.data[off:], p)
	return nil
}

type silentReporter struct {
	chunks []int
	done   bool
	err    error
}

func (r *silentReporter) ChunkSent(no, total int) { r.chunks = append(r.chunks, no) }
func (r *silentReporter) Done()                   { r.done = true }
func (r *silentReporter) Error(err error)          { r.err = err }

var _ progress.Reporter = (*silentReporter)(nil)

func buildImage(length int) []byte {
	img := make([]byte, length)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return img
}

// runToCompletion alternates ticking the device reactor and the host
// session against the two ends of one pipe until the session finishes or
// maxTicks is exceeded.
func runToCompletion(t *testing.T, r *reactor.Reactor, s *Session, maxTicks int) error {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if _, err := r.Tick(); err != nil {
			t.Fatalf("reactor tick: %v", err)
		}
		done, err := s.tick()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	t.Fatal("upload did not complete in time")
	return nil
}

func TestSessionV1EndToEnd(t *testing.T) {
	devicePipe, hostPipe := transport.NewPipe(0x20000)
	mem := newMemBuf(0x20000)
	r := reactor.New(devicePipe, clock.NewFake(), relocation.Layout{}, mem)

	const loadAt = uint32(0x4000)
	const imageLen = transfer.ChunkSize*2 + 37
	image := buildImage(imageLen)

	reporter := &silentReporter{}
	cfg := Config{Version: 1, Baud: 115200, LoadAt: loadAt}
	s := NewSession(hostPipe, clock.NewFake(), cfg, image, reporter)

	err := runToCompletion(t, r, s, 20000)
	require.NoError(t, err)
	require.True(t, reporter.done)
	require.Equal(t, image, mem.data[loadAt:loadAt+uint32(imageLen)])
}

func TestSessionV2EndToEnd(t *testing.T) {
	devicePipe, hostPipe := transport.NewPipe(0x20000)
	mem := newMemBuf(0x20000)
	r := reactor.New(devicePipe, clock.NewFake(), relocation.Layout{}, mem)

	const loadAt = uint32(0x9000)
	const imageLen = transfer.ChunkSize*3 + 19
	image := buildImage(imageLen)

	reporter := &silentReporter{}
	cfg := Config{Version: 2, Baud: 230400, LoadAt: loadAt, Format: message.FormatFlat}
	s := NewSession(hostPipe, clock.NewFake(), cfg, image, reporter)

	err := runToCompletion(t, r, s, 5000)
	require.NoError(t, err)
	require.True(t, reporter.done)
	require.Equal(t, image, mem.data[loadAt:loadAt+uint32(imageLen)])
}

func TestPickVersionPrefersRequested(t *testing.T) {
	v, ok := pickVersion([]uint32{1, 2}, 1)
	require.True(t, ok)
	require.Equal(t, uint32(1), v)

	v, ok = pickVersion([]uint32{1, 2}, 0)
	require.True(t, ok)
	require.Equal(t, uint32(2), v)

	_, ok = pickVersion([]uint32{1, 2}, 3)
	require.False(t, ok)
}

func TestPickBaudPrefersRequested(t *testing.T) {
	b, ok := pickBaud([]uint32{115200, 230400}, 115200)
	require.True(t, ok)
	require.Equal(t, uint32(115200), b)

	b, ok = pickBaud([]uint32{115200, 230400}, 0)
	require.True(t, ok)
	require.Equal(t, uint32(230400), b)
}
