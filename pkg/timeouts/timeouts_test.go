package timeouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAtBaud8N1(t *testing.T) {
	// 12 bytes at 115200 baud, 10 bit-times/byte: 12*10/115200 s = 1.0417 ms.
	got := ErrorRecoveryBytes.AtBaud8N1(115200)
	require.InDelta(t, 1041666, got.Nanoseconds(), 2000)
}

func TestAtBaud8N1ZeroBaudIsFiniteFallback(t *testing.T) {
	require.Equal(t, infiniteSpeedConstant, FromBytes(100).AtBaud8N1(0))
}

func TestAtBaud8N1ScalesInversely(t *testing.T) {
	slow := FromBytes(100).AtBaud8N1(9600)
	fast := FromBytes(100).AtBaud8N1(115200)
	require.Greater(t, slow, fast)
}

func TestChunkWaitDurationsScaleWithChunkSize(t *testing.T) {
	small := ChunkWaitHeartbeat(0x1000, 115200)
	large := ChunkWaitHeartbeat(0x2000, 115200)
	require.Greater(t, large, small)

	expiry := ChunkWaitSessionExpiry(0x1000, 115200)
	require.Greater(t, expiry, small)
}

func TestNew8N1PopulatesAllFields(t *testing.T) {
	tm := New8N1(115200)
	require.Positive(t, tm.ErrorRecovery)
	require.Positive(t, tm.ByteRead)
	require.Positive(t, tm.SessionExpires)
	require.Greater(t, tm.SessionExpires, tm.ErrorRecovery)
}

func TestHostProbeIntervalIsFixedNotRateRelative(t *testing.T) {
	require.Equal(t, 300*time.Millisecond, HostProbeInterval)
}
