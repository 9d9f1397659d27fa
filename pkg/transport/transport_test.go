package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipeReadWriteRoundTrip(t *testing.T) {
	a, b := NewPipe(0)

	ok, err := a.WriteByte(0x42)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := b.ReadByte()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(0x42), got)

	_, ok, err = b.ReadByte()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPipeIsBidirectional(t *testing.T) {
	a, b := NewPipe(0)
	_, _ = a.WriteByte(1)
	_, _ = b.WriteByte(2)

	got, ok, _ := b.ReadByte()
	require.True(t, ok)
	require.Equal(t, byte(1), got)

	got, ok, _ = a.ReadByte()
	require.True(t, ok)
	require.Equal(t, byte(2), got)
}

func TestPipeWriteByteRespectsCapacity(t *testing.T) {
	a, _ := NewPipe(2)
	ok, _ := a.WriteByte(1)
	require.True(t, ok)
	ok, _ = a.WriteByte(2)
	require.True(t, ok)
	ok, _ = a.WriteByte(3)
	require.False(t, ok, "writes past capacity should be declined, not blocked")
}

func TestPipeZeroCapacityIsUnbounded(t *testing.T) {
	a, _ := NewPipe(0)
	for i := 0; i < 1000; i++ {
		ok, _ := a.WriteByte(byte(i))
		require.True(t, ok)
	}
}

func TestPipeSetBaudAndBaud(t *testing.T) {
	a, _ := NewPipe(0)
	require.NoError(t, a.SetBaud(115200))
	require.Equal(t, uint32(115200), a.Baud())
}

func TestPipeInjectOverrunIsOneShot(t *testing.T) {
	a, _ := NewPipe(0)
	require.False(t, a.Overrun())
	a.InjectOverrun()
	require.True(t, a.Overrun())
	require.False(t, a.Overrun())
}

func TestPipeCloseIsNoop(t *testing.T) {
	a, _ := NewPipe(0)
	require.NoError(t, a.Close())
}
