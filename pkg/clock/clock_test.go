package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceAndElapsed(t *testing.T) {
	c := NewFake()
	start := c.Now()

	c.Advance(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, start.Elapsed(c.Now()))

	c.Advance(5 * time.Millisecond)
	require.Equal(t, 15*time.Millisecond, start.Elapsed(c.Now()))
}

func TestInstantAddAndBefore(t *testing.T) {
	c := NewFake()
	now := c.Now()
	later := now.Add(time.Second)

	require.True(t, now.Before(later))
	require.False(t, later.Before(now))
	require.Equal(t, time.Second, now.Elapsed(later))
}

func TestSystemClockProducesIncreasingInstants(t *testing.T) {
	a := System.Now()
	time.Sleep(time.Millisecond)
	b := System.Now()
	require.True(t, a.Before(b))
}
