package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stepClock returns the base instant plus each offset in turn.
func stepClock(offsets ...time.Duration) func() time.Time {
	base := time.Unix(1_700_000_000, 0)
	i := 0

	return func() time.Time {
		t := base.Add(offsets[i])
		i++

		return t
	}
}

func TestBuffer_Checkpoints_DurationsBetweenCaptures(t *testing.T) {
	b := New(4, 0, WithClock(stepClock(0, 50*time.Millisecond, 120*time.Millisecond, 130*time.Millisecond)))

	for _, l := range []uint32{'A', 'B', 'C', 'D'} {
		require.NoError(t, b.Capture(l))
	}

	got := b.Checkpoints()
	require.Equal(t, []Timing{
		{Label: 'A', Duration: 0},
		{Label: 'B', Duration: 50 * time.Millisecond},
		{Label: 'C', Duration: 70 * time.Millisecond},
		{Label: 'D', Duration: 10 * time.Millisecond},
	}, got)
	require.Zero(t, b.Len())
}

func TestBuffer_Checkpoints_RealClockNonNegative(t *testing.T) {
	b := New(8, 0)
	for i := uint32(0); i < 8; i++ {
		require.NoError(t, b.Capture(i))
	}

	got := b.Checkpoints()
	require.Len(t, got, 8)
	require.Zero(t, got[0].Duration)

	for i, tm := range got {
		require.EqualValues(t, i, tm.Label)
		require.GreaterOrEqual(t, tm.Duration, time.Duration(0))
	}
}

func TestBuffer_DrainResetsCycle(t *testing.T) {
	b := New(2, 0, WithClock(stepClock(0, 10*time.Millisecond, time.Second, time.Second+5*time.Millisecond)))
	require.NoError(t, b.Capture(1))
	require.NoError(t, b.Capture(2))
	_ = b.Checkpoints()

	// The next cycle must not measure against the previous cycle's last spot.
	require.NoError(t, b.Capture(3))
	require.NoError(t, b.Capture(4))
	require.Equal(t, []Timing{{Label: 3}, {Label: 4, Duration: 5 * time.Millisecond}}, b.Checkpoints())
}

func TestBuffer_CapacityExceeded(t *testing.T) {
	b := New(1, 1)
	require.NoError(t, b.Capture(1))
	require.ErrorIs(t, b.Capture(2), ErrCapacityExceeded)
	require.Equal(t, 1, b.Len())

	require.NoError(t, b.Count(1, 10))
	require.ErrorIs(t, b.Count(2, 20), ErrCapacityExceeded)
	require.Equal(t, 1, b.CounterLen())

	require.Len(t, b.Checkpoints(), 1)
	require.Equal(t, []Counter{{Label: 1, N: 10}}, b.Counters())
}

func TestBuffer_ZeroCapacity(t *testing.T) {
	b := New(-1, 0)
	require.Zero(t, b.Cap())
	require.Zero(t, b.CounterCap())
	require.ErrorIs(t, b.Capture(1), ErrCapacityExceeded)
	require.Empty(t, b.Checkpoints())
	require.Empty(t, b.Counters())
}

func TestBuffer_CountersIndependentOfCaptures(t *testing.T) {
	b := New(3, 3)
	require.NoError(t, b.Count(7, 1))
	require.NoError(t, b.Capture(1))
	require.NoError(t, b.Count(8, 2))
	require.NoError(t, b.Capture(2))
	require.NoError(t, b.Count(9, 3))

	require.Equal(t, []Counter{{7, 1}, {8, 2}, {9, 3}}, b.Counters())
	require.Zero(t, b.CounterLen())
	require.Equal(t, 2, b.Len())

	got := b.Checkpoints()
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got[0].Label)
	require.EqualValues(t, 2, got[1].Label)
}

func TestBuffer_Reset(t *testing.T) {
	b := New(2, 2)
	require.NoError(t, b.Capture(1))
	require.NoError(t, b.Count(1, 1))
	b.Reset()
	require.Empty(t, b.Checkpoints())
	require.Empty(t, b.Counters())
}

func TestLine(t *testing.T) {
	first := Line()
	second := Line()
	require.NotZero(t, first)
	require.Equal(t, first+1, second)
}
