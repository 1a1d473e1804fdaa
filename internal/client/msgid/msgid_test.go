package msgid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextStrictlyIncreasingWithinOneSecond(t *testing.T) {
	frozen := time.Unix(epoch+100, 0)
	g := NewWithClock(func() time.Time { return frozen })

	prev := g.Next()
	require.Equal(t, uint64(100)<<32, prev)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		require.Greater(t, id, prev)
		prev = id
	}
	require.Equal(t, uint64(100)<<32|1000, prev)
}

func TestNextCounterResetsWhenSecondAdvances(t *testing.T) {
	now := time.Unix(epoch+100, 0)
	g := NewWithClock(func() time.Time { return now })

	g.Next()
	g.Next()
	now = now.Add(time.Second)

	id := g.Next()
	require.Equal(t, uint64(101)<<32, id)
}

func TestNextSurvivesClockStepBack(t *testing.T) {
	now := time.Unix(epoch+100, 0)
	g := NewWithClock(func() time.Time { return now })

	before := g.Next()
	now = now.Add(-5 * time.Second)

	id := g.Next()
	require.Greater(t, id, before)
}

func TestResetStartsFreshStream(t *testing.T) {
	now := time.Unix(epoch+100, 0)
	g := NewWithClock(func() time.Time { return now })
	g.Next()
	g.Next()

	g.Reset()
	id := g.Next()
	require.Equal(t, uint64(100)<<32, id)
}
