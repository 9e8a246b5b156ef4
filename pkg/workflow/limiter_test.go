package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func granted(t *Ticket) bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

func TestLimiterFIFO(t *testing.T) {
	l := NewLimiter(1)

	a := l.Enqueue("user")
	b := l.Enqueue("user")
	c := l.Enqueue("user")
	require.True(t, granted(a))
	require.False(t, granted(b))
	require.False(t, granted(c))
	require.Equal(t, 1, l.Active("user"))
	require.Equal(t, 2, l.Waiting("user"))

	a.Release()
	require.True(t, granted(b))
	require.False(t, granted(c))

	// Releasing twice must not free another slot.
	a.Release()
	require.False(t, granted(c))

	b.Release()
	require.True(t, granted(c))
	c.Release()
	require.Equal(t, 0, l.Active("user"))
	require.Equal(t, 0, l.Waiting("user"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(1)
	a := l.Enqueue("alice")
	b := l.Enqueue("bob")
	require.True(t, granted(a))
	require.True(t, granted(b))
}

func TestLimiterEmptyKeyIsUnlimited(t *testing.T) {
	l := NewLimiter(1)
	for i := 0; i < 5; i++ {
		require.True(t, granted(l.Enqueue("")))
	}
	require.Equal(t, 0, l.Active(""))
}

func TestLimiterLimit(t *testing.T) {
	l := NewLimiter(2)
	a := l.Enqueue("k")
	b := l.Enqueue("k")
	c := l.Enqueue("k")
	require.True(t, granted(a))
	require.True(t, granted(b))
	require.False(t, granted(c))
	b.Release()
	require.True(t, granted(c))
}

func TestTicketWaitCancelled(t *testing.T) {
	l := NewLimiter(1)
	a := l.Enqueue("k")
	b := l.Enqueue("k")
	c := l.Enqueue("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
	require.Equal(t, 1, l.Waiting("k"))

	// The abandoned ticket is skipped.
	a.Release()
	require.True(t, granted(c))
	require.NoError(t, c.Wait(context.Background()))
	c.Release()
	require.Equal(t, 0, l.Active("k"))
}
