package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeeperRenewsUntilStopped(t *testing.T) {
	var k Keeper
	var n atomic.Int32
	k.Start("a", time.Millisecond, func(context.Context) (bool, error) {
		n.Add(1)
		return true, nil
	})
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, k.Len())

	k.Stop("a")
	stopped := n.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
	assert.Zero(t, k.Len())
}

func TestKeeperStopsWhenLeaseIsLost(t *testing.T) {
	var k Keeper
	var n atomic.Int32
	k.Start("a", time.Millisecond, func(context.Context) (bool, error) {
		return n.Add(1) < 2, nil
	})
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), n.Load())
	k.Stop("a")
}

func TestKeeperKeepsRenewingAfterErrors(t *testing.T) {
	var k Keeper
	var n atomic.Int32
	k.Start("a", time.Millisecond, func(context.Context) (bool, error) {
		if n.Add(1) == 1 {
			return false, errors.New("connection reset")
		}
		return true, nil
	})
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	k.StopAll()
	assert.Zero(t, k.Len())
}

func TestKeeperStartReplaces(t *testing.T) {
	var k Keeper
	var first, second atomic.Int32
	k.Start("a", time.Millisecond, func(context.Context) (bool, error) {
		first.Add(1)
		return true, nil
	})
	k.Start("a", time.Millisecond, func(context.Context) (bool, error) {
		second.Add(1)
		return true, nil
	})
	f := first.Load()
	require.Eventually(t, func() bool { return second.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, f, first.Load())
	assert.Equal(t, 1, k.Len())
	k.StopAll()
}

func TestInterval(t *testing.T) {
	assert.Equal(t, 20*time.Second, Interval(time.Minute))
	assert.Equal(t, time.Millisecond, Interval(time.Nanosecond))
}
