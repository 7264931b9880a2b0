package server

import (
	"sync"
	"testing"
	"time"

	"github.com/flashbots/macnet/protocol"
	"github.com/stretchr/testify/require"
)

func TestCarrierSenseRejectsWhileBusy(t *testing.T) {
	a := NewCarrierSenseArbiter(0, 0)
	now := time.Now()

	first := a.Acquire("a", now)
	require.NotNil(t, first)
	require.True(t, a.Busy())

	require.Nil(t, a.Acquire("b", now))

	// A rejected request never alters the holder or the collision flag.
	snap := a.Snapshot()
	require.True(t, snap.Busy)
	require.Equal(t, protocol.SessionID("a"), snap.Holder)
	require.False(t, snap.Collision)
	require.False(t, first.Collided())

	first.Release()
	require.False(t, a.Busy())

	second := a.Acquire("b", now.Add(time.Millisecond))
	require.NotNil(t, second)
	second.Release()
}

func TestCarrierSenseAtMostOneConcurrentClaim(t *testing.T) {
	for round := 0; round < 20; round++ {
		a := NewCarrierSenseArbiter(0, 0)
		now := time.Now()

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			grants []protocol.Grant
		)
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if g := a.Acquire(protocol.NewSessionID(), now); g != nil {
					mu.Lock()
					grants = append(grants, g)
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Len(t, grants, 1)
		grants[0].Release()
	}
}

func TestCarrierSensePropagationDelayCollidesBoth(t *testing.T) {
	a := NewCarrierSenseArbiter(5*time.Millisecond, 0)
	t0 := time.Unix(1000, 0)
	a.now = func() time.Time { return t0.Add(3 * time.Millisecond) }

	holder := a.Acquire("a", t0)
	require.NotNil(t, holder)

	require.Nil(t, a.Acquire("b", t0.Add(time.Millisecond)))
	require.True(t, holder.Collided())

	holder.Abort()
	require.False(t, a.Busy())
	require.False(t, a.Snapshot().Collision)

	// Arrived before the recorded collision.
	require.Nil(t, a.Acquire("c", t0.Add(2*time.Millisecond)))
	require.False(t, a.Busy())

	g := a.Acquire("c", t0.Add(4*time.Millisecond))
	require.NotNil(t, g)
	require.False(t, g.Collided())
	g.Release()
}

func TestCarrierSenseStaleWindow(t *testing.T) {
	t0 := time.Unix(1000, 0)

	bounded := NewCarrierSenseArbiter(0, time.Millisecond)
	bounded.state.lastCollision = t0.Add(3 * time.Millisecond)
	g := bounded.Acquire("a", t0)
	require.NotNil(t, g, "arrival older than the window is not stale")
	g.Release()
	require.Nil(t, bounded.Acquire("b", t0.Add(2500*time.Microsecond)))

	unbounded := NewCarrierSenseArbiter(0, 0)
	unbounded.state.lastCollision = t0.Add(time.Hour)
	require.Nil(t, unbounded.Acquire("a", t0))
}

func TestCarrierSenseStaleGrantCannotClearNewHolder(t *testing.T) {
	a := NewCarrierSenseArbiter(0, 0)
	now := time.Now()

	old := a.Acquire("a", now)
	require.NotNil(t, old)
	old.Release()

	current := a.Acquire("b", now)
	require.NotNil(t, current)

	old.Release()
	old.Abort()
	require.True(t, a.Busy())
	require.Equal(t, protocol.SessionID("b"), a.Snapshot().Holder)
	current.Release()
}

func TestSlottedArbiterSameSlotCollides(t *testing.T) {
	d := 10 * time.Millisecond
	a := NewSlottedArbiter(d)
	t0 := time.Unix(1000, 0)

	first := a.Acquire("a", t0)
	require.NotNil(t, first)
	require.False(t, first.Collided())

	require.Nil(t, a.Acquire("b", t0.Add(time.Millisecond)))
	require.True(t, first.Collided())
	first.Abort()
	require.False(t, a.Busy())

	next := a.Acquire("b", t0.Add(d))
	require.NotNil(t, next)
	require.False(t, next.Collided())
	require.False(t, first.Collided())
	next.Release()
	require.False(t, a.Busy())
}
