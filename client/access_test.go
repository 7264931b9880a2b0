package client

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/flashbots/macnet/protocol"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func TestBinaryBackoffBoundAndReset(t *testing.T) {
	slot := time.Millisecond
	b := NewBinaryBackoff(slot, 10, seeded(1))

	var delays []time.Duration
	b.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	for c := 1; c <= 14; c++ {
		require.NoError(t, b.OnCollision(context.Background()))
		require.Equal(t, min(c, 10), b.Collisions())

		bound := time.Duration(1<<min(c, 10)-1) * slot
		last := delays[len(delays)-1]
		require.GreaterOrEqual(t, last, time.Duration(0))
		require.LessOrEqual(t, last, bound, "collision %d", c)
		require.Zero(t, last%slot, "delays are whole slots")
	}

	b.OnSuccess()
	require.Zero(t, b.Collisions())

	// The first collision after a reset draws from [0, 1] slots again.
	require.NoError(t, b.OnCollision(context.Background()))
	require.LessOrEqual(t, delays[len(delays)-1], slot)
}

func TestBinaryBackoffDelaysSpreadOverWindow(t *testing.T) {
	b := NewBinaryBackoff(time.Millisecond, 10, seeded(7))
	b.collisions = 4

	seen := map[time.Duration]bool{}
	for i := 0; i < 2000; i++ {
		seen[b.nextDelay()] = true
	}
	require.Len(t, seen, 16)
	require.Equal(t, 31*time.Millisecond, b.MaxDelay())
}

func TestBinaryBackoffHonorsContext(t *testing.T) {
	b := NewBinaryBackoff(time.Hour, 10, seeded(3))
	b.collisions = 9

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.OnCollision(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSlottedAlohaTransmitsOncePerSlot(t *testing.T) {
	clock := protocol.NewSlotClock(20 * time.Millisecond)
	aloha := NewSlottedAloha(clock, 1, seeded(1))
	ctx := context.Background()

	require.NoError(t, aloha.WaitForTurn(ctx, nil))
	first := aloha.lastSlot

	require.NoError(t, aloha.WaitForTurn(ctx, nil))
	second := aloha.lastSlot
	require.True(t, second.IsAfter(first), "second transmission must wait for a new slot")
}

func TestSlottedAlohaNeverArmsWithZeroProbability(t *testing.T) {
	aloha := NewSlottedAloha(protocol.NewSlotClock(time.Millisecond), 0, seeded(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, aloha.WaitForTurn(ctx, nil), context.DeadlineExceeded)
}

func TestSlottedAlohaDrawsOncePerSlot(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := protocol.NewSlotClock(10 * time.Millisecond).WithNow(func() time.Time { return now })
	aloha := NewSlottedAloha(clock, 0.5, seeded(42))

	require.False(t, aloha.drawn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	// With a frozen clock the slot never changes, so at most one draw and at
	// most one transmission happen.
	transmitted := 0
	for i := 0; i < 3; i++ {
		if aloha.WaitForTurn(ctx, nil) == nil {
			transmitted++
		}
	}
	require.LessOrEqual(t, transmitted, 1)
	require.True(t, aloha.drawn)
}

type scriptedProber struct {
	replies []bool
	probes  int
}

func (p *scriptedProber) Probe(ctx context.Context) (bool, error) {
	busy := p.replies[min(p.probes, len(p.replies)-1)]
	p.probes++
	return busy, nil
}

func TestCarrierSenseWaitsForIdle(t *testing.T) {
	clock := protocol.NewSlotClock(time.Millisecond)
	cs := NewCarrierSense(clock, NewBinaryBackoff(time.Millisecond, 10, seeded(1)))

	prober := &scriptedProber{replies: []bool{true, true, false}}
	require.NoError(t, cs.WaitForTurn(context.Background(), prober))
	require.Equal(t, 3, prober.probes)
}

func TestCarrierSenseBacksOffLikeBEB(t *testing.T) {
	backoff := NewBinaryBackoff(time.Millisecond, 10, seeded(1))
	backoff.sleep = func(context.Context, time.Duration) error { return nil }
	cs := NewCarrierSense(protocol.NewSlotClock(time.Millisecond), backoff)

	require.NoError(t, cs.OnCollision(context.Background()))
	require.NoError(t, cs.OnCollision(context.Background()))
	require.Equal(t, 2, backoff.Collisions())
	cs.OnSuccess()
	require.Zero(t, backoff.Collisions())
}

func TestNewAccessController(t *testing.T) {
	for _, policy := range []Policy{PolicyImmediate, PolicyAloha, PolicyBEB, PolicyCSCD} {
		cfg := DefaultConfig()
		cfg.Policy = policy
		ac, err := NewAccessController(cfg, seeded(1))
		require.NoError(t, err)
		require.Equal(t, string(policy), ac.Name())
	}

	cfg := DefaultConfig()
	cfg.Policy = "token-ring"
	_, err := NewAccessController(cfg, seeded(1))
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.Sessions = 4
	require.InDelta(t, 0.25, cfg.transmitProbability(), 1e-9)
	cfg.TransmitProbability = 0.5
	require.InDelta(t, 0.5, cfg.transmitProbability(), 1e-9)
}
