package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlotForTime(t *testing.T) {
	d := 10 * time.Millisecond
	base := time.Unix(100, 0)

	require.Equal(t, SlotForTime(base, d), SlotForTime(base.Add(9*time.Millisecond), d))
	require.Equal(t, SlotForTime(base, d).Advance(), SlotForTime(base.Add(10*time.Millisecond), d))
	require.True(t, SlotForTime(base.Add(time.Second), d).IsAfter(SlotForTime(base, d)))

	slot := SlotForTime(base.Add(25*time.Millisecond), d)
	require.Equal(t, base.Add(20*time.Millisecond), TimeForSlot(slot, d))
}

func TestSlotClockUntilNextSlot(t *testing.T) {
	now := time.Unix(100, int64(3*time.Millisecond))
	clock := NewSlotClock(10 * time.Millisecond).WithNow(func() time.Time { return now })

	require.Equal(t, 7*time.Millisecond, clock.UntilNextSlot())
	require.Equal(t, SlotForTime(now, 10*time.Millisecond), clock.CurrentSlot())
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
