package protocol

import (
	"context"
	"time"
)

// Slot is the index of a contention slot since the Unix epoch.
type Slot int64

// IsAfter reports whether s comes strictly after s2.
func (s Slot) IsAfter(s2 Slot) bool {
	return s > s2
}

// Advance returns the slot following s.
func (s Slot) Advance() Slot {
	return s + 1
}

// SlotForTime maps an instant onto its slot index.
func SlotForTime(instant time.Time, slotDuration time.Duration) Slot {
	return Slot(instant.UnixNano() / int64(slotDuration))
}

// TimeForSlot returns the instant at which a slot begins.
func TimeForSlot(slot Slot, slotDuration time.Duration) time.Time {
	return time.Unix(0, int64(slot)*int64(slotDuration))
}

// SlotClock derives slot indices from wall time. The zero value is not usable,
// construct it with NewSlotClock.
type SlotClock struct {
	slotDuration time.Duration
	now          func() time.Time
}

// NewSlotClock creates a wall-clock backed slot clock.
func NewSlotClock(slotDuration time.Duration) *SlotClock {
	return &SlotClock{
		slotDuration: slotDuration,
		now:          time.Now,
	}
}

// WithNow replaces the time source. Only used in tests.
func (c *SlotClock) WithNow(now func() time.Time) *SlotClock {
	c.now = now
	return c
}

// Duration returns the slot length.
func (c *SlotClock) Duration() time.Duration {
	return c.slotDuration
}

// Now returns the clock's current instant.
func (c *SlotClock) Now() time.Time {
	return c.now()
}

// CurrentSlot returns the slot the clock is in.
func (c *SlotClock) CurrentSlot() Slot {
	return SlotForTime(c.now(), c.slotDuration)
}

// UntilNextSlot returns how long remains until the next slot boundary.
func (c *SlotClock) UntilNextSlot() time.Duration {
	now := c.now()
	next := TimeForSlot(SlotForTime(now, c.slotDuration).Advance(), c.slotDuration)
	return next.Sub(now)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
