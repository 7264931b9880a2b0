package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/flashbots/macnet/protocol"
)

// Policy names a client-side access policy.
type Policy string

const (
	PolicyImmediate Policy = "immediate"
	PolicyAloha     Policy = "aloha"
	PolicyBEB       Policy = "beb"
	PolicyCSCD      Policy = "cscd"
)

// DefaultBackoffCap bounds the backoff exponent.
const DefaultBackoffCap = 10

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyImmediate, PolicyAloha, PolicyBEB, PolicyCSCD:
		return true
	}
	return false
}

// NewAccessController builds the controller for cfg.Policy. The generator is
// owned by the returned controller.
func NewAccessController(cfg *Config, rng *rand.Rand) (protocol.AccessController, error) {
	clock := protocol.NewSlotClock(cfg.Protocol.SlotDuration)
	switch cfg.Policy {
	case PolicyImmediate, "":
		return Immediate{}, nil
	case PolicyAloha:
		return NewSlottedAloha(clock, cfg.transmitProbability(), rng), nil
	case PolicyBEB:
		return NewBinaryBackoff(cfg.Protocol.SlotDuration, cfg.BackoffCap, rng), nil
	case PolicyCSCD:
		return NewCarrierSense(clock, NewBinaryBackoff(cfg.Protocol.SlotDuration, cfg.BackoffCap, rng)), nil
	}
	return nil, fmt.Errorf("unknown access policy %q", cfg.Policy)
}

// Immediate transmits without any gating and retries collisions at once.
type Immediate struct{}

func (Immediate) WaitForTurn(ctx context.Context, _ protocol.Prober) error { return ctx.Err() }
func (Immediate) OnCollision(ctx context.Context) error                    { return ctx.Err() }
func (Immediate) OnSuccess()                                               {}
func (Immediate) Name() string                                             { return string(PolicyImmediate) }

// SlottedAloha transmits at most once per slot, in slots won by a biased
// coin flip.
type SlottedAloha struct {
	clock       *protocol.SlotClock
	probability float64
	rng         *rand.Rand

	drawn    bool
	lastSlot protocol.Slot
	armed    bool
}

// NewSlottedAloha creates a slotted random-access controller that arms with
// the given probability in every slot.
func NewSlottedAloha(clock *protocol.SlotClock, probability float64, rng *rand.Rand) *SlottedAloha {
	return &SlottedAloha{
		clock:       clock,
		probability: probability,
		rng:         rng,
	}
}

// WaitForTurn draws once per new slot and returns in the first slot whose
// draw arms the session. Arming is consumed by returning.
func (a *SlottedAloha) WaitForTurn(ctx context.Context, _ protocol.Prober) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		slot := a.clock.CurrentSlot()
		if !a.drawn || slot.IsAfter(a.lastSlot) {
			a.drawn = true
			a.lastSlot = slot
			a.armed = a.rng.Float64() < a.probability
		}
		if a.armed {
			a.armed = false
			return nil
		}

		if err := protocol.Sleep(ctx, a.clock.UntilNextSlot()); err != nil {
			return err
		}
	}
}

// OnCollision adds no delay: the retry waits for slot permission again.
func (a *SlottedAloha) OnCollision(ctx context.Context) error { return ctx.Err() }

func (a *SlottedAloha) OnSuccess() {}

func (a *SlottedAloha) Name() string { return string(PolicyAloha) }

// BinaryBackoff transmits immediately and, after the c-th consecutive
// collision, waits a uniform number of slots in [0, 2^min(c,cap)-1].
type BinaryBackoff struct {
	slotDuration time.Duration
	maxExponent  int
	rng          *rand.Rand
	collisions   int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewBinaryBackoff creates a backoff controller. A non-positive cap uses
// DefaultBackoffCap.
func NewBinaryBackoff(slotDuration time.Duration, backoffCap int, rng *rand.Rand) *BinaryBackoff {
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	return &BinaryBackoff{
		slotDuration: slotDuration,
		maxExponent:  backoffCap,
		rng:          rng,
		sleep:        protocol.Sleep,
	}
}

func (b *BinaryBackoff) WaitForTurn(ctx context.Context, _ protocol.Prober) error { return ctx.Err() }

// OnCollision bumps the counter and sleeps for the drawn backoff.
func (b *BinaryBackoff) OnCollision(ctx context.Context) error {
	if b.collisions < b.maxExponent {
		b.collisions++
	}
	return b.sleep(ctx, b.nextDelay())
}

func (b *BinaryBackoff) nextDelay() time.Duration {
	window := 1 << min(b.collisions, b.maxExponent)
	return time.Duration(b.rng.IntN(window)) * b.slotDuration
}

// OnSuccess resets the counter.
func (b *BinaryBackoff) OnSuccess() { b.collisions = 0 }

// Collisions returns the current counter value.
func (b *BinaryBackoff) Collisions() int { return b.collisions }

// MaxDelay returns the largest delay the next collision could draw.
func (b *BinaryBackoff) MaxDelay() time.Duration {
	c := min(b.collisions+1, b.maxExponent)
	return time.Duration(1<<c-1) * b.slotDuration
}

func (b *BinaryBackoff) Name() string { return string(PolicyBEB) }

// CarrierSense waits for the channel to be idle before transmitting and backs
// off exponentially after a collision.
type CarrierSense struct {
	clock   *protocol.SlotClock
	backoff *BinaryBackoff
}

// NewCarrierSense creates a carrier-sense controller.
func NewCarrierSense(clock *protocol.SlotClock, backoff *BinaryBackoff) *CarrierSense {
	return &CarrierSense{clock: clock, backoff: backoff}
}

// WaitForTurn probes the channel, re-probing at every slot boundary while it
// is busy.
func (c *CarrierSense) WaitForTurn(ctx context.Context, channel protocol.Prober) error {
	if channel == nil {
		return ctx.Err()
	}
	for {
		busy, err := channel.Probe(ctx)
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if err := protocol.Sleep(ctx, c.clock.UntilNextSlot()); err != nil {
			return err
		}
	}
}

func (c *CarrierSense) OnCollision(ctx context.Context) error { return c.backoff.OnCollision(ctx) }

func (c *CarrierSense) OnSuccess() { c.backoff.OnSuccess() }

func (c *CarrierSense) Name() string { return string(PolicyCSCD) }
