package server

import (
	"sync"
	"time"

	"github.com/flashbots/macnet/protocol"
)

// ContentionSnapshot is a consistent copy of the shared contention state.
type ContentionSnapshot struct {
	Busy          bool               `json:"busy"`
	Holder        protocol.SessionID `json:"holder,omitempty"`
	Collision     bool               `json:"collision"`
	LastCollision time.Time          `json:"last_collision,omitempty"`
}

// contentionState is shared by every connection handler. All reads that gate
// a decision and all writes that claim or clear it happen under mu.
type contentionState struct {
	mu            sync.Mutex
	busy          bool
	holder        protocol.SessionID
	claimedAt     time.Time
	collision     bool
	lastCollision time.Time

	// epoch identifies the current claim so that a finished transfer can
	// never clear a newer reservation.
	epoch uint64
}

func (s *contentionState) snapshot() ContentionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ContentionSnapshot{
		Busy:          s.busy,
		Holder:        s.holder,
		Collision:     s.collision,
		LastCollision: s.lastCollision,
	}
}

// CarrierSenseArbiter implements carrier sensing with collision detection.
//
// A request is rejected with a collision while another request holds the
// channel, or when it arrived before the most recently recorded collision.
// Otherwise it reserves the channel until its transfer ends. When a
// propagation delay is configured, a request arriving within that delay of
// the holder's claim has not yet sensed the reservation: both collide, and the
// holder aborts its transfer before the next line.
type CarrierSenseArbiter struct {
	state            contentionState
	propagationDelay time.Duration
	staleWindow      time.Duration
	now              func() time.Time
}

// NewCarrierSenseArbiter creates an arbiter. A zero staleWindow rejects every
// request that arrived before the last collision, however old.
func NewCarrierSenseArbiter(propagationDelay, staleWindow time.Duration) *CarrierSenseArbiter {
	return &CarrierSenseArbiter{
		propagationDelay: propagationDelay,
		staleWindow:      staleWindow,
		now:              time.Now,
	}
}

// Acquire applies the carrier-sense rules in one critical section.
func (a *CarrierSenseArbiter) Acquire(session protocol.SessionID, arrival time.Time) protocol.Grant {
	s := &a.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		if a.propagationDelay > 0 && arrival.Sub(s.claimedAt) < a.propagationDelay {
			s.collision = true
			s.lastCollision = a.now()
		}
		return nil
	}

	if a.isStale(arrival) {
		return nil
	}

	s.epoch++
	s.busy = true
	s.collision = false
	s.holder = session
	s.claimedAt = arrival
	return &contentionGrant{state: s, epoch: s.epoch}
}

func (a *CarrierSenseArbiter) isStale(arrival time.Time) bool {
	last := a.state.lastCollision
	if last.IsZero() || !arrival.Before(last) {
		return false
	}
	return a.staleWindow == 0 || last.Sub(arrival) <= a.staleWindow
}

// Busy reports whether a transfer holds the channel.
func (a *CarrierSenseArbiter) Busy() bool {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	return a.state.busy
}

// Snapshot returns the current contention state.
func (a *CarrierSenseArbiter) Snapshot() ContentionSnapshot {
	return a.state.snapshot()
}

type contentionGrant struct {
	state *contentionState
	epoch uint64
}

func (g *contentionGrant) Collided() bool {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.state.epoch == g.epoch && g.state.collision
}

func (g *contentionGrant) Abort() {
	g.clear()
}

func (g *contentionGrant) Release() {
	g.clear()
}

func (g *contentionGrant) clear() {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	if g.state.epoch != g.epoch {
		return
	}
	g.state.busy = false
	g.state.collision = false
	g.state.holder = ""
}

// SlottedArbiter implements the server side of slotted random access: the
// first request of a slot owns it, and any further request landing in the
// same slot collides with it.
type SlottedArbiter struct {
	slotDuration time.Duration

	mu            sync.Mutex
	claimed       bool
	slot          protocol.Slot
	collision     bool
	busy          bool
	holder        protocol.SessionID
	lastCollision time.Time
	epoch         uint64
}

// NewSlottedArbiter creates a slot-based arbiter.
func NewSlottedArbiter(slotDuration time.Duration) *SlottedArbiter {
	return &SlottedArbiter{slotDuration: slotDuration}
}

// Acquire grants the first request of each slot.
func (a *SlottedArbiter) Acquire(session protocol.SessionID, arrival time.Time) protocol.Grant {
	slot := protocol.SlotForTime(arrival, a.slotDuration)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.claimed || slot.IsAfter(a.slot) {
		a.claimed = true
		a.slot = slot
		a.collision = false
		a.busy = true
		a.holder = session
		a.epoch++
		return &slotGrant{arbiter: a, slot: slot, epoch: a.epoch}
	}

	a.collision = true
	a.lastCollision = arrival
	return nil
}

// Busy reports whether the owner of the latest slot is still transferring.
func (a *SlottedArbiter) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Snapshot returns the current contention state.
func (a *SlottedArbiter) Snapshot() ContentionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ContentionSnapshot{
		Busy:          a.busy,
		Holder:        a.holder,
		Collision:     a.collision,
		LastCollision: a.lastCollision,
	}
}

type slotGrant struct {
	arbiter *SlottedArbiter
	slot    protocol.Slot
	epoch   uint64
}

func (g *slotGrant) Collided() bool {
	g.arbiter.mu.Lock()
	defer g.arbiter.mu.Unlock()
	return g.arbiter.slot == g.slot && g.arbiter.collision
}

func (g *slotGrant) Abort() {
	g.Release()
}

func (g *slotGrant) Release() {
	g.arbiter.mu.Lock()
	defer g.arbiter.mu.Unlock()
	if g.arbiter.epoch == g.epoch {
		g.arbiter.busy = false
		g.arbiter.holder = ""
	}
}
