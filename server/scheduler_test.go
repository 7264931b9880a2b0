package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/macnet/protocol"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	served []Request
}

func (r *recorder) serve(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.served = append(r.served, req)
}

func (r *recorder) sessions() []protocol.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.SessionID, len(r.served))
	for i, req := range r.served {
		out[i] = req.Session
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.served)
}

func runScheduler(t *testing.T, s Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestFIFOSchedulerServesInArrivalOrder(t *testing.T) {
	rec := &recorder{}
	s := NewFIFOScheduler(rec.serve)

	// The rogue session pipelines three requests ahead of everyone else.
	s.Enqueue(Request{Session: "rogue", Offset: 0})
	s.Enqueue(Request{Session: "rogue", Offset: 2})
	s.Enqueue(Request{Session: "rogue", Offset: 4})
	s.Enqueue(Request{Session: "a", Offset: 0})
	s.Enqueue(Request{Session: "b", Offset: 0})
	require.Equal(t, 5, s.Len())
	require.False(t, s.Idle())

	runScheduler(t, s)
	require.Eventually(t, s.Idle, time.Second, time.Millisecond)

	require.Equal(t, []protocol.SessionID{"rogue", "rogue", "rogue", "a", "b"}, rec.sessions())
	require.True(t, s.Reap("rogue"))
}

func TestFIFOSchedulerWakesOnEnqueue(t *testing.T) {
	rec := &recorder{}
	s := NewFIFOScheduler(rec.serve)
	runScheduler(t, s)

	for i := 0; i < 10; i++ {
		s.Enqueue(Request{Session: "a", Offset: i})
		require.Eventually(t, func() bool { return rec.count() == i+1 }, time.Second, time.Millisecond)
	}
}

func TestFIFOSchedulerReapWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := NewFIFOScheduler(func(Request) {
		close(started)
		<-release
	})
	s.Enqueue(Request{Session: "a"})
	require.False(t, s.Reap("a"))

	runScheduler(t, s)
	<-started
	require.False(t, s.Reap("a"))
	require.False(t, s.Idle())
	require.True(t, s.Reap("b"))

	close(release)
	require.Eventually(t, s.Idle, time.Second, time.Millisecond)
	require.True(t, s.Reap("a"))
}

func TestRoundRobinWindowProperty(t *testing.T) {
	const sessions = 4
	const perSession = 25

	rec := &recorder{}
	s := NewRoundRobinScheduler(rec.serve)

	// Sessions offer very different request rates: session i pipelines all
	// of its requests before session i+1 enqueues anything.
	for i := 0; i < sessions; i++ {
		id := protocol.SessionID(fmt.Sprintf("s%d", i))
		for j := 0; j < perSession; j++ {
			s.Enqueue(Request{Session: id, Offset: j})
		}
	}

	runScheduler(t, s)
	require.Eventually(t, s.Idle, time.Second, time.Millisecond)

	order := rec.sessions()
	require.Len(t, order, sessions*perSession)

	// Any window of N consecutive dequeues visits every session once.
	for start := 0; start+sessions <= len(order); start++ {
		seen := map[protocol.SessionID]int{}
		for _, id := range order[start : start+sessions] {
			seen[id]++
		}
		require.Len(t, seen, sessions, "window starting at %d", start)
	}

	// Per-session order is preserved.
	next := map[protocol.SessionID]int{}
	rec.mu.Lock()
	for _, req := range rec.served {
		require.Equal(t, next[req.Session], req.Offset)
		next[req.Session]++
	}
	rec.mu.Unlock()
}

func TestRoundRobinUnevenLoadStaysWithinOne(t *testing.T) {
	rec := &recorder{}
	s := NewRoundRobinScheduler(rec.serve)

	for j := 0; j < 20; j++ {
		s.Enqueue(Request{Session: "rogue", Offset: j})
	}
	for j := 0; j < 5; j++ {
		s.Enqueue(Request{Session: "a", Offset: j})
		s.Enqueue(Request{Session: "b", Offset: j})
	}

	runScheduler(t, s)
	require.Eventually(t, s.Idle, time.Second, time.Millisecond)

	order := rec.sessions()
	require.Len(t, order, 30)

	// While all three are backlogged, no session runs more than one ahead.
	counts := map[protocol.SessionID]int{}
	for i, id := range order[:15] {
		counts[id]++
		maxCount, minCount := 0, 1<<30
		for _, n := range []int{counts["rogue"], counts["a"], counts["b"]} {
			maxCount = max(maxCount, n)
			minCount = min(minCount, n)
		}
		require.LessOrEqual(t, maxCount-minCount, 1, "after %d dequeues", i+1)
	}
	require.Equal(t, 5, counts["rogue"])

	for _, id := range order[15:] {
		require.Equal(t, protocol.SessionID("rogue"), id)
	}
}

func TestRoundRobinReap(t *testing.T) {
	rec := &recorder{}
	s := NewRoundRobinScheduler(rec.serve)

	s.Enqueue(Request{Session: "a"})
	s.Enqueue(Request{Session: "b"})
	s.Enqueue(Request{Session: "c"})
	require.Equal(t, 3, s.Sessions())
	require.False(t, s.Reap("a"), "queue still holds a request")

	runScheduler(t, s)
	require.Eventually(t, s.Idle, time.Second, time.Millisecond)

	require.True(t, s.Reap("b"))
	require.Equal(t, 2, s.Sessions())
	require.True(t, s.Reap("b"))

	// Sweeping keeps working after removal.
	s.Enqueue(Request{Session: "c", Offset: 1})
	s.Enqueue(Request{Session: "a", Offset: 1})
	require.Eventually(t, func() bool { return rec.count() == 5 && s.Idle() }, time.Second, time.Millisecond)

	require.True(t, s.Reap("a"))
	require.True(t, s.Reap("c"))
	require.Zero(t, s.Sessions())
}
