package server

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/flashbots/macnet/protocol"
)

// Request is one pending chunk request.
type Request struct {
	Session protocol.SessionID
	Offset  int
	Arrival time.Time

	// Conn is the connection the chunk is written to. Schedulers never
	// touch it.
	Conn *Conn
}

// ServeFunc services one request to completion.
type ServeFunc func(Request)

// Scheduler admits requests from connection handlers and drains them with a
// single worker under its fairness policy.
type Scheduler interface {
	// Enqueue admits a request. Safe for concurrent use.
	Enqueue(req Request)

	// Run services requests until ctx is done.
	Run(ctx context.Context)

	// Len returns the number of queued requests.
	Len() int

	// Idle reports whether nothing is queued or being served.
	Idle() bool

	// Reap drops a session's bookkeeping if none of its requests are queued
	// or in service, and reports whether it did.
	Reap(session protocol.SessionID) bool

	// Name identifies the policy.
	Name() string
}

// worker holds the in-flight bookkeeping shared by both schedulers.
type worker struct {
	serve  ServeFunc
	signal chan struct{}

	inFlight bool
	current  protocol.SessionID
}

func newWorker(serve ServeFunc) worker {
	return worker{
		serve:  serve,
		signal: make(chan struct{}, 1),
	}
}

func (w *worker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// FIFOScheduler serves requests in global arrival order. A session that
// pipelines many requests gets as many turns as it has queued entries.
type FIFOScheduler struct {
	mu      sync.Mutex
	worker  worker
	queue   *queue.Queue
	pending map[protocol.SessionID]int
}

// NewFIFOScheduler creates a global FIFO scheduler.
func NewFIFOScheduler(serve ServeFunc) *FIFOScheduler {
	return &FIFOScheduler{
		worker:  newWorker(serve),
		queue:   queue.New(),
		pending: make(map[protocol.SessionID]int),
	}
}

func (s *FIFOScheduler) Name() string { return "fifo" }

func (s *FIFOScheduler) Enqueue(req Request) {
	s.mu.Lock()
	s.queue.Add(req)
	s.pending[req.Session]++
	s.mu.Unlock()
	s.worker.notify()
}

func (s *FIFOScheduler) Run(ctx context.Context) {
	for {
		req, ok := s.next(ctx)
		if !ok {
			return
		}
		s.worker.serve(req)
		s.mu.Lock()
		s.worker.inFlight = false
		s.worker.current = ""
		s.mu.Unlock()
	}
}

func (s *FIFOScheduler) next(ctx context.Context) (Request, bool) {
	for {
		s.mu.Lock()
		if s.queue.Length() > 0 {
			req := s.queue.Remove().(Request)
			if s.pending[req.Session]--; s.pending[req.Session] <= 0 {
				delete(s.pending, req.Session)
			}
			s.worker.inFlight = true
			s.worker.current = req.Session
			s.mu.Unlock()
			return req, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, false
		case <-s.worker.signal:
		}
	}
}

func (s *FIFOScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Length()
}

func (s *FIFOScheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Length() == 0 && !s.worker.inFlight
}

func (s *FIFOScheduler) Reap(session protocol.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker.inFlight && s.worker.current == session {
		return false
	}
	return s.pending[session] == 0
}

// RoundRobinScheduler keeps one FIFO per session and sweeps them in a fixed
// cyclic order, serving at most one request per session per sweep.
type RoundRobinScheduler struct {
	mu     sync.Mutex
	worker worker
	queues map[protocol.SessionID]*queue.Queue
	order  []protocol.SessionID
	cursor int
	queued int
}

// NewRoundRobinScheduler creates a fair-queueing scheduler.
func NewRoundRobinScheduler(serve ServeFunc) *RoundRobinScheduler {
	return &RoundRobinScheduler{
		worker: newWorker(serve),
		queues: make(map[protocol.SessionID]*queue.Queue),
	}
}

func (s *RoundRobinScheduler) Name() string { return "rr" }

func (s *RoundRobinScheduler) Enqueue(req Request) {
	s.mu.Lock()
	q, ok := s.queues[req.Session]
	if !ok {
		q = queue.New()
		s.queues[req.Session] = q
		s.order = append(s.order, req.Session)
	}
	q.Add(req)
	s.queued++
	s.mu.Unlock()
	s.worker.notify()
}

func (s *RoundRobinScheduler) Run(ctx context.Context) {
	for {
		req, ok := s.next(ctx)
		if !ok {
			return
		}
		s.worker.serve(req)
		s.mu.Lock()
		s.worker.inFlight = false
		s.worker.current = ""
		s.mu.Unlock()
	}
}

func (s *RoundRobinScheduler) next(ctx context.Context) (Request, bool) {
	for {
		s.mu.Lock()
		if req, ok := s.dequeueLocked(); ok {
			s.worker.inFlight = true
			s.worker.current = req.Session
			s.mu.Unlock()
			return req, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, false
		case <-s.worker.signal:
		}
	}
}

// dequeueLocked takes the head of the first non-empty queue at or after the
// cursor and moves the cursor past it.
func (s *RoundRobinScheduler) dequeueLocked() (Request, bool) {
	if s.queued == 0 {
		return Request{}, false
	}
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		q := s.queues[s.order[idx]]
		if q.Length() == 0 {
			continue
		}
		req := q.Remove().(Request)
		s.queued--
		s.cursor = (idx + 1) % n
		return req, true
	}
	return Request{}, false
}

func (s *RoundRobinScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *RoundRobinScheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued == 0 && !s.worker.inFlight
}

// Sessions returns the number of sessions that currently own a queue.
func (s *RoundRobinScheduler) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Reap deletes the session's queue once it is empty and not in service.
func (s *RoundRobinScheduler) Reap(session protocol.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker.inFlight && s.worker.current == session {
		return false
	}
	q, ok := s.queues[session]
	if !ok {
		return true
	}
	if q.Length() > 0 {
		return false
	}

	delete(s.queues, session)
	for i, id := range s.order {
		if id != session {
			continue
		}
		s.order = append(s.order[:i], s.order[i+1:]...)
		if i < s.cursor {
			s.cursor--
		}
		break
	}
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
	return true
}
