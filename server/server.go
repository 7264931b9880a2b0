package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/flashbots/macnet/protocol"
	"go.uber.org/atomic"
)

// Mode selects how concurrent requests are admitted.
type Mode string

const (
	// ModeDirect serves every request inline on its connection handler.
	ModeDirect Mode = "direct"
	// ModeAloha resolves contention per slot with a SlottedArbiter.
	ModeAloha Mode = "aloha"
	// ModeCSCD resolves contention with a CarrierSenseArbiter.
	ModeCSCD Mode = "cscd"
	// ModeFIFO queues requests for a single global FIFO worker.
	ModeFIFO Mode = "fifo"
	// ModeRoundRobin queues requests per session for a round-robin worker.
	ModeRoundRobin Mode = "rr"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDirect, ModeAloha, ModeCSCD, ModeFIFO, ModeRoundRobin:
		return true
	}
	return false
}

// Config configures a Server.
type Config struct {
	Protocol *protocol.Config
	Mode     Mode

	// ExpectedSessions is the number of sessions that must receive the end
	// of the corpus before the server shuts itself down. Zero disables
	// automatic shutdown.
	ExpectedSessions int

	MonitorInterval  time.Duration
	PropagationDelay time.Duration
	StaleWindow      time.Duration
	DrainTimeout     time.Duration

	Log *slog.Logger
}

// DefaultConfig returns a FIFO server configuration.
func DefaultConfig() *Config {
	return &Config{
		Protocol:        protocol.DefaultConfig(),
		Mode:            ModeFIFO,
		MonitorInterval: time.Second,
		DrainTimeout:    5 * time.Second,
	}
}

// Stats is a point-in-time view of server activity.
type Stats struct {
	Mode         Mode                `json:"mode"`
	Scheduler    string              `json:"scheduler,omitempty"`
	Accepted     int64               `json:"accepted"`
	Active       int                 `json:"active"`
	Requests     int64               `json:"requests"`
	Chunks       int64               `json:"chunks"`
	Collisions   int64               `json:"collisions"`
	OutOfRange   int64               `json:"out_of_range"`
	Probes       int64               `json:"probes"`
	Served       int64               `json:"served"`
	Expected     int                 `json:"expected"`
	Queued       int                 `json:"queued"`
	Contention   *ContentionSnapshot `json:"contention,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	Uptime       string              `json:"uptime"`
	ShuttingDown bool                `json:"shutting_down"`
}

type snapshotter interface {
	Snapshot() ContentionSnapshot
}

// Server accepts client connections and answers chunk requests from a shared
// corpus under the configured admission mode.
type Server struct {
	cfg       *Config
	log       *slog.Logger
	corpus    *protocol.Corpus
	arbiter   protocol.Arbiter
	scheduler Scheduler
	now       func() time.Time

	mu        sync.Mutex
	listener  net.Listener
	conns     map[protocol.SessionID]*Conn
	startedAt time.Time

	accepted   atomic.Int64
	requests   atomic.Int64
	chunks     atomic.Int64
	collisions atomic.Int64
	outOfRange atomic.Int64
	probes     atomic.Int64
	served     atomic.Int64

	shuttingDown atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	done         chan struct{}
	handlers     sync.WaitGroup
}

// NewServer creates a server for corpus.
func NewServer(cfg *Config, corpus *protocol.Corpus) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if corpus == nil {
		return nil, errors.New("corpus cannot be nil")
	}
	if cfg.Protocol == nil {
		cfg.Protocol = protocol.DefaultConfig()
	}
	if err := cfg.Protocol.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown server mode %q", cfg.Mode)
	}
	if cfg.ExpectedSessions < 0 {
		return nil, errors.New("expected sessions cannot be negative")
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		log:    log.With("component", "server", "mode", string(cfg.Mode)),
		corpus: corpus,
		now:    time.Now,
		conns:  make(map[protocol.SessionID]*Conn),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	switch cfg.Mode {
	case ModeAloha:
		s.arbiter = NewSlottedArbiter(cfg.Protocol.SlotDuration)
	case ModeCSCD:
		s.arbiter = NewCarrierSenseArbiter(cfg.PropagationDelay, cfg.StaleWindow)
	case ModeFIFO:
		s.scheduler = NewFIFOScheduler(s.serve)
	case ModeRoundRobin:
		s.scheduler = NewRoundRobinScheduler(s.serve)
	}

	return s, nil
}

// ListenAndServe listens on addr and serves until the server stops.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled, Shutdown
// is called, or every expected session has been served. It returns after the
// scheduler drained and every connection handler exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.listener = ln
	s.startedAt = s.now()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers sync.WaitGroup
	if s.scheduler != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.scheduler.Run(runCtx)
		}()
	}
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.monitor(runCtx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.stop("context cancelled")
		case <-s.stopCh:
		}
	}()

	s.log.Info("listening", "addr", ln.Addr().String(), "corpus_tokens", s.corpus.Len())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.shuttingDown.Load() {
				break
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}

		c := newConn(nc, s.now())
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		s.accepted.Inc()
		s.log.Debug("session connected", "session", c.id, "remote", c.RemoteAddr())

		s.handlers.Add(1)
		go s.handle(runCtx, c)
	}

	s.drain()
	cancel()
	s.closeConns()
	s.handlers.Wait()
	workers.Wait()

	s.log.Info("server stopped", "served", s.served.Load(), "collisions", s.collisions.Load())
	close(s.done)
	return nil
}

// drain waits until the scheduler has nothing queued or in flight.
func (s *Server) drain() {
	if s.scheduler == nil {
		return
	}
	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !s.scheduler.Idle() {
		select {
		case <-deadline.C:
			s.log.Warn("drain timed out", "queued", s.scheduler.Len())
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

// stop stops accepting connections and starts the drain.
func (s *Server) stop(reason string) {
	s.stopOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.log.Info("shutting down", "reason", reason)
		close(s.stopCh)

		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
	})
}

// Shutdown stops the server and waits for it to finish draining.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop("shutdown requested")

	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Serve has fully stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready reports whether the server is accepting connections.
func (s *Server) Ready() bool {
	return s.Addr() != nil && !s.shuttingDown.Load()
}

func (s *Server) idle() bool {
	return s.scheduler == nil || s.scheduler.Idle()
}

// monitor periodically retires finished sessions and shuts the server down
// once every expected session has been served.
func (s *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	for id, c := range s.conns {
		if !c.Terminal() && !c.closed.Load() {
			continue
		}
		// Scheduled sessions are retired by the server once served and
		// drained. Inline sessions may still retry collided chunks after
		// their end marker, so they close their own connection.
		if s.scheduler != nil {
			if !s.scheduler.Reap(id) {
				continue
			}
			if c.Served() {
				c.Close()
			}
		}
		if c.closed.Load() {
			delete(s.conns, id)
		}
	}
	s.mu.Unlock()

	expected := s.cfg.ExpectedSessions
	if expected > 0 && s.served.Load() >= int64(expected) && s.idle() {
		s.stop(fmt.Sprintf("all %d sessions served", expected))
	}
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	startedAt := s.startedAt
	s.mu.Unlock()

	stats := Stats{
		Mode:         s.cfg.Mode,
		Accepted:     s.accepted.Load(),
		Active:       active,
		Requests:     s.requests.Load(),
		Chunks:       s.chunks.Load(),
		Collisions:   s.collisions.Load(),
		OutOfRange:   s.outOfRange.Load(),
		Probes:       s.probes.Load(),
		Served:       s.served.Load(),
		Expected:     s.cfg.ExpectedSessions,
		StartedAt:    startedAt,
		ShuttingDown: s.shuttingDown.Load(),
	}
	if !startedAt.IsZero() {
		stats.Uptime = s.now().Sub(startedAt).Round(time.Millisecond).String()
	}
	if s.scheduler != nil {
		stats.Scheduler = s.scheduler.Name()
		stats.Queued = s.scheduler.Len()
	}
	if snap, ok := s.arbiter.(snapshotter); ok {
		contention := snap.Snapshot()
		stats.Contention = &contention
	}
	return stats
}

// Sessions returns per-connection statistics ordered by connection time.
func (s *Server) Sessions() []SessionStats {
	s.mu.Lock()
	out := make([]SessionStats, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.stats())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
