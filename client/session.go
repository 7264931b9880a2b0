package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/flashbots/macnet/protocol"
	"go.uber.org/atomic"
)

// State is a step of the session lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateWaitForTurn
	StateSending
	StateAwaitingChunk
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaitForTurn:
		return "wait-for-turn"
	case StateSending:
		return "sending"
	case StateAwaitingChunk:
		return "awaiting-chunk"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Result is the outcome of one session.
type Result struct {
	SessionID  int            `json:"session_id"`
	Policy     string         `json:"policy"`
	State      State          `json:"state"`
	Tally      protocol.Tally `json:"tally"`
	Requests   int            `json:"requests"`
	Collisions int            `json:"collisions"`
	Elapsed    time.Duration  `json:"elapsed"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ResultSink persists session results.
type ResultSink interface {
	Save(ctx context.Context, result *Result) error
}

// Session is a well-behaved client: one outstanding request at a time, gated
// by an access controller.
type Session struct {
	id     int
	cfg    *Config
	log    *slog.Logger
	access protocol.AccessController
	state  atomic.Int32

	conn   net.Conn
	reader *protocol.ChunkReader

	offset     int
	tally      protocol.Tally
	requests   int
	collisions int
}

// NewSession creates session id. cfg is validated and completed in place.
func NewSession(id int, cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := newRand(cfg.Seed, id)
	access, err := NewAccessController(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:     id,
		cfg:    cfg,
		log:    cfg.logger().With("session", id, "policy", access.Name()),
		access: access,
		tally:  make(protocol.Tally),
	}, nil
}

// newRand returns the session-owned generator.
func newRand(seed uint64, id int) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, uint64(id)))
}

// ID returns the session index.
func (s *Session) ID() int { return s.id }

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(state State) { s.state.Store(int32(state)) }

// Probe carrier-senses the channel over the session's connection.
func (s *Session) Probe(ctx context.Context) (bool, error) {
	if _, err := s.conn.Write([]byte(protocol.EncodeProbe())); err != nil {
		return false, err
	}
	return s.reader.ReadProbeReply()
}

// Run drives the session to a terminal state. The returned result is nil only
// when the session never connected.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.setState(StateConnecting)

	conn, err := connect(ctx, s.cfg, s.log)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	s.conn = conn
	s.reader = protocol.NewChunkReader(conn)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.setState(StateConnected)
	s.log.Debug("connected", "addr", s.cfg.Addr)

	runErr := s.loop(ctx)
	if runErr != nil {
		s.setState(StateFailed)
		if ctx.Err() != nil {
			runErr = ctx.Err()
		}
	} else {
		s.setState(StateDone)
	}

	result := s.result(time.Since(start))
	if s.cfg.Results != nil {
		if err := s.cfg.Results.Save(context.WithoutCancel(ctx), result); err != nil {
			return result, errors.Join(runErr, fmt.Errorf("saving result: %w", err))
		}
	}
	if runErr == nil {
		s.log.Info("session done", "tokens", result.Tally.Total(), "collisions", s.collisions, "elapsed", result.Elapsed)
	}
	return result, runErr
}

func (s *Session) loop(ctx context.Context) error {
	k := s.cfg.Protocol.ChunkSize
	for {
		s.setState(StateWaitForTurn)
		if err := s.access.WaitForTurn(ctx, s); err != nil {
			return fmt.Errorf("waiting for turn: %w", err)
		}

		s.setState(StateSending)
		if _, err := s.conn.Write([]byte(protocol.EncodeOffset(s.offset))); err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		s.requests++

		s.setState(StateAwaitingChunk)
		tokens, outcome, err := s.reader.ReadChunk(k)
		if err != nil {
			return fmt.Errorf("reading chunk at offset %d: %w", s.offset, err)
		}

		switch outcome {
		case protocol.OutcomeChunk:
			s.tally.Add(tokens...)
			s.offset += k
			s.access.OnSuccess()
		case protocol.OutcomeEOF:
			s.tally.Add(tokens...)
			s.access.OnSuccess()
			return nil
		case protocol.OutcomeCollision:
			s.collisions++
			s.log.Debug("collision", "offset", s.offset)
			if err := s.access.OnCollision(ctx); err != nil {
				return fmt.Errorf("backing off: %w", err)
			}
		case protocol.OutcomeOutOfRange:
			return fmt.Errorf("%w: %d", ErrOutOfRange, s.offset)
		}
	}
}

func (s *Session) result(elapsed time.Duration) *Result {
	return &Result{
		SessionID:  s.id,
		Policy:     s.access.Name(),
		State:      s.State(),
		Tally:      s.tally,
		Requests:   s.requests,
		Collisions: s.collisions,
		Elapsed:    elapsed,
		FinishedAt: time.Now(),
	}
}
