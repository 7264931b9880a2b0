package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/flashbots/macnet/protocol"
	"go.uber.org/atomic"
)

// RogueSession pipelines requests: a pool of senders shares one connection
// and issues requests whenever armed, while a single receiver reads replies,
// tallies them and re-arms senders one at a time in round-robin order.
//
// Replies on a connection come back in request order, so the receiver matches
// each reply to the oldest outstanding offset. A collided offset is handed to
// the next armed sender before any fresh offset.
type RogueSession struct {
	id  int
	cfg *Config
	log *slog.Logger

	state atomic.Int32

	// mu orders offset assignment, the outstanding queue and the wire.
	mu          sync.Mutex
	conn        net.Conn
	next        int
	ceiling     int
	retries     []int
	outstanding *queue.Queue

	// arms[i] counts the requests sender i still owes; wake[i] signals it.
	arms []atomic.Int64
	wake []chan struct{}

	tally      protocol.Tally
	received   int
	eofOffset  int
	requests   atomic.Int64
	collisions int
}

// NewRogueSession creates a pipelining session with cfg.RogueSenders senders.
func NewRogueSession(id int, cfg *Config) (*RogueSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wake := make([]chan struct{}, cfg.RogueSenders)
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}
	return &RogueSession{
		id:          id,
		cfg:         cfg,
		log:         cfg.logger().With("session", id, "policy", "rogue"),
		ceiling:     math.MaxInt,
		outstanding: queue.New(),
		arms:        make([]atomic.Int64, cfg.RogueSenders),
		wake:        wake,
		tally:       make(protocol.Tally),
		eofOffset:   -1,
	}, nil
}

// ID returns the session index.
func (r *RogueSession) ID() int { return r.id }

// State returns the current lifecycle state.
func (r *RogueSession) State() State { return State(r.state.Load()) }

func (r *RogueSession) setState(state State) { r.state.Store(int32(state)) }

// Run connects, starts the senders and receives until the whole corpus has
// been tallied.
func (r *RogueSession) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	r.setState(StateConnecting)

	conn, err := connect(ctx, r.cfg, r.log)
	if err != nil {
		r.setState(StateFailed)
		return nil, err
	}
	r.conn = conn
	r.setState(StateConnected)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, func() { conn.Close() })

	var senders sync.WaitGroup
	for i := range r.arms {
		senders.Add(1)
		go func() {
			defer senders.Done()
			r.sender(runCtx, i)
		}()
		r.arm(i)
	}

	r.setState(StateAwaitingChunk)
	runErr := r.receive(protocol.NewChunkReader(conn))

	cancel()
	stop()
	conn.Close()
	senders.Wait()

	if runErr != nil {
		r.setState(StateFailed)
		if ctx.Err() != nil {
			runErr = ctx.Err()
		}
	} else {
		r.setState(StateDone)
	}

	result := &Result{
		SessionID:  r.id,
		Policy:     "rogue",
		State:      r.State(),
		Tally:      r.tally,
		Requests:   int(r.requests.Load()),
		Collisions: r.collisions,
		Elapsed:    time.Since(start),
		FinishedAt: time.Now(),
	}
	if r.cfg.Results != nil {
		if err := r.cfg.Results.Save(context.WithoutCancel(ctx), result); err != nil {
			return result, errors.Join(runErr, fmt.Errorf("saving result: %w", err))
		}
	}
	if runErr == nil {
		r.log.Info("session done", "tokens", r.tally.Total(), "requests", result.Requests, "collisions", r.collisions)
	}
	return result, runErr
}

// arm grants sender i one more request. Arms accumulate while the sender is
// still busy with an earlier one.
func (r *RogueSession) arm(i int) {
	r.arms[i].Inc()
	select {
	case r.wake[i] <- struct{}{}:
	default:
	}
}

// sender blocks until armed, then transmits one request per pending arm.
func (r *RogueSession) sender(ctx context.Context, i int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake[i]:
		}
		for r.arms[i].Load() > 0 {
			r.arms[i].Dec()
			if err := r.send(); err != nil {
				if ctx.Err() == nil {
					r.log.Debug("send failed", "sender", i, "err", err)
				}
				return
			}
		}
	}
}

func (r *RogueSession) send() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var offset int
	switch {
	case len(r.retries) > 0:
		offset = r.retries[0]
		r.retries = r.retries[1:]
	case r.next < r.ceiling:
		offset = r.next
		r.next += r.cfg.Protocol.ChunkSize
	default:
		return nil
	}

	if _, err := r.conn.Write([]byte(protocol.EncodeOffset(offset))); err != nil {
		return err
	}
	r.outstanding.Add(offset)
	r.requests.Inc()
	return nil
}

// popOutstanding returns the offset the current reply answers.
func (r *RogueSession) popOutstanding() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding.Length() == 0 {
		return 0, false
	}
	return r.outstanding.Remove().(int), true
}

func (r *RogueSession) retry(offset int) {
	r.mu.Lock()
	r.retries = append(r.retries, offset)
	r.mu.Unlock()
}

func (r *RogueSession) limit(offset int) {
	r.mu.Lock()
	r.ceiling = min(r.ceiling, offset)
	r.mu.Unlock()
}

// receive reads replies until the end-marked chunk and every chunk before it
// have been tallied.
func (r *RogueSession) receive(reader *protocol.ChunkReader) error {
	k := r.cfg.Protocol.ChunkSize
	turn := 0
	for {
		tokens, outcome, err := reader.ReadChunk(k)
		if err != nil {
			return fmt.Errorf("reading reply: %w", err)
		}
		offset, ok := r.popOutstanding()
		if !ok {
			return fmt.Errorf("%w: %s without outstanding request", protocol.ErrUnexpectedReply, outcome)
		}

		switch outcome {
		case protocol.OutcomeChunk:
			r.tally.Add(tokens...)
			r.received++
		case protocol.OutcomeEOF:
			r.tally.Add(tokens...)
			r.received++
			r.eofOffset = offset
			r.limit(offset + k)
		case protocol.OutcomeCollision:
			r.collisions++
			r.retry(offset)
		case protocol.OutcomeOutOfRange:
			// Pipelining overshoots the corpus end; only an empty corpus
			// leaves nothing to fetch.
			if offset == 0 {
				return fmt.Errorf("%w: %d", ErrOutOfRange, offset)
			}
			r.limit(offset)
		}

		if r.eofOffset >= 0 && r.received == r.eofOffset/k+1 {
			return nil
		}

		r.arm(turn % len(r.arms))
		turn++
	}
}
