package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/macnet/protocol"
	"github.com/flashbots/macnet/server"
	"github.com/flashbots/macnet/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	results []*Result
}

func (m *memorySink) Save(ctx context.Context, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func startServer(t *testing.T, mode server.Mode, corpus *protocol.Corpus, configure ...func(*server.Config)) string {
	t.Helper()
	cfg := &server.Config{
		Protocol:        testutil.NewTestConfig(),
		Mode:            mode,
		MonitorInterval: 5 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(cfg)
	}
	srv, err := server.NewServer(cfg, corpus)
	require.NoError(t, err)

	ln := testutil.Listen(t)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, <-errCh)
	})
	return ln.Addr().String()
}

func sessionConfig(addr string, policy Policy) *Config {
	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.Protocol = testutil.NewTestConfig()
	cfg.Policy = policy
	cfg.ConnectAttempts = 3
	cfg.ConnectRetryDelay = 10 * time.Millisecond
	cfg.Seed = 1
	return cfg
}

func runSession(t *testing.T, id int, cfg *Config) *Result {
	t.Helper()
	s, err := NewSession(id, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateDone, s.State())
	return result
}

func TestSingleSessionTally(t *testing.T) {
	addr := startServer(t, server.ModeDirect, testutil.ScenarioCorpus())
	sink := &memorySink{}
	cfg := sessionConfig(addr, PolicyImmediate)
	cfg.Results = sink

	result := runSession(t, 0, cfg)
	require.Equal(t, protocol.Tally{"a": 2, "b": 1, "c": 1}, result.Tally)
	require.Equal(t, 2, result.Requests)
	require.Equal(t, StateDone, result.State)

	require.Len(t, sink.results, 1)
	require.Same(t, result, sink.results[0])
}

func TestSessionTallyMatchesCorpusForEveryPolicy(t *testing.T) {
	corpus := testutil.GenerateCorpus(41, 6)
	want := protocol.TallyOf(corpus.Tokens())

	cases := []struct {
		policy Policy
		mode   server.Mode
	}{
		{PolicyImmediate, server.ModeFIFO},
		{PolicyImmediate, server.ModeRoundRobin},
		{PolicyAloha, server.ModeAloha},
		{PolicyBEB, server.ModeCSCD},
		{PolicyCSCD, server.ModeCSCD},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy)+"/"+string(tc.mode), func(t *testing.T) {
			addr := startServer(t, tc.mode, corpus)

			const sessions = 3
			results := make([]*Result, sessions)
			var wg sync.WaitGroup
			for i := 0; i < sessions; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					cfg := sessionConfig(addr, tc.policy)
					cfg.Sessions = sessions
					cfg.Seed = uint64(i + 1)
					s, err := NewSession(i, cfg)
					if err != nil {
						t.Error(err)
						return
					}
					ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
					defer cancel()
					result, err := s.Run(ctx)
					if err != nil {
						t.Error(err)
						return
					}
					results[i] = result
				}()
			}
			wg.Wait()

			for i, result := range results {
				require.NotNil(t, result, "session %d", i)
				require.True(t, want.Equal(result.Tally), "session %d tally %v", i, result.Tally)
			}
		})
	}
}

// Two carrier-sensing sessions racing with a non-zero propagation delay
// collide repeatedly, yet both converge to the single-session tally.
func TestCarrierSenseSessionsConverge(t *testing.T) {
	corpus := testutil.ScenarioCorpus()
	addr := startServer(t, server.ModeCSCD, corpus, func(cfg *server.Config) {
		cfg.PropagationDelay = time.Millisecond
	})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := sessionConfig(addr, PolicyCSCD)
			cfg.Seed = uint64(i + 10)
			s, err := NewSession(i, cfg)
			if err != nil {
				t.Error(err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			results[i], err = s.Run(ctx)
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for _, result := range results {
		require.NotNil(t, result)
		require.Equal(t, protocol.Tally{"a": 2, "b": 1, "c": 1}, result.Tally)
	}
}

func TestSessionRetriesCollisionWithoutDoubleCounting(t *testing.T) {
	// A hand-rolled server that aborts the first transfer half way.
	ln := testutil.Listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := protocol.NewChunkReader(conn)

		line, _ := reader.ReadLine()
		assert.Equal(t, "0", line)
		conn.Write([]byte("a\nHUH!\n"))

		line, _ = reader.ReadLine()
		assert.Equal(t, "0", line)
		conn.Write([]byte("a\nb\n"))

		line, _ = reader.ReadLine()
		assert.Equal(t, "2", line)
		conn.Write([]byte("a\nc,EOF\n"))
	}()

	result := runSession(t, 0, sessionConfig(ln.Addr().String(), PolicyBEB))
	require.Equal(t, protocol.Tally{"a": 2, "b": 1, "c": 1}, result.Tally)
	require.Equal(t, 1, result.Collisions)
	require.Equal(t, 3, result.Requests)
}

func TestSessionConnectFailure(t *testing.T) {
	attempts := 0
	cfg := sessionConfig("127.0.0.1:1", PolicyImmediate)
	sink := &memorySink{}
	cfg.Results = sink
	cfg.Dialer = func(ctx context.Context, addr string) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	s, err := NewSession(0, cfg)
	require.NoError(t, err)
	result, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	require.Nil(t, result)
	require.Equal(t, 3, attempts)
	require.Equal(t, StateFailed, s.State())
	require.Empty(t, sink.results, "no output without a connection")
}

func TestSessionOutOfRangeFails(t *testing.T) {
	addr := startServer(t, server.ModeDirect, protocol.NewCorpus(nil))

	s, err := NewSession(0, sessionConfig(addr, PolicyImmediate))
	require.NoError(t, err)
	result, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, StateFailed, result.State)
	require.Empty(t, result.Tally)
}

func TestSessionConnectionLossFails(t *testing.T) {
	ln := testutil.Listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		reader := protocol.NewChunkReader(conn)
		reader.ReadLine()
		conn.Write([]byte("a\n"))
		conn.Close()
	}()

	s, err := NewSession(0, sessionConfig(ln.Addr().String(), PolicyImmediate))
	require.NoError(t, err)
	result, err := s.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, result.State)
	require.Empty(t, result.Tally, "a partial chunk is never tallied")
}

func TestSessionCancelled(t *testing.T) {
	addr := startServer(t, server.ModeDirect, testutil.ScenarioCorpus())
	cfg := sessionConfig(addr, PolicyAloha)
	cfg.TransmitProbability = 1e-12

	s, err := NewSession(0, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateFailed, s.State())
}
