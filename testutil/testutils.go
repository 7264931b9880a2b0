package testutil

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/flashbots/macnet/protocol"
	"github.com/stretchr/testify/require"
)

// =====================================
// Configuration Generators
// =====================================

// TestConfigOption is a function that modifies a protocol.Config
type TestConfigOption func(*protocol.Config)

// WithChunkSize sets the number of tokens per chunk
func WithChunkSize(k int) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.ChunkSize = k
	}
}

// WithPacketSize sets the number of tokens per response line
func WithPacketSize(p int) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.PacketSize = p
	}
}

// WithSlotDuration sets the slot length
func WithSlotDuration(d time.Duration) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.SlotDuration = d
	}
}

// NewTestConfig creates a small, fast protocol configuration for tests.
func NewTestConfig(options ...TestConfigOption) *protocol.Config {
	cfg := &protocol.Config{
		ChunkSize:    2,
		PacketSize:   1,
		SlotDuration: 2 * time.Millisecond,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// =====================================
// Corpus Generators
// =====================================

// ScenarioCorpus returns the four-token corpus a,b,a,c.
func ScenarioCorpus() *protocol.Corpus {
	return protocol.NewCorpus([]string{"a", "b", "a", "c"})
}

// GenerateCorpus returns n tokens cycling through a vocabulary of size vocab,
// so every token occurs several times.
func GenerateCorpus(n, vocab int) *protocol.Corpus {
	if vocab <= 0 {
		vocab = 1
	}
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("w%d", (i*7)%vocab)
	}
	return protocol.NewCorpus(tokens)
}

// =====================================
// Network Helpers
// =====================================

// Listen opens a loopback TCP listener that is closed when the test ends.
func Listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// LineConn is a raw client connection for driving the wire protocol by hand.
type LineConn struct {
	net.Conn
	r *bufio.Reader
}

// DialLines connects to addr and returns a line-oriented connection.
func DialLines(t testing.TB, addr string) *LineConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &LineConn{Conn: c, r: bufio.NewReader(c)}
}

// Send writes one line.
func (c *LineConn) Send(t testing.TB, line string) {
	t.Helper()
	_, err := c.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// Expect reads the next line and compares it with want.
func (c *LineConn) Expect(t testing.TB, want string) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	got, err := c.r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, want+"\n", got)
}
