package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flashbots/macnet/protocol"
	"go.uber.org/atomic"
)

// Conn is the server side of one client connection. Reads happen only on the
// connection's handler goroutine; writes may come from the handler or a
// scheduler worker and are serialised by wmu.
type Conn struct {
	id          protocol.SessionID
	nc          net.Conn
	reader      *bufio.Reader
	connectedAt time.Time

	wmu sync.Mutex

	requests   atomic.Int64
	chunks     atomic.Int64
	collisions atomic.Int64

	served   atomic.Bool
	terminal atomic.Bool
	closed   atomic.Bool

	closeOnce sync.Once
}

func newConn(nc net.Conn, now time.Time) *Conn {
	return &Conn{
		id:          protocol.NewSessionID(),
		nc:          nc,
		reader:      bufio.NewReader(nc),
		connectedAt: now,
	}
}

// ID returns the session identifier assigned on accept.
func (c *Conn) ID() protocol.SessionID { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

func (c *Conn) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLines writes lines back to back under one acquisition of the write
// lock.
func (c *Conn) writeLines(lines ...string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, line := range lines {
		if _, err := c.nc.Write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk writes a chunk line by line. Before every line the grant, when
// present, is checked for a collision; on one the collision marker replaces
// the remainder and writeChunk reports an incomplete transfer.
func (c *Conn) writeChunk(lines []string, grant protocol.Grant) (bool, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, line := range lines {
		if grant != nil && grant.Collided() {
			_, err := c.nc.Write([]byte(protocol.EncodeMarker(protocol.MarkerCollision)))
			return false, err
		}
		if _, err := c.nc.Write([]byte(line)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// markServed records that the session received its end marker. It reports
// whether this call made the transition.
func (c *Conn) markServed() bool {
	c.terminal.Store(true)
	return c.served.CompareAndSwap(false, true)
}

func (c *Conn) markTerminal() { c.terminal.Store(true) }

// Served reports whether the session received the end of the corpus.
func (c *Conn) Served() bool { return c.served.Load() }

// Terminal reports whether the session received a terminal reply.
func (c *Conn) Terminal() bool { return c.terminal.Load() }

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

// SessionStats describes one connection.
type SessionStats struct {
	ID          protocol.SessionID `json:"id"`
	RemoteAddr  string             `json:"remote_addr"`
	ConnectedAt time.Time          `json:"connected_at"`
	Requests    int64              `json:"requests"`
	Chunks      int64              `json:"chunks"`
	Collisions  int64              `json:"collisions"`
	Served      bool               `json:"served"`
	Terminal    bool               `json:"terminal"`
}

func (c *Conn) stats() SessionStats {
	return SessionStats{
		ID:          c.id,
		RemoteAddr:  c.RemoteAddr(),
		ConnectedAt: c.connectedAt,
		Requests:    c.requests.Load(),
		Chunks:      c.chunks.Load(),
		Collisions:  c.collisions.Load(),
		Served:      c.served.Load(),
		Terminal:    c.terminal.Load(),
	}
}
