package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/flashbots/macnet/protocol"
)

var (
	// ErrConnectFailed is returned when every connection attempt failed.
	ErrConnectFailed = errors.New("could not connect to server")

	// ErrOutOfRange is returned when the server answered a request with the
	// out-of-range marker.
	ErrOutOfRange = errors.New("requested offset is out of range")
)

// Dialer opens the transport connection to the server.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Config configures a session.
type Config struct {
	Addr     string
	Protocol *protocol.Config
	Policy   Policy

	// Sessions is the number of sessions expected to contend. It sets the
	// default ALOHA transmit probability.
	Sessions int

	// TransmitProbability is the per-slot ALOHA arming probability. Zero
	// means 1/Sessions.
	TransmitProbability float64

	BackoffCap        int
	ConnectAttempts   int
	ConnectRetryDelay time.Duration

	// RogueSenders is the number of concurrent senders of a RogueSession.
	RogueSenders int

	// Seed seeds the session's generator. Zero picks a random seed.
	Seed uint64

	Dialer Dialer

	// Results receives the outcome of every session that got connected.
	Results ResultSink

	Log *slog.Logger
}

// DefaultConfig returns a configuration for a single immediate session.
func DefaultConfig() *Config {
	return &Config{
		Addr:              "127.0.0.1:9090",
		Protocol:          protocol.DefaultConfig(),
		Policy:            PolicyImmediate,
		Sessions:          1,
		BackoffCap:        DefaultBackoffCap,
		ConnectAttempts:   50,
		ConnectRetryDelay: time.Second,
		RogueSenders:      5,
	}
}

// Validate checks the configuration and fills unset optional fields.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("invalid protocol config: %w", err)
	}
	if c.Policy == "" {
		c.Policy = PolicyImmediate
	}
	if !c.Policy.Valid() {
		return fmt.Errorf("unknown access policy %q", c.Policy)
	}
	if c.TransmitProbability < 0 || c.TransmitProbability > 1 {
		return fmt.Errorf("transmit probability %v is outside [0,1]", c.TransmitProbability)
	}
	if c.Sessions <= 0 {
		c.Sessions = 1
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	if c.RogueSenders <= 0 {
		c.RogueSenders = 5
	}
	if c.Dialer == nil {
		c.Dialer = dialTCP
	}
	return nil
}

func (c *Config) transmitProbability() float64 {
	if c.TransmitProbability > 0 {
		return c.TransmitProbability
	}
	return 1 / float64(max(c.Sessions, 1))
}

func (c *Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// connect dials the server with a bounded number of attempts and a fixed
// delay between them.
func connect(ctx context.Context, cfg *Config, log *slog.Logger) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		conn, err := cfg.Dialer(ctx, cfg.Addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug("connect failed", "attempt", attempt, "err", err)

		if attempt == cfg.ConnectAttempts {
			break
		}
		if err := protocol.Sleep(ctx, cfg.ConnectRetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, cfg.ConnectAttempts, lastErr)
}
