package protocol

import (
	"errors"
	"time"
)

// Config provides the wire-level parameters shared by the server and every
// client session.
type Config struct {
	// ChunkSize is the number of tokens served per request (k).
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// PacketSize is the number of tokens batched per response line (p).
	PacketSize int `json:"packet_size" yaml:"packet_size"`

	// SlotDuration is the length of one contention slot (T).
	SlotDuration time.Duration `json:"slot_duration,string" yaml:"slot_duration"`
}

// DefaultConfig returns the parameters used by the reference deployments.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:    10,
		PacketSize:   1,
		SlotDuration: 10 * time.Millisecond,
	}
}

// Validate checks that the configuration can drive a session.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.PacketSize <= 0 {
		return errors.New("packet size must be positive")
	}
	if c.SlotDuration <= 0 {
		return errors.New("slot duration must be positive")
	}
	return nil
}
