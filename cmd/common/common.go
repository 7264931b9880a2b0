// Package common provides shared configuration for the macnet CLI commands.
//
// The server, client and simulate binaries read the same YAML file:
//
//   - Config loading with defaults and validation
//   - slog logger construction from the log section
//   - Builders turning the file sections into server, client and result
//     store configurations
package common

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/flashbots/macnet/client"
	"github.com/flashbots/macnet/protocol"
	"github.com/flashbots/macnet/server"
	"github.com/flashbots/macnet/services"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration shared by every command.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Protocol   protocol.Config `yaml:"protocol"`
	CorpusPath string          `yaml:"corpus_path"`
	Client     ClientConfig    `yaml:"client"`
	Results    ResultsConfig   `yaml:"results"`
	Log        LogConfig       `yaml:"log"`
}

// ServerConfig is the server section.
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	Mode             string        `yaml:"mode"`
	ExpectedSessions int           `yaml:"expected_sessions"`
	StatusAddr       string        `yaml:"status_addr"`
	AllowedOrigins   []string      `yaml:"allowed_origins,omitempty"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	PropagationDelay time.Duration `yaml:"propagation_delay"`
	StaleWindow      time.Duration `yaml:"stale_window"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// ClientConfig is the client section.
type ClientConfig struct {
	Sessions            int           `yaml:"sessions"`
	Policy              string        `yaml:"policy"`
	TransmitProbability float64       `yaml:"transmit_probability"`
	BackoffCap          int           `yaml:"backoff_cap"`
	ConnectAttempts     int           `yaml:"connect_attempts"`
	ConnectRetryDelay   time.Duration `yaml:"connect_retry_delay"`
	Rogue               bool          `yaml:"rogue"`
	RogueSenders        int           `yaml:"rogue_senders"`
	Seed                uint64        `yaml:"seed"`
}

// ResultsConfig is the results section.
type ResultsConfig struct {
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LogConfig is the log section.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	srv := server.DefaultConfig()
	cli := client.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:             "127.0.0.1:9090",
			Mode:             string(srv.Mode),
			ExpectedSessions: 10,
			MonitorInterval:  srv.MonitorInterval,
			DrainTimeout:     srv.DrainTimeout,
		},
		Protocol:   *protocol.DefaultConfig(),
		CorpusPath: "words.txt",
		Client: ClientConfig{
			Sessions:          10,
			Policy:            string(cli.Policy),
			BackoffCap:        cli.BackoffCap,
			ConnectAttempts:   cli.ConnectAttempts,
			ConnectRetryDelay: cli.ConnectRetryDelay,
			RogueSenders:      cli.RogueSenders,
		},
		Results: ResultsConfig{Dir: "results"},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if !server.Mode(c.Server.Mode).Valid() {
		return fmt.Errorf("server.mode: unknown mode %q", c.Server.Mode)
	}
	if !client.Policy(c.Client.Policy).Valid() {
		return fmt.Errorf("client.policy: unknown policy %q", c.Client.Policy)
	}
	if c.Client.Sessions <= 0 {
		return errors.New("client.sessions must be positive")
	}
	if c.Client.TransmitProbability < 0 || c.Client.TransmitProbability > 1 {
		return errors.New("client.transmit_probability must be within [0,1]")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ServerConfig returns the chunk server configuration.
func (c *Config) ServerConfig(log *slog.Logger) *server.Config {
	proto := c.Protocol
	return &server.Config{
		Protocol:         &proto,
		Mode:             server.Mode(c.Server.Mode),
		ExpectedSessions: c.Server.ExpectedSessions,
		MonitorInterval:  c.Server.MonitorInterval,
		PropagationDelay: c.Server.PropagationDelay,
		StaleWindow:      c.Server.StaleWindow,
		DrainTimeout:     c.Server.DrainTimeout,
		Log:              log,
	}
}

// ClientConfig returns the session template configuration.
func (c *Config) ClientConfig(log *slog.Logger) *client.Config {
	proto := c.Protocol
	cfg := client.DefaultConfig()
	cfg.Addr = c.Server.Addr
	cfg.Protocol = &proto
	cfg.Policy = client.Policy(c.Client.Policy)
	cfg.Sessions = c.Client.Sessions
	cfg.TransmitProbability = c.Client.TransmitProbability
	cfg.BackoffCap = c.Client.BackoffCap
	cfg.ConnectAttempts = c.Client.ConnectAttempts
	cfg.ConnectRetryDelay = c.Client.ConnectRetryDelay
	cfg.RogueSenders = c.Client.RogueSenders
	cfg.Seed = c.Client.Seed
	cfg.Log = log
	return cfg
}

// ResultStore opens the configured stores. The returned close function
// releases database connections.
func (c *Config) ResultStore() (services.ResultStore, func() error, error) {
	files, err := services.NewFileStore(c.Results.Dir)
	if err != nil {
		return nil, nil, err
	}
	if c.Results.PostgresDSN == "" {
		return files, func() error { return nil }, nil
	}

	pg, err := services.NewPostgresStore(&services.PostgresConfig{DSN: c.Results.PostgresDSN})
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return services.MultiStore{files, pg}, pg.Close, nil
}

// LoadCorpus reads the configured corpus file.
func (c *Config) LoadCorpus() (*protocol.Corpus, error) {
	if c.CorpusPath == "" {
		return nil, errors.New("corpus_path is required")
	}
	return protocol.LoadCorpus(c.CorpusPath)
}
