// Command server runs the macnet chunk server.
//
// The server hands out consecutive chunks of a comma-separated token corpus
// over a line-oriented TCP protocol. The mode decides how concurrent requests
// are admitted:
//
//	direct  every connection is served inline, no contention
//	aloha   slotted arbiter, two requests in one slot collide
//	cscd    carrier-sense arbiter answering BUSY? probes
//	fifo    one worker serving requests in arrival order
//	rr      one worker cycling over sessions round-robin
//
// The server stops by itself once expected_sessions sessions received the
// end of the corpus, or on SIGINT/SIGTERM.
//
// # Status API
//
// When --status-addr is set, a chi HTTP server exposes /livez, /readyz,
// /server/stats, /server/sessions and POST /server/shutdown.
//
// # Usage
//
//	go run ./cmd/server --corpus=words.txt --mode=rr --expected=10
//	go run ./cmd/server --config=macnet.yaml --status-addr=:9091
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/macnet/api/httpserver"
	"github.com/flashbots/macnet/cmd/common"
	"github.com/flashbots/macnet/server"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		addr         = flag.String("addr", "127.0.0.1:9090", "TCP listen address")
		mode         = flag.String("mode", "fifo", "Server mode: direct, aloha, cscd, fifo or rr")
		expected     = flag.Int("expected", 10, "Sessions to serve before stopping (0 runs until interrupted)")
		corpusPath   = flag.String("corpus", "words.txt", "Comma-separated corpus file")
		chunkSize    = flag.Int("k", 10, "Tokens per chunk")
		packetSize   = flag.Int("p", 1, "Tokens per response line")
		slot         = flag.Duration("slot", 10*time.Millisecond, "Slot duration")
		propagation  = flag.Duration("propagation-delay", 0, "Carrier-sense propagation delay (cscd). With 0 a request during a transfer is only rejected: no collision is ever recorded, so stale-request rejection and mid-chunk aborts stay off. Set it above 0 to enable them")
		staleWindow  = flag.Duration("stale-window", 0, "Window in which requests older than a collision are rejected (0 = unbounded)")
		statusAddr   = flag.String("status-addr", "", "HTTP status API address (disabled when empty)")
		logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn or error")
		logJSON      = flag.Bool("log-json", false, "Log in JSON")
		printDefault = flag.Bool("print-config", false, "Print the effective configuration and exit")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	cfg := common.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = common.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	if isFlagSet("addr") {
		cfg.Server.Addr = *addr
	}
	if isFlagSet("mode") {
		cfg.Server.Mode = *mode
	}
	if isFlagSet("expected") {
		cfg.Server.ExpectedSessions = *expected
	}
	if isFlagSet("corpus") {
		cfg.CorpusPath = *corpusPath
	}
	if isFlagSet("k") {
		cfg.Protocol.ChunkSize = *chunkSize
	}
	if isFlagSet("p") {
		cfg.Protocol.PacketSize = *packetSize
	}
	if isFlagSet("slot") {
		cfg.Protocol.SlotDuration = *slot
	}
	if isFlagSet("propagation-delay") {
		cfg.Server.PropagationDelay = *propagation
	}
	if isFlagSet("stale-window") {
		cfg.Server.StaleWindow = *staleWindow
	}
	if isFlagSet("status-addr") {
		cfg.Server.StatusAddr = *statusAddr
	}
	if isFlagSet("log-level") {
		cfg.Log.Level = *logLevel
	}
	if isFlagSet("log-json") {
		cfg.Log.JSON = *logJSON
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *printDefault {
		out, _ := cfg.Marshal()
		fmt.Print(string(out))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config) error {
	log := cfg.NewLogger(os.Stderr)

	corpus, err := cfg.LoadCorpus()
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg.ServerConfig(log), corpus)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if cfg.Server.StatusAddr != "" {
		httpCfg := httpserver.DefaultHTTPServerConfig(cfg.Server.StatusAddr)
		httpCfg.Log = log
		httpCfg.AllowedOrigins = cfg.Server.AllowedOrigins
		httpCfg.Ready = srv.Ready
		handler := httpserver.NewServerHandler(srv)
		handler.Log = log
		status, err := httpserver.New(httpCfg, handler)
		if err != nil {
			return fmt.Errorf("create status server: %w", err)
		}
		if err := status.RunInBackground(); err != nil {
			return err
		}
		defer status.Shutdown(context.Background())
		fmt.Printf("Status API on http://%s\n", status.Addr())
	}

	fmt.Printf("Serving %d tokens on %s (mode=%s, k=%d, p=%d)\n",
		corpus.Len(), cfg.Server.Addr, cfg.Server.Mode, cfg.Protocol.ChunkSize, cfg.Protocol.PacketSize)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return err
	}

	stats := srv.Stats()
	fmt.Printf("Served %d sessions: %d chunks, %d collisions, %d out-of-range\n",
		stats.Served, stats.Chunks, stats.Collisions, stats.OutOfRange)
	return nil
}
