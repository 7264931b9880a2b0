// Command simulate runs a chunk server and its client sessions in one process
// and prints the fairness report of the run.
//
// It is the quickest way to compare policies and schedulers:
//
//	go run ./cmd/simulate --corpus=words.txt --mode=fifo --sessions=10 --rogue
//	go run ./cmd/simulate --corpus=words.txt --mode=rr --sessions=10 --rogue
//	go run ./cmd/simulate --corpus=words.txt --mode=cscd --policy=cscd
//
// With --status-addr the run also serves the status API, including
// /results and /results/fairness backed by the result store.
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
	"github.com/flashbots/macnet/services"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		corpusPath = flag.String("corpus", "words.txt", "Comma-separated corpus file")
		mode       = flag.String("mode", "fifo", "Server mode: direct, aloha, cscd, fifo or rr")
		policy     = flag.String("policy", "immediate", "Access policy: immediate, aloha, beb or cscd")
		sessions   = flag.Int("sessions", 10, "Number of sessions, the rogue included")
		rogue      = flag.Bool("rogue", false, "Run session 0 as a pipelining rogue client")
		chunkSize  = flag.Int("k", 10, "Tokens per chunk")
		packetSize = flag.Int("p", 1, "Tokens per response line")
		slot       = flag.Duration("slot", 10*time.Millisecond, "Slot duration")
		stagger    = flag.Duration("stagger", 0, "Delay between session launches")
		resultsDir = flag.String("results", "results", "Directory for per-session artifacts")
		statusAddr = flag.String("status-addr", "", "HTTP status API address (disabled when empty)")
		seed       = flag.Uint64("seed", 0, "Random seed (0 = random)")
		logLevel   = flag.String("log-level", "warn", "Log level: debug, info, warn or error")
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
	cfg.Log.Level = *logLevel
	if *configPath != "" {
		var err error
		cfg, err = common.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	if isFlagSet("corpus") {
		cfg.CorpusPath = *corpusPath
	}
	if isFlagSet("mode") {
		cfg.Server.Mode = *mode
	}
	if isFlagSet("policy") {
		cfg.Client.Policy = *policy
	}
	if isFlagSet("sessions") {
		cfg.Client.Sessions = *sessions
	}
	if isFlagSet("rogue") {
		cfg.Client.Rogue = *rogue
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
	if isFlagSet("results") {
		cfg.Results.Dir = *resultsDir
	}
	if isFlagSet("status-addr") {
		cfg.Server.StatusAddr = *statusAddr
	}
	if isFlagSet("seed") {
		cfg.Client.Seed = *seed
	}
	if isFlagSet("log-level") {
		cfg.Log.Level = *logLevel
	}
	// Every session of the run must be served before the server stops.
	cfg.Server.ExpectedSessions = cfg.Client.Sessions

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *stagger); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, stagger time.Duration) error {
	log := cfg.NewLogger(os.Stderr)

	corpus, err := cfg.LoadCorpus()
	if err != nil {
		return err
	}

	store, closeStore, err := cfg.ResultStore()
	if err != nil {
		return err
	}
	defer closeStore()

	orch, err := services.NewOrchestrator(&services.OrchestratorConfig{
		Server:   cfg.ServerConfig(log),
		Client:   cfg.ClientConfig(log),
		Sessions: cfg.Client.Sessions,
		Rogue:    cfg.Client.Rogue,
		Stagger:  stagger,
		Store:    store,
		Log:      log,
	}, corpus)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	if cfg.Server.StatusAddr != "" {
		httpCfg := httpserver.DefaultHTTPServerConfig(cfg.Server.StatusAddr)
		httpCfg.Log = log
		httpCfg.AllowedOrigins = cfg.Server.AllowedOrigins
		status, err := httpserver.New(httpCfg, httpserver.NewResultsHandler(store))
		if err != nil {
			return fmt.Errorf("create status server: %w", err)
		}
		if err := status.RunInBackground(); err != nil {
			return err
		}
		defer status.Shutdown(context.Background())
		fmt.Printf("Status API on http://%s\n", status.Addr())
	}

	fmt.Printf("Simulating %d sessions (mode=%s, policy=%s, rogue=%v) over %d tokens\n",
		cfg.Client.Sessions, cfg.Server.Mode, cfg.Client.Policy, cfg.Client.Rogue, corpus.Len())

	report, runErr := orch.Run(ctx)
	if report != nil {
		report.WriteTo(os.Stdout)
	}
	if runErr != nil {
		return runErr
	}
	fmt.Printf("Artifacts in %s\n", cfg.Results.Dir)
	return nil
}
