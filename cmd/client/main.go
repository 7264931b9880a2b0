// Command client runs macnet client sessions against a chunk server.
//
// Each session fetches the whole corpus chunk by chunk, counts its tokens and
// writes output_<id>.txt and time_<id>.txt into the results directory. The
// access policy decides when a session may transmit:
//
//	immediate  send right away (fifo, rr and direct servers)
//	aloha      slotted ALOHA with per-slot transmit probability
//	beb        binary exponential backoff after collisions
//	cscd       carrier sense with BUSY? probes plus backoff
//
// With --rogue, session --id is replaced by a pipelining client that keeps
// --senders requests outstanding on one connection.
//
// # Usage
//
//	go run ./cmd/client --addr=127.0.0.1:9090 --policy=beb --sessions=10
//	go run ./cmd/client --config=macnet.yaml --id=3 --count=1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/flashbots/macnet/client"
	"github.com/flashbots/macnet/cmd/common"
	"github.com/flashbots/macnet/services"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "127.0.0.1:9090", "Server address")
		policy      = flag.String("policy", "immediate", "Access policy: immediate, aloha, beb or cscd")
		sessions    = flag.Int("sessions", 10, "Number of contending sessions (sets the ALOHA probability)")
		firstID     = flag.Int("id", 0, "Id of the first session launched by this process")
		count       = flag.Int("count", 0, "Sessions launched by this process (0 = --sessions)")
		probability = flag.Float64("transmit-probability", 0, "ALOHA per-slot probability (0 = 1/sessions)")
		rogue       = flag.Bool("rogue", false, "Run the first session as a pipelining rogue client")
		senders     = flag.Int("senders", 5, "Concurrent senders of the rogue client")
		resultsDir  = flag.String("results", "results", "Directory for output_<id>.txt and time_<id>.txt")
		seed        = flag.Uint64("seed", 0, "Random seed (0 = random)")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
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
	if isFlagSet("policy") {
		cfg.Client.Policy = *policy
	}
	if isFlagSet("sessions") {
		cfg.Client.Sessions = *sessions
	}
	if isFlagSet("transmit-probability") {
		cfg.Client.TransmitProbability = *probability
	}
	if isFlagSet("rogue") {
		cfg.Client.Rogue = *rogue
	}
	if isFlagSet("senders") {
		cfg.Client.RogueSenders = *senders
	}
	if isFlagSet("results") {
		cfg.Results.Dir = *resultsDir
	}
	if isFlagSet("seed") {
		cfg.Client.Seed = *seed
	}
	if isFlagSet("log-level") {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	n := *count
	if n <= 0 {
		n = cfg.Client.Sessions
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	failed, err := run(ctx, cfg, *firstID, n)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *common.Config, firstID, n int) (int, error) {
	log := cfg.NewLogger(os.Stderr)

	store, closeStore, err := cfg.ResultStore()
	if err != nil {
		return 0, err
	}
	defer closeStore()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*client.Result
		failed  int
	)
	for i := 0; i < n; i++ {
		id := firstID + i
		sessionCfg := cfg.ClientConfig(log)
		sessionCfg.Results = store

		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				result *client.Result
				err    error
			)
			if i == 0 && cfg.Client.Rogue {
				var r *client.RogueSession
				if r, err = client.NewRogueSession(id, sessionCfg); err == nil {
					result, err = r.Run(ctx)
				}
			} else {
				var s *client.Session
				if s, err = client.NewSession(id, sessionCfg); err == nil {
					result, err = s.Run(ctx)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				fmt.Printf("Session %d failed: %v\n", id, err)
			}
			if result != nil {
				results = append(results, result)
			}
		}()
	}
	wg.Wait()

	report := services.NewFairnessReport(results)
	if _, err := report.WriteTo(os.Stdout); err != nil {
		return failed, err
	}
	fmt.Printf("Artifacts in %s\n", cfg.Results.Dir)
	return failed, nil
}
