package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/flashbots/macnet/client"
	"github.com/flashbots/macnet/protocol"
	"github.com/flashbots/macnet/server"
)

// OrchestratorConfig describes a local run: one chunk server and a number of
// client sessions contending for it.
type OrchestratorConfig struct {
	// ListenAddr is where the chunk server listens. Defaults to an
	// ephemeral loopback port.
	ListenAddr string

	Server *server.Config
	Client *client.Config

	// Sessions is the number of sessions to launch, the rogue included.
	Sessions int

	// Rogue replaces session 0 with a pipelining RogueSession.
	Rogue bool

	// Stagger delays the launch of consecutive sessions.
	Stagger time.Duration

	// Store persists every session result. Defaults to an InMemoryStore.
	Store ResultStore

	Log *slog.Logger
}

// Orchestrator runs a server and its sessions in-process.
type Orchestrator struct {
	config *OrchestratorConfig
	corpus *protocol.Corpus
	log    *slog.Logger

	mu  sync.Mutex
	srv *server.Server
}

// NewOrchestrator validates config and prepares a run over corpus.
func NewOrchestrator(config *OrchestratorConfig, corpus *protocol.Corpus) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Server == nil || config.Client == nil {
		return nil, errors.New("server and client configs are required")
	}
	if config.Sessions <= 0 {
		return nil, errors.New("at least one session is required")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:0"
	}
	if config.Store == nil {
		config.Store = NewInMemoryStore()
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	// Server and client share the protocol parameters.
	if config.Server.Protocol == nil {
		config.Server.Protocol = protocol.DefaultConfig()
	}
	config.Client.Protocol = config.Server.Protocol
	if config.Server.ExpectedSessions == 0 {
		config.Server.ExpectedSessions = config.Sessions
	}
	if config.Server.Log == nil {
		config.Server.Log = log
	}

	return &Orchestrator{
		config: config,
		corpus: corpus,
		log:    log,
	}, nil
}

// Server returns the running chunk server, or nil before Run started it.
func (o *Orchestrator) Server() *server.Server {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.srv
}

// Store returns the result store sessions write to.
func (o *Orchestrator) Store() ResultStore { return o.config.Store }

// Run starts the server, runs every session to completion and waits for the
// server to drain. A failing session does not stop the others; its result is
// still part of the report when it got connected.
func (o *Orchestrator) Run(ctx context.Context) (*FairnessReport, error) {
	srv, err := server.NewServer(o.config.Server, o.corpus)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	ln, err := net.Listen("tcp", o.config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", o.config.ListenAddr, err)
	}
	o.mu.Lock()
	o.srv = srv
	o.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	addr := ln.Addr().String()
	o.log.Info("server started", "addr", addr, "mode", o.config.Server.Mode, "sessions", o.config.Sessions)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*client.Result
		errs    []error
	)
	for i := 0; i < o.config.Sessions; i++ {
		if i > 0 && o.config.Stagger > 0 {
			if err := protocol.Sleep(ctx, o.config.Stagger); err != nil {
				break
			}
		}
		cfg := o.sessionConfig(addr)

		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := o.runSession(ctx, i, cfg)
			mu.Lock()
			defer mu.Unlock()
			if result != nil {
				results = append(results, result)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("session %d: %w", i, err))
			}
		}()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.Server.DrainTimeout+time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down server: %w", err))
	}
	if err := <-serveErr; err != nil {
		errs = append(errs, fmt.Errorf("serving: %w", err))
	}

	sort.Slice(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })
	report := NewFairnessReport(results)
	o.log.Info("run finished", "completed", report.Completed, "failed", report.Failed, "jain", report.JainIndex)
	return report, errors.Join(errs...)
}

func (o *Orchestrator) sessionConfig(addr string) *client.Config {
	cfg := *o.config.Client
	cfg.Addr = addr
	cfg.Sessions = o.config.Sessions
	cfg.Results = o.config.Store
	if cfg.Log == nil {
		cfg.Log = o.log
	}
	return &cfg
}

type runner interface {
	Run(ctx context.Context) (*client.Result, error)
}

func (o *Orchestrator) runSession(ctx context.Context, id int, cfg *client.Config) (*client.Result, error) {
	var (
		r   runner
		err error
	)
	if id == 0 && o.config.Rogue {
		r, err = client.NewRogueSession(id, cfg)
	} else {
		r, err = client.NewSession(id, cfg)
	}
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}
