/*
# macnet Services Package

The services package holds what sits around a contention run: where session
results go, how a run is judged, and an in-process launcher for local
experiments.

## Components

### Result stores

All stores implement `ResultStore` (and therefore `client.ResultSink`):

1. **FileStore** (`store.go`)
  - `output_<id>.txt`: one `token, count` line per distinct token, sorted
  - `time_<id>.txt`: completion time in microseconds
  - Only sessions that reached the end of the corpus leave artifacts

2. **InMemoryStore** (`store.go`)
  - Keeps every result, failed ones included

3. **PostgresStore** (`postgres_store.go`)
  - Tables `session_results` and `session_tallies`, keyed by run id
  - One transaction per result

4. **MultiStore** (`store.go`)
  - Fans a result out to several stores

### Fairness

`JainIndex` computes (Σx)² / (n·Σx²). `NewFairnessReport` applies it to the
per-session throughput 1/completion-time and summarises completion times,
requests and collisions.

### Orchestrator

`Orchestrator` starts a `server.Server` on a loopback port, launches the
configured sessions (optionally with a rogue pipelining session as session 0),
waits for all of them, shuts the server down and returns the fairness report.

## Usage

	store, _ := services.NewFileStore("results")
	orch, _ := services.NewOrchestrator(&services.OrchestratorConfig{
		Server:   server.DefaultConfig(),
		Client:   client.DefaultConfig(),
		Sessions: 10,
		Rogue:    true,
		Store:    store,
	}, corpus)
	report, err := orch.Run(ctx)
*/
package services
