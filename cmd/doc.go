// Package cmd provides the macnet command line tools.
//
// # Commands
//
// server: The chunk server. Serves a corpus to contending sessions in one of
// the direct, aloha, cscd, fifo or rr modes and stops once the expected
// number of sessions has been served.
//
//	go run ./cmd/server --corpus=words.txt --mode=cscd --expected=10
//
// client: Launches client sessions with an access policy against a running
// server and writes their artifacts.
//
//	go run ./cmd/client --addr=127.0.0.1:9090 --policy=cscd --sessions=10
//	go run ./cmd/client --addr=127.0.0.1:9090 --rogue --count=1
//
// simulate: Runs server and sessions in one process and prints the fairness
// report (Jain's index over per-session throughput).
//
//	go run ./cmd/simulate --corpus=words.txt --mode=rr --sessions=10 --rogue
//
// # Configuration
//
// All commands support a YAML configuration file via the --config flag.
// Command-line flags override config file values.
//
//	server:
//	  addr: "127.0.0.1:9090"
//	  mode: "fifo"            # direct | aloha | cscd | fifo | rr
//	  expected_sessions: 10
//	  status_addr: ""         # HTTP status API, disabled when empty
//	  monitor_interval: 1s
//	  propagation_delay: 0s
//	  stale_window: 0s
//	protocol:
//	  chunk_size: 10          # k
//	  packet_size: 1          # p
//	  slot_duration: 10ms
//	corpus_path: "words.txt"
//	client:
//	  sessions: 10
//	  policy: "immediate"     # immediate | aloha | beb | cscd
//	  transmit_probability: 0 # 0 means 1/sessions
//	  backoff_cap: 10
//	  connect_attempts: 50
//	  connect_retry_delay: 1s
//	  rogue: false
//	  rogue_senders: 5
//	results:
//	  dir: "results"
//	  postgres_dsn: ""        # also store results in PostgreSQL when set
//	log:
//	  level: "info"
//	  json: false
package cmd
