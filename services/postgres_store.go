package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flashbots/macnet/client"
	"github.com/flashbots/macnet/protocol"
	_ "github.com/lib/pq"
)

// PostgresStore implements ResultStore with PostgreSQL persistence. Every
// result becomes one session_results row and one session_tallies row per
// distinct token, written in a single transaction.
type PostgresStore struct {
	db  *sql.DB
	run string
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// DSN, when set, is used verbatim and the other fields are ignored.
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// RunID groups the results of one simulation run. Defaults to a fresh
	// session id.
	RunID string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens the database, checks it is reachable and creates the
// result tables.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	run := config.RunID
	if run == "" {
		run = string(protocol.NewSessionID())
	}
	store := &PostgresStore{db: db, run: run}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_results (
		run_id VARCHAR(64) NOT NULL,
		session_id INTEGER NOT NULL,
		policy VARCHAR(32) NOT NULL,
		state VARCHAR(32) NOT NULL,
		requests INTEGER NOT NULL,
		collisions INTEGER NOT NULL,
		elapsed_us BIGINT NOT NULL,
		finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (run_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS session_tallies (
		run_id VARCHAR(64) NOT NULL,
		session_id INTEGER NOT NULL,
		token TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (run_id, session_id, token)
	);

	CREATE INDEX IF NOT EXISTS idx_results_finished ON session_results(finished_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RunID returns the run the store writes under.
func (s *PostgresStore) RunID() string { return s.run }

// Save persists a session result and its tally.
func (s *PostgresStore) Save(ctx context.Context, result *client.Result) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO session_results
		(run_id, session_id, policy, state, requests, collisions, elapsed_us, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (run_id, session_id) DO UPDATE SET
		policy = EXCLUDED.policy,
		state = EXCLUDED.state,
		requests = EXCLUDED.requests,
		collisions = EXCLUDED.collisions,
		elapsed_us = EXCLUDED.elapsed_us,
		finished_at = EXCLUDED.finished_at
	`,
		s.run,
		result.SessionID,
		result.Policy,
		result.State.String(),
		result.Requests,
		result.Collisions,
		result.Elapsed.Microseconds(),
		result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_tallies WHERE run_id = $1 AND session_id = $2", s.run, result.SessionID); err != nil {
		return fmt.Errorf("clearing tally: %w", err)
	}
	for _, token := range result.Tally.Keys() {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO session_tallies (run_id, session_id, token, count) VALUES ($1, $2, $3, $4)",
			s.run, result.SessionID, token, result.Tally[token])
		if err != nil {
			return fmt.Errorf("saving tally: %w", err)
		}
	}

	return tx.Commit()
}

// LoadAll retrieves every result of the store's run, ordered by session id.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]*client.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, policy, state, requests, collisions, elapsed_us, finished_at
		FROM session_results
		WHERE run_id = $1
		ORDER BY session_id
	`, s.run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		results []*client.Result
		byID    = make(map[int]*client.Result)
	)
	for rows.Next() {
		var (
			result    client.Result
			state     string
			elapsedUS int64
		)
		if err := rows.Scan(&result.SessionID, &result.Policy, &state, &result.Requests, &result.Collisions, &elapsedUS, &result.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result.State = client.StateFailed
		if state == client.StateDone.String() {
			result.State = client.StateDone
		}
		result.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		result.Tally = make(protocol.Tally)
		results = append(results, &result)
		byID[result.SessionID] = &result
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tallies, err := s.db.QueryContext(ctx,
		"SELECT session_id, token, count FROM session_tallies WHERE run_id = $1", s.run)
	if err != nil {
		return nil, err
	}
	defer tallies.Close()

	for tallies.Next() {
		var (
			id    int
			token string
			count int
		)
		if err := tallies.Scan(&id, &token, &count); err != nil {
			return nil, fmt.Errorf("scanning tally: %w", err)
		}
		if result, ok := byID[id]; ok {
			result.Tally[token] = count
		}
	}
	return results, tallies.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
