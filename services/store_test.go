package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashbots/macnet/client"
	"github.com/flashbots/macnet/protocol"
	"github.com/stretchr/testify/require"
)

func doneResult(id int, elapsed time.Duration, tally protocol.Tally) *client.Result {
	return &client.Result{
		SessionID:  id,
		Policy:     "immediate",
		State:      client.StateDone,
		Tally:      tally,
		Requests:   2,
		Elapsed:    elapsed,
		FinishedAt: time.Now(),
	}
}

func TestFileStoreArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	tally := protocol.Tally{"b": 1, "a": 2, "c": 1}
	require.NoError(t, store.Save(ctx, doneResult(3, 1500*time.Microsecond, tally)))

	output, err := os.ReadFile(filepath.Join(dir, "output_3.txt"))
	require.NoError(t, err)
	require.Equal(t, "a, 2\nb, 1\nc, 1\n", string(output))

	elapsed, err := os.ReadFile(filepath.Join(dir, "time_3.txt"))
	require.NoError(t, err)
	require.Equal(t, "1500\n", string(elapsed))

	require.NoError(t, store.Save(ctx, doneResult(1, 2*time.Millisecond, protocol.Tally{"x": 4})))

	results, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, results[0].SessionID)
	require.Equal(t, 3, results[1].SessionID)
	require.Equal(t, tally, results[1].Tally)
	require.Equal(t, 1500*time.Microsecond, results[1].Elapsed)
	require.Equal(t, client.StateDone, results[1].State)
}

func TestFileStoreSkipsFailedSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	failed := doneResult(0, time.Millisecond, protocol.Tally{"a": 1})
	failed.State = client.StateFailed
	require.NoError(t, store.Save(context.Background(), failed))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInMemoryStoreOrdersBySession(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	for _, id := range []int{2, 0, 1} {
		require.NoError(t, store.Save(ctx, doneResult(id, time.Millisecond, nil)))
	}

	results, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, i, r.SessionID)
	}
}

type failingStore struct{ InMemoryStore }

func (f *failingStore) Save(ctx context.Context, result *client.Result) error {
	return errors.New("disk full")
}

func TestMultiStoreFansOut(t *testing.T) {
	primary, secondary := NewInMemoryStore(), NewInMemoryStore()
	multi := MultiStore{primary, &failingStore{}, secondary}

	err := multi.Save(context.Background(), doneResult(0, time.Millisecond, nil))
	require.ErrorContains(t, err, "disk full")

	for _, store := range []*InMemoryStore{primary, secondary} {
		results, err := store.LoadAll(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 1)
	}

	results, err := multi.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestPostgresConnectionString(t *testing.T) {
	cfg := &PostgresConfig{Host: "db", Port: 5432, User: "mac", Password: "pw", Database: "macnet"}
	require.Equal(t, "host=db port=5432 user=mac password=pw dbname=macnet sslmode=disable", cfg.ConnectionString())

	cfg.DSN = "postgres://mac@db/macnet"
	require.Equal(t, "postgres://mac@db/macnet", cfg.ConnectionString())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MACNET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MACNET_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(&PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	tally := protocol.Tally{"a": 2, "b": 1}
	require.NoError(t, store.Save(ctx, doneResult(1, 3*time.Millisecond, tally)))
	failed := doneResult(0, time.Millisecond, protocol.Tally{})
	failed.State = client.StateFailed
	require.NoError(t, store.Save(ctx, failed))

	results, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, client.StateFailed, results[0].State)
	require.Equal(t, tally, results[1].Tally)
	require.Equal(t, 3*time.Millisecond, results[1].Elapsed)
}
