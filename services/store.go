package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flashbots/macnet/client"
	"github.com/flashbots/macnet/protocol"
)

// ResultStore persists session results and reads them back for reporting.
type ResultStore interface {
	Save(ctx context.Context, result *client.Result) error
	LoadAll(ctx context.Context) ([]*client.Result, error)
}

var (
	_ ResultStore = (*FileStore)(nil)
	_ ResultStore = (*InMemoryStore)(nil)
	_ ResultStore = (*PostgresStore)(nil)
	_ ResultStore = MultiStore(nil)
)

// FileStore writes one tally file and one completion-time file per finished
// session into a directory:
//
//	output_<id>.txt  "token, count" lines sorted by token
//	time_<id>.txt    completion time in microseconds
//
// Failed sessions leave no artifacts.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed and returns a store writing into it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the artifact directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) tallyPath(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("output_%d.txt", id))
}

func (s *FileStore) timePath(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("time_%d.txt", id))
}

// Save writes the artifacts of a finished session.
func (s *FileStore) Save(ctx context.Context, result *client.Result) error {
	if result.State != client.StateDone {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFile(s.tallyPath(result.SessionID), func(w *bufio.Writer) error {
		_, err := result.Tally.WriteTo(w)
		return err
	}); err != nil {
		return fmt.Errorf("writing tally: %w", err)
	}
	if err := writeFile(s.timePath(result.SessionID), func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "%d\n", result.Elapsed.Microseconds())
		return err
	}); err != nil {
		return fmt.Errorf("writing completion time: %w", err)
	}
	return nil
}

// writeFile writes through a temporary file so readers never see a partial
// artifact.
func writeFile(path string, fill func(w *bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadAll reads every completed session's artifacts, ordered by session id.
func (s *FileStore) LoadAll(ctx context.Context) ([]*client.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "time_*.txt"))
	if err != nil {
		return nil, err
	}

	var results []*client.Result
	for _, path := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "time_"), ".txt")
		id, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		result, err := s.load(id)
		if err != nil {
			return nil, fmt.Errorf("loading session %d: %w", id, err)
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })
	return results, nil
}

func (s *FileStore) load(id int) (*client.Result, error) {
	raw, err := os.ReadFile(s.timePath(id))
	if err != nil {
		return nil, err
	}
	micros, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing completion time: %w", err)
	}

	f, err := os.Open(s.tallyPath(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tally, err := protocol.ParseTally(f)
	if err != nil {
		return nil, err
	}

	return &client.Result{
		SessionID: id,
		State:     client.StateDone,
		Tally:     tally,
		Elapsed:   time.Duration(micros) * time.Microsecond,
	}, nil
}

// InMemoryStore keeps results in memory, for tests and local simulations.
type InMemoryStore struct {
	mu      sync.RWMutex
	results []*client.Result
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Save appends result.
func (s *InMemoryStore) Save(ctx context.Context, result *client.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// LoadAll returns the stored results ordered by session id.
func (s *InMemoryStore) LoadAll(ctx context.Context) ([]*client.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]*client.Result, len(s.results))
	copy(results, s.results)
	sort.SliceStable(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })
	return results, nil
}

// MultiStore saves into every store. LoadAll reads from the first one.
type MultiStore []ResultStore

// Save writes result to all stores and joins their errors.
func (m MultiStore) Save(ctx context.Context, result *client.Result) error {
	var errs []error
	for _, store := range m {
		if err := store.Save(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAll returns the primary store's results.
func (m MultiStore) LoadAll(ctx context.Context) ([]*client.Result, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].LoadAll(ctx)
}
