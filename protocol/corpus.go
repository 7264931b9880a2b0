package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrOffsetOutOfRange is returned for offsets at or past the corpus length.
var ErrOffsetOutOfRange = errors.New("offset out of range")

// Corpus is the immutable, ordered token sequence served to every session.
// It is safe for concurrent use because it is never mutated after creation.
type Corpus struct {
	tokens []string
}

// NewCorpus creates a corpus holding a private copy of tokens.
func NewCorpus(tokens []string) *Corpus {
	return &Corpus{tokens: append([]string(nil), tokens...)}
}

// ParseCorpus reads a comma-separated token list. Surrounding whitespace is
// trimmed and empty tokens are dropped.
func ParseCorpus(r io.Reader) (*Corpus, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	scanner.Split(splitComma)

	var tokens []string
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	return &Corpus{tokens: tokens}, nil
}

// LoadCorpus reads a corpus file from disk.
func LoadCorpus(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	defer f.Close()
	return ParseCorpus(f)
}

func splitComma(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == ',' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Len returns the number of tokens.
func (c *Corpus) Len() int {
	return len(c.tokens)
}

// Tokens returns a copy of the whole token sequence.
func (c *Corpus) Tokens() []string {
	return append([]string(nil), c.tokens...)
}

// Slice returns up to k tokens starting at offset and whether the slice
// reaches the end of the corpus.
func (c *Corpus) Slice(offset, k int) ([]string, bool, error) {
	if offset < 0 || offset >= len(c.tokens) {
		return nil, false, ErrOffsetOutOfRange
	}
	end := min(offset+k, len(c.tokens))
	return c.tokens[offset:end], end == len(c.tokens), nil
}
