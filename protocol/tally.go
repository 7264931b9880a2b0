package protocol

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Tally counts token occurrences received by a session.
type Tally map[string]int

// TallyOf counts the given tokens.
func TallyOf(tokens []string) Tally {
	t := make(Tally)
	t.Add(tokens...)
	return t
}

// Add counts each token once.
func (t Tally) Add(tokens ...string) {
	for _, token := range tokens {
		t[token]++
	}
}

// Merge adds all counts from other.
func (t Tally) Merge(other Tally) {
	for token, n := range other {
		t[token] += n
	}
}

// Total returns the number of tokens counted.
func (t Tally) Total() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// Equal reports whether both tallies hold the same counts.
func (t Tally) Equal(other Tally) bool {
	return maps.Equal(t, other)
}

// Keys returns the counted tokens in lexical order.
func (t Tally) Keys() []string {
	return slices.Sorted(maps.Keys(t))
}

// WriteTo writes one "token, count" line per token in lexical order.
func (t Tally) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64
	for _, token := range t.Keys() {
		n, err := fmt.Fprintf(bw, "%s, %d\n", token, t[token])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// ParseTally reads the format produced by WriteTo.
func ParseTally(r io.Reader) (Tally, error) {
	t := make(Tally)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, ", ")
		if idx < 0 {
			return nil, fmt.Errorf("malformed tally line %q", line)
		}
		n, err := strconv.Atoi(line[idx+2:])
		if err != nil {
			return nil, fmt.Errorf("malformed count in %q: %w", line, err)
		}
		t[line[:idx]] += n
	}
	return t, scanner.Err()
}
