package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Wire markers. Every message is a single newline-terminated line.
const (
	MarkerEOF        = "EOF"
	MarkerOutOfRange = "$$"
	MarkerCollision  = "HUH!"

	ProbeBusy = "BUSY?"
	ReplyBusy = "BUSY"
	ReplyIdle = "IDLE"

	tokenSeparator = ","
)

var (
	// ErrMalformedRequest is returned for request lines that are neither an
	// offset nor a probe.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnexpectedReply is returned when a reply line does not fit the
	// exchange in progress.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// SessionID identifies one connection on the server.
type SessionID string

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// CommandKind distinguishes the two request forms.
type CommandKind int

const (
	CommandOffset CommandKind = iota
	CommandProbe
)

// Command is a parsed request line.
type Command struct {
	Kind   CommandKind
	Offset int
}

// ParseCommand parses one request line, with or without its newline.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == ProbeBusy {
		return Command{Kind: CommandProbe}, nil
	}
	offset, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	return Command{Kind: CommandOffset, Offset: offset}, nil
}

// EncodeOffset renders an offset request line.
func EncodeOffset(offset int) string {
	return strconv.Itoa(offset) + "\n"
}

// EncodeProbe renders a carrier-sense probe line.
func EncodeProbe() string {
	return ProbeBusy + "\n"
}

// EncodeMarker renders a marker line.
func EncodeMarker(marker string) string {
	return marker + "\n"
}

// EncodePackets splits a chunk into response lines of at most packetSize
// tokens each. When eof is set the end marker is appended to the last line.
func EncodePackets(tokens []string, eof bool, packetSize int) []string {
	if packetSize <= 0 {
		packetSize = 1
	}
	lines := make([]string, 0, (len(tokens)+packetSize-1)/packetSize)
	for start := 0; start < len(tokens); start += packetSize {
		end := min(start+packetSize, len(tokens))
		line := strings.Join(tokens[start:end], tokenSeparator)
		if eof && end == len(tokens) {
			line += tokenSeparator + MarkerEOF
		}
		lines = append(lines, line+"\n")
	}
	return lines
}

// Outcome classifies how a chunk exchange ended.
type Outcome int

const (
	// OutcomeChunk means a complete chunk of k tokens arrived.
	OutcomeChunk Outcome = iota
	// OutcomeEOF means the chunk ended with the end marker.
	OutcomeEOF
	// OutcomeCollision means the server answered with the collision marker.
	OutcomeCollision
	// OutcomeOutOfRange means the requested offset was past the corpus.
	OutcomeOutOfRange
)

func (o Outcome) String() string {
	switch o {
	case OutcomeChunk:
		return "chunk"
	case OutcomeEOF:
		return "eof"
	case OutcomeCollision:
		return "collision"
	case OutcomeOutOfRange:
		return "out-of-range"
	}
	return "unknown"
}

// ChunkReader decodes server replies from a connection.
type ChunkReader struct {
	r *bufio.Reader
}

// NewChunkReader wraps r.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator. A final line cut
// short by EOF is returned with io.ErrUnexpectedEOF.
func (cr *ChunkReader) ReadLine() (string, error) {
	line, err := cr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadChunk reads reply lines until k tokens have arrived or a marker ends
// the exchange. Tokens received before a collision marker are discarded.
func (cr *ChunkReader) ReadChunk(k int) ([]string, Outcome, error) {
	tokens := make([]string, 0, k)
	for len(tokens) < k {
		line, err := cr.ReadLine()
		if err != nil {
			return nil, 0, err
		}
		switch line {
		case MarkerCollision:
			return nil, OutcomeCollision, nil
		case MarkerOutOfRange:
			return nil, OutcomeOutOfRange, nil
		}
		for _, token := range strings.Split(line, tokenSeparator) {
			if token == "" {
				continue
			}
			if token == MarkerEOF {
				return tokens, OutcomeEOF, nil
			}
			if token == MarkerCollision {
				return nil, OutcomeCollision, nil
			}
			tokens = append(tokens, token)
		}
	}
	return tokens, OutcomeChunk, nil
}

// ReadProbeReply reads the answer to a probe and reports whether the channel
// is busy.
func (cr *ChunkReader) ReadProbeReply() (bool, error) {
	line, err := cr.ReadLine()
	if err != nil {
		return false, err
	}
	switch line {
	case ReplyBusy:
		return true, nil
	case ReplyIdle:
		return false, nil
	}
	return false, fmt.Errorf("%w to probe: %q", ErrUnexpectedReply, line)
}
