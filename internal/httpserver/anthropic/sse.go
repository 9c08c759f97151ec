package anthropic

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Name string
	Data string
}

// SSEScanner incrementally parses an SSE byte stream. Events are delimited by a
// blank line; multiple data: lines within one event are joined with "\n". A
// partial event at the tail of a read is carried until the next read completes
// it.
type SSEScanner struct {
	r *bufio.Reader
}

// NewSSEScanner wraps the reader for event-at-a-time consumption.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{r: bufio.NewReader(r)}
}

// Next returns the next complete event, or io.EOF when the stream ends. A
// trailing event unterminated by a blank line is returned before EOF.
func (s *SSEScanner) Next() (SSEEvent, error) {
	var (
		name      string
		dataLines []string
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return SSEEvent{Name: name, Data: strings.Join(dataLines, "\n")}, nil
			}
			return SSEEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(dataLines) == 0 && name == "" {
				continue
			}
			return SSEEvent{Name: name, Data: strings.Join(dataLines, "\n")}, nil
		}
		switch {
		case strings.HasPrefix(line, ":"):
			// comment line, skip
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
