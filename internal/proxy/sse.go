package proxy

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// SSEEvent is a single Server-Sent Event parsed from a captured stream.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader parses the SSE wire format (event:, data:, id: lines separated
// by blank lines). The forwarder streams upstream bytes to the client raw
// and untouched; this reader runs only after the stream completes, over the
// in-memory tee buffer, to dig usage metadata out of the events.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a reader over the captured stream. The scanner buffer
// is sized at 64KB initial / 10MB max: single SSE lines can carry tool call
// outputs, code blocks, or base64 content.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next reads and returns the next complete SSE event. An event is terminated
// by a blank line. Returns io.EOF when the stream ends. Comment lines
// (starting with ":") are silently skipped.
func (s *SSEReader) Next() (*SSEEvent, error) {
	var evt SSEEvent
	hasData := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// A blank line signals the end of an event.
		if line == "" {
			if hasData || evt.Event != "" || evt.ID != "" {
				return &evt, nil
			}
			// Empty event boundary with no accumulated data; keep reading.
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseSSELine(line)
		switch field {
		case "event":
			evt.Event = value
		case "data":
			if hasData {
				evt.Data += "\n" + value
			} else {
				evt.Data = value
				hasData = true
			}
		case "id":
			evt.ID = value
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}

	// An event accumulated before EOF without a trailing blank line.
	if hasData || evt.Event != "" || evt.ID != "" {
		return &evt, nil
	}

	return nil, io.EOF
}

// parseSSELine splits an SSE line into its field name and value.
// The format is "field: value" where the space after the colon is optional.
func parseSSELine(line string) (field, value string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}
