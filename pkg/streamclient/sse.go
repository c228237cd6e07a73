package streamclient

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// sseEvent is one decoded Server-Sent Event.
type sseEvent struct {
	Type string
	Data string
}

// sseDecoder decodes Server-Sent Events from a response body.
type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &sseDecoder{scanner: scanner}
}

// decode returns the next event, or io.EOF when the stream closes.
func (d *sseDecoder) decode() (*sseEvent, error) {
	event := &sseEvent{}

	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Empty line indicates end of event.
		if line == "" {
			if event.Data != "" || event.Type != "" {
				return event, nil
			}
			continue
		}

		// Comments (lines starting with :) are ignored.
		if strings.HasPrefix(line, ":") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		field := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch field {
		case "event":
			event.Type = value
		case "data":
			if event.Data != "" {
				event.Data += "\n"
			}
			event.Data += value
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("sse scanner error: %w", err)
	}
	if event.Data != "" || event.Type != "" {
		return event, nil
	}
	return nil, io.EOF
}
