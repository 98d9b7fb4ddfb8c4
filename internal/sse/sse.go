// Package sse implements the server-sent-events line protocol: an
// incremental parser for upstream streams and serialization back to wire
// form for synthetic responses.
package sse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Event is a single server-sent event.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry *int
}

// IsEmpty reports whether the event carries neither a name nor data.
// Such events are dropped at dispatch, matching browser EventSource behavior.
func (e Event) IsEmpty() bool {
	return e.Event == "" && e.Data == ""
}

// Bytes serializes the event back to wire format. Multi-line data is split
// into one data: line per line; a blank line terminates the event.
func (e Event) Bytes() []byte {
	var buf bytes.Buffer
	if e.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Event)
	}
	if e.Data != "" {
		for _, line := range strings.Split(e.Data, "\n") {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
	}
	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	if e.Retry != nil {
		fmt.Fprintf(&buf, "retry: %d\n", *e.Retry)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Parser incrementally decodes an SSE byte stream. Feed it chunks as they
// arrive; complete events come back as soon as their terminating blank line
// is seen. Partial lines are buffered until the newline arrives.
type Parser struct {
	buf     []byte
	current Event
}

// Feed consumes a chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			// Blank line dispatches the pending event
			if !p.current.IsEmpty() {
				events = append(events, p.current)
			}
			p.current = Event{}
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Comment
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		} else {
			field = line
			value = ""
		}

		switch field {
		case "event":
			p.current.Event = value
		case "data":
			if p.current.Data != "" {
				p.current.Data += "\n" + value
			} else {
				p.current.Data = value
			}
		case "id":
			p.current.ID = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				p.current.Retry = &n
			}
		}
	}
	return events
}
