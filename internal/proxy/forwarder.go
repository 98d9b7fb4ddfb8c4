package proxy

import (
	"fmt"
	"io"
	"net/http"

	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/sse"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// Forwarder pipes an upstream SSE stream to the client while extracting the
// metadata the buffer logic needs: usage totals, the stop reason, and
// whether the stream carried a compaction block. Events reach the client
// byte-identical and are flushed as they complete.
type Forwarder struct {
	convID   string
	maxBytes int

	parser sse.Parser

	usage         wire.Obj
	stopReason    string
	hasCompaction bool
}

// NewForwarder creates a forwarder for one streaming response. maxBytes
// bounds the total event bytes relayed; a stream exceeding it is aborted.
func NewForwarder(convID string, maxBytes int) *Forwarder {
	return &Forwarder{convID: convID, maxBytes: maxBytes, usage: wire.Obj{}}
}

// Usage returns the merged usage object, nil until message_start arrives.
func (f *Forwarder) Usage() wire.Obj {
	if len(f.usage) == 0 {
		return nil
	}
	return f.usage
}

// StopReason returns the stop_reason from message_delta, if seen.
func (f *Forwarder) StopReason() string { return f.stopReason }

// HasCompaction reports whether the response contained a compaction block.
func (f *Forwarder) HasCompaction() bool { return f.hasCompaction }

// Forward reads the upstream body to EOF, relaying each complete event to w.
// w is flushed after every event when it supports http.Flusher.
func (f *Forwarder) Forward(upstream io.Reader, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	total := 0
	buf := make([]byte, 32*1024)

	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			for _, ev := range f.parser.Feed(buf[:n]) {
				f.observe(ev)
				data := ev.Bytes()
				total += len(data)
				if total > f.maxBytes {
					L_error("sse: buffer overflow, aborting stream",
						"conv_id", f.convID, "total_bytes", total)
					return fmt.Errorf("sse stream exceeded %d bytes", f.maxBytes)
				}
				if _, err := w.Write(data); err != nil {
					return fmt.Errorf("write to client: %w", err)
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}

	L_debug("sse: stream complete",
		"conv_id", f.convID,
		"total_bytes", total,
		"stop_reason", f.stopReason,
		"has_compaction", f.hasCompaction,
	)
	return nil
}

// observe extracts metadata from one event. Events with non-JSON data pass
// through untouched.
func (f *Forwarder) observe(ev sse.Event) {
	if ev.Data == "" {
		return
	}
	data, err := wire.Decode([]byte(ev.Data))
	if err != nil {
		return
	}

	switch data.StrOr("type", "") {
	case "message_start":
		if msg, ok := data.Map("message"); ok {
			if usage, ok := msg.Map("usage"); ok {
				f.usage = wire.MergeUsage(f.usage, usage)
			}
		}
	case "content_block_start":
		if block, ok := data.Map("content_block"); ok {
			if block.StrOr("type", "") == wire.BlockCompaction {
				f.hasCompaction = true
			}
		}
	case "content_block_delta":
		if delta, ok := data.Map("delta"); ok {
			if delta.StrOr("type", "") == "compaction_delta" {
				f.hasCompaction = true
			}
		}
	case "message_delta":
		if delta, ok := data.Map("delta"); ok {
			if reason, ok := delta.Str("stop_reason"); ok {
				f.stopReason = reason
			}
		}
		if usage, ok := data.Map("usage"); ok {
			f.usage = wire.MergeUsage(f.usage, usage)
		}
	}
}
