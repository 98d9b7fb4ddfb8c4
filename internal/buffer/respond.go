package buffer

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/synix-dev/dbproxy/internal/sse"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// Response is a synthetic swap response in one of its two wire forms.
type Response struct {
	Stream bool
	Body   wire.Obj    // non-streaming JSON message
	Events []sse.Event // streaming six-event sequence
}

// Bytes serializes the response for the client.
func (r *Response) Bytes() []byte {
	if r.Stream {
		var buf bytes.Buffer
		for _, ev := range r.Events {
			buf.Write(ev.Bytes())
		}
		return buf.Bytes()
	}
	data, err := json.Marshal(r.Body)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ContentType returns the response content type.
func (r *Response) ContentType() string {
	if r.Stream {
		return "text/event-stream"
	}
	return "application/json"
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// buildSwapResponse constructs the synthetic assistant message carrying the
// compaction body: one text block, end_turn, zero input tokens, chars/4
// output estimate.
func buildSwapResponse(body, model string, stream bool) *Response {
	if stream {
		return &Response{Stream: true, Events: buildSwapEvents(body, model)}
	}
	return &Response{Body: buildSwapMessage(body, model)}
}

func buildSwapMessage(body, model string) wire.Obj {
	return wire.Obj{
		"id":            newMessageID(),
		"type":          "message",
		"role":          "assistant",
		"content":       []any{wire.Obj{"type": "text", "text": body}},
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": wire.Obj{
			"input_tokens":  0,
			"output_tokens": len(body) / 4,
		},
	}
}

// buildSwapEvents emits the fixed streaming sequence. The whole body goes
// out as a single text_delta.
func buildSwapEvents(body, model string) []sse.Event {
	msgID := newMessageID()

	mkData := func(v wire.Obj) string {
		data, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(data)
	}

	return []sse.Event{
		{Event: "message_start", Data: mkData(wire.Obj{
			"type": "message_start",
			"message": wire.Obj{
				"id":            msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         wire.Obj{"input_tokens": 0, "output_tokens": 0},
			},
		})},
		{Event: "content_block_start", Data: mkData(wire.Obj{
			"type":          "content_block_start",
			"index":         0,
			"content_block": wire.Obj{"type": "text", "text": ""},
		})},
		{Event: "content_block_delta", Data: mkData(wire.Obj{
			"type":  "content_block_delta",
			"index": 0,
			"delta": wire.Obj{"type": "text_delta", "text": body},
		})},
		{Event: "content_block_stop", Data: mkData(wire.Obj{
			"type":  "content_block_stop",
			"index": 0,
		})},
		{Event: "message_delta", Data: mkData(wire.Obj{
			"type":  "message_delta",
			"delta": wire.Obj{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": wire.Obj{"output_tokens": len(body) / 4},
		})},
		{Event: "message_stop", Data: mkData(wire.Obj{"type": "message_stop"})},
	}
}
