package wire

import (
	"strings"

	. "github.com/synix-dev/dbproxy/internal/logging"
)

// CompactEditType is the legacy context-management edit kind the client used
// to request native compaction. It is stripped before forwarding so the
// upstream never compacts underneath us, but its presence is not treated as
// a compact signal.
const CompactEditType = "compact_20260112"

// CompactPromptMarker appears in the last user message of client compaction
// requests. Matched case-insensitively.
const CompactPromptMarker = "create a detailed summary of the conversation"

// SuggestionMarker flags ephemeral suggestion-mode requests that must not
// touch conversation state.
const SuggestionMarker = "[SUGGESTION MODE:"

// StripCompactEdits returns the body with any compact context-management
// edit removed, preserving other edit kinds. If no edits remain the
// context_management key is dropped entirely. The body is only copied when
// something changes.
func StripCompactEdits(body Obj) Obj {
	ctxMgmt, ok := body.Map("context_management")
	if !ok {
		return body
	}
	edits, ok := ctxMgmt.List("edits")
	if !ok || len(edits) == 0 {
		return body
	}

	filtered := make([]any, 0, len(edits))
	for _, e := range edits {
		o, ok := AsObj(e)
		if ok && o.StrOr("type", "") == CompactEditType {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == len(edits) {
		return body
	}

	result := DeepCopy(body)
	if len(filtered) > 0 {
		cm, _ := result.Map("context_management")
		cm["edits"] = filtered
	} else {
		delete(result, "context_management")
	}
	L_debug("compact edit stripped", "remaining_edits", len(filtered))
	return result
}

// IsCompactRequest reports whether the request is a client-initiated
// compaction: the final message is from the user and its flattened text
// contains the compact prompt marker.
func IsCompactRequest(body Obj) bool {
	msgs := body.Messages()
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	if last.StrOr("role", "") != "user" {
		return false
	}
	text := FlattenText(last)
	return strings.Contains(strings.ToLower(text), CompactPromptMarker)
}

// IsSuggestionRequest reports whether the final user message carries the
// suggestion-mode marker.
func IsSuggestionRequest(body Obj) bool {
	msgs := body.Messages()
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	if last.StrOr("role", "") != "user" {
		return false
	}
	if s, ok := last.Str("content"); ok {
		return strings.Contains(s, SuggestionMarker)
	}
	raw, ok := last.List("content")
	if !ok {
		return false
	}
	for _, v := range raw {
		switch b := v.(type) {
		case string:
			if strings.Contains(b, SuggestionMarker) {
				return true
			}
		default:
			if o, ok := AsObj(v); ok && o.StrOr("type", "") == BlockText {
				if strings.Contains(o.StrOr("text", ""), SuggestionMarker) {
					return true
				}
			}
		}
	}
	return false
}

// HasCompactionBlock reports whether any message carries a compaction
// content block. This means the client already integrated a prior swap.
func HasCompactionBlock(body Obj) bool {
	for _, msg := range body.Messages() {
		if messageHasCompaction(msg) {
			return true
		}
	}
	return false
}

func messageHasCompaction(msg Obj) bool {
	raw, ok := msg.List("content")
	if !ok {
		return false
	}
	for _, v := range raw {
		if o, ok := AsObj(v); ok && o.StrOr("type", "") == BlockCompaction {
			return true
		}
	}
	return false
}

// RewriteCompactionBlocks converts compaction blocks in the body's messages
// to plain text blocks so the upstream accepts the request. The body is only
// copied when a compaction block is present.
func RewriteCompactionBlocks(body Obj) Obj {
	if !HasCompactionBlock(body) {
		return body
	}
	result := DeepCopy(body)
	rewriteCompactionInPlace(result.Messages())
	L_info("compaction blocks rewritten to text")
	return result
}

// SanitizeMessages converts compaction blocks to text blocks in a message
// list, copying only when needed. Used before checkpoint calls, which the
// upstream rejects when they contain compaction blocks.
func SanitizeMessages(messages []Obj) []Obj {
	hasAny := false
	for _, msg := range messages {
		if messageHasCompaction(msg) {
			hasAny = true
			break
		}
	}
	if !hasAny {
		return messages
	}

	out := make([]Obj, len(messages))
	for i, msg := range messages {
		out[i] = DeepCopy(msg)
	}
	rewriteCompactionInPlace(out)
	return out
}

func rewriteCompactionInPlace(messages []Obj) {
	for _, msg := range messages {
		raw, ok := msg.List("content")
		if !ok {
			continue
		}
		for i, v := range raw {
			o, ok := AsObj(v)
			if !ok || o.StrOr("type", "") != BlockCompaction {
				continue
			}
			text := o.StrOr("content", "")
			if text == "" {
				text = "[conversation summary]"
			}
			raw[i] = Obj{"type": BlockText, "text": text}
		}
	}
}

// RequestMeta is the subset of a /v1/messages body the buffer logic needs.
type RequestMeta struct {
	Model    string
	Stream   bool
	System   any
	Tools    []any
	Messages []Obj
}

// ExtractRequestMeta pulls the buffer-relevant fields out of a request body.
func ExtractRequestMeta(body Obj) RequestMeta {
	tools, _ := body.List("tools")
	return RequestMeta{
		Model:    body.StrOr("model", ""),
		Stream:   body.BoolOr("stream", false),
		System:   body["system"],
		Tools:    tools,
		Messages: body.Messages(),
	}
}
