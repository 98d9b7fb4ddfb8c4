package buffer

import (
	"strings"

	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// Truncation limits for WAL serialization. The swap body is a hint for the
// model, not a transcript; long tool payloads get abbreviated.
const (
	toolUseBriefLimit       = 150
	toolResultLimit         = 300
	toolResultSubBlockLimit = 200
)

// briefKeys are probed in order for a tool_use one-liner.
var briefKeys = []string{"file_path", "path", "pattern", "command", "query", "url"}

// FormatCompactionWithWAL combines the checkpoint summary with the messages
// that arrived after the anchor. With an empty WAL the checkpoint is
// returned unchanged; otherwise the whole thing is wrapped in a
// context_summary frame so the model treats it as prior context rather than
// something to keep summarizing.
func FormatCompactionWithWAL(checkpoint string, wal []wire.Obj) string {
	if len(wal) == 0 {
		return checkpoint
	}

	serialized := make([]string, 0, len(wal))
	for _, msg := range wal {
		serialized = append(serialized, renderMessage(msg))
	}

	parts := []string{
		"<context_summary>",
		"This is a summary of the conversation so far. All prior context has been incorporated below. Respond normally to the user's next message.",
		"",
		checkpoint,
		"",
		"The following conversation continued after the summary above was generated. Tool results are abbreviated - re-read files if you need full contents. Continue from where this conversation left off.",
		"<recent_activity>",
		strings.Join(serialized, "\n\n"),
		"</recent_activity>",
		"</context_summary>",
	}
	return strings.Join(parts, "\n")
}

// renderMessage serializes one WAL message as "[role]\n<content>".
func renderMessage(msg wire.Obj) string {
	role := msg.StrOr("role", "unknown")
	blocks := wire.ContentBlocks(msg)

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, renderBlock(b))
	}
	return "[" + role + "]\n" + strings.Join(parts, "\n")
}

func renderBlock(b wire.Block) string {
	switch b.Kind {
	case wire.BlockText:
		return b.TextOf()
	case wire.BlockToolUse:
		name := "?"
		var input wire.Obj
		if b.Raw != nil {
			name = b.Raw.StrOr("name", "?")
			input, _ = b.Raw.Map("input")
		}
		return "[tool_use: " + name + "(" + toolUseBrief(input) + ")]"
	case wire.BlockToolResult:
		label := "[tool_result]"
		if b.Raw != nil && b.Raw.BoolOr("is_error", false) {
			label = "[tool_result ERROR]"
		}
		text := toolResultText(b.Raw, toolResultLimit, toolResultSubBlockLimit)
		if text == "" {
			return label
		}
		return label + " " + text
	case wire.BlockCompaction:
		return "[prior compaction summary]"
	default:
		return "[" + b.Kind + " block]"
	}
}

// toolUseBrief picks the most recognizable argument of a tool call: the
// first well-known string key, falling back to the whole input as compact
// JSON.
func toolUseBrief(input wire.Obj) string {
	for _, key := range briefKeys {
		if v, ok := input.Str(key); ok && v != "" {
			return truncate(v, toolUseBriefLimit)
		}
	}
	return truncate(compactJSON(input), toolUseBriefLimit)
}

// toolResultText renders a tool_result's content. String content is
// truncated to strLimit; list content joins its text sub-blocks, each
// truncated to subLimit. Limits of 0 disable truncation.
func toolResultText(raw wire.Obj, strLimit, subLimit int) string {
	if raw == nil {
		return ""
	}
	if s, ok := raw.Str("content"); ok {
		return truncate(s, strLimit)
	}
	list, ok := raw.List("content")
	if !ok {
		return ""
	}
	var parts []string
	for _, v := range list {
		sub, ok := wire.AsObj(v)
		if !ok {
			continue
		}
		if sub.StrOr("type", "") == wire.BlockText {
			parts = append(parts, truncate(sub.StrOr("text", ""), subLimit))
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// executeSwapLocked performs the swap: SWAP_READY -> SWAP_EXECUTING, build
// the synthetic response from checkpoint + WAL, clear live state, land in
// IDLE. Callers hold m.mu with phase SWAP_READY.
func (m *Manager) executeSwapLocked(stream bool) (*Response, error) {
	if err := m.transitionLocked(PhaseSwapExecuting, "swap_triggered"); err != nil {
		return nil, err
	}

	var wal []wire.Obj
	if m.checkpointAnchor > 0 && m.checkpointAnchor <= len(m.lastMessages) {
		wal = m.lastMessages[m.checkpointAnchor:]
	}

	body := FormatCompactionWithWAL(m.checkpointContent, wal)
	resp := buildSwapResponse(body, m.model, stream)

	L_info("buffer: swap executed",
		"conv_id", m.idPrefix(),
		"wal_length", len(wal),
		"body_bytes", len(body),
		"stream", stream,
	)
	m.publishSwapLocked(len(wal), len(body), stream)

	// Snapshot for the dashboard before clearing live state.
	m.lastCheckpointContent = m.checkpointContent
	m.lastSwapMessages = append([]wire.Obj(nil), m.lastMessages...)
	m.lastSwapAnchor = m.checkpointAnchor

	m.checkpointContent = ""
	m.checkpointAnchor = 0
	m.totalInputTokens = 0
	if err := m.transitionLocked(PhaseIdle, "swap_complete"); err != nil {
		return nil, err
	}
	return resp, nil
}
