package buffer

import (
	"strings"
	"testing"

	"github.com/synix-dev/dbproxy/internal/wire"
)

func TestFormatCompactionWithEmptyWAL(t *testing.T) {
	ckpt := "Summary of the conversation so far."
	if got := FormatCompactionWithWAL(ckpt, nil); got != ckpt {
		t.Errorf("empty WAL should return the checkpoint verbatim, got %q", got)
	}
	if got := FormatCompactionWithWAL(ckpt, []wire.Obj{}); got != ckpt {
		t.Errorf("empty slice WAL should return the checkpoint verbatim, got %q", got)
	}
}

func TestFormatCompactionWithWAL(t *testing.T) {
	ckpt := "SUMMARY"
	wal := []wire.Obj{
		msg("user", "please run the tests"),
		msg("assistant", []any{map[string]any{
			"type": "tool_use", "id": "t1", "name": "bash",
			"input": map[string]any{"command": "go test ./..."},
		}}),
	}
	got := FormatCompactionWithWAL(ckpt, wal)

	for _, want := range []string{
		"<context_summary>",
		"</context_summary>",
		"<recent_activity>",
		"</recent_activity>",
		"SUMMARY",
		"[user]\nplease run the tests",
		"[tool_use: bash(go test ./...)]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted body missing %q:\n%s", want, got)
		}
	}
	if !strings.HasPrefix(got, "<context_summary>\n") {
		t.Errorf("body should open with the frame, got %q", got[:40])
	}
	if !strings.HasSuffix(got, "</context_summary>") {
		t.Error("body should close with the frame")
	}
}

func TestRenderMessageStringContent(t *testing.T) {
	got := renderMessage(msg("assistant", "plain reply"))
	if got != "[assistant]\nplain reply" {
		t.Errorf("renderMessage = %q", got)
	}
}

func TestRenderToolUseBrief(t *testing.T) {
	long := strings.Repeat("x", 300)
	m := msg("assistant", []any{map[string]any{
		"type": "tool_use", "id": "t1", "name": "read",
		"input": map[string]any{"file_path": long},
	}})
	got := renderMessage(m)
	want := "[tool_use: read(" + long[:toolUseBriefLimit] + ")]"
	if !strings.Contains(got, want) {
		t.Errorf("brief not truncated to %d chars: %q", toolUseBriefLimit, got)
	}
}

func TestRenderToolUseBriefFallsBackToJSON(t *testing.T) {
	m := msg("assistant", []any{map[string]any{
		"type": "tool_use", "id": "t1", "name": "custom",
		"input": map[string]any{"depth": 3},
	}})
	got := renderMessage(m)
	if !strings.Contains(got, `[tool_use: custom({"depth":3})]`) {
		t.Errorf("brief fallback = %q", got)
	}
}

func TestRenderToolResultTruncation(t *testing.T) {
	long := strings.Repeat("y", 500)
	m := msg("user", []any{map[string]any{
		"type": "tool_result", "tool_use_id": "t1", "content": long,
	}})
	got := renderMessage(m)
	want := "[tool_result] " + long[:toolResultLimit]
	if got != "[user]\n"+want {
		t.Errorf("tool_result not truncated to %d chars: %q", toolResultLimit, got)
	}
}

func TestRenderToolResultError(t *testing.T) {
	m := msg("user", []any{map[string]any{
		"type": "tool_result", "tool_use_id": "t1",
		"content": "no such file", "is_error": true,
	}})
	got := renderMessage(m)
	if got != "[user]\n[tool_result ERROR] no such file" {
		t.Errorf("error tool_result = %q", got)
	}
}

func TestRenderToolResultListContent(t *testing.T) {
	long := strings.Repeat("z", 400)
	m := msg("user", []any{map[string]any{
		"type": "tool_result", "tool_use_id": "t1",
		"content": []any{
			map[string]any{"type": "text", "text": long},
			map[string]any{"type": "text", "text": "tail"},
		},
	}})
	got := renderMessage(m)
	want := "[tool_result] " + long[:toolResultSubBlockLimit] + "\ntail"
	if got != "[user]\n"+want {
		t.Errorf("list tool_result = %q", got)
	}
}

func TestRenderCompactionAndUnknownBlocks(t *testing.T) {
	m := msg("assistant", []any{
		map[string]any{"type": "compaction", "content": "old"},
		map[string]any{"type": "thinking", "thinking": "hmm"},
	})
	got := renderMessage(m)
	if !strings.Contains(got, "[prior compaction summary]") {
		t.Errorf("compaction render = %q", got)
	}
	if !strings.Contains(got, "[thinking block]") {
		t.Errorf("unknown block render = %q", got)
	}
}
