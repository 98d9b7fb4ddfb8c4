package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// CompactBetaTag is merged into the anthropic-beta header of checkpoint
// calls to enable the compaction protocol.
const CompactBetaTag = "compact-2026-01-12"

const (
	checkpointTimeout = 120 * time.Second
	defaultAPIVersion = "2023-06-01"
)

// Doer posts a request to the upstream API. Satisfied by upstream.Client;
// tests substitute httptest-backed fakes.
type Doer interface {
	Post(ctx context.Context, pathAndQuery string, headers map[string]string, body []byte) (*http.Response, error)
}

// Task is one in-flight background checkpoint. Completion closes done; the
// spawning goroutine finalizes the manager whether or not anyone waits.
type Task struct {
	done    chan struct{}
	cancel  context.CancelFunc
	content string
	err     error
}

// Done returns a channel closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Completed reports whether the task has finished.
func (t *Task) Completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the task's failure, nil on success or while running.
func (t *Task) Err() error {
	if !t.Completed() {
		return nil
	}
	return t.err
}

// SelectAnchor picks the exclusive end index of the messages a checkpoint
// may summarize. The boundary must not split a tool_use from its
// tool_result: the anchor is the full length when every tool_use is
// resolved, otherwise the index of the earliest unresolved one.
func SelectAnchor(messages []wire.Obj) int {
	toolUsePositions := make(map[string]int)
	toolResultIDs := make(map[string]bool)

	for i, msg := range messages {
		raw, ok := msg.List("content")
		if !ok {
			continue
		}
		for _, v := range raw {
			block, ok := wire.AsObj(v)
			if !ok {
				continue
			}
			switch block.StrOr("type", "") {
			case wire.BlockToolUse:
				if id, ok := block.Str("id"); ok {
					toolUsePositions[id] = i
				}
			case wire.BlockToolResult:
				toolResultIDs[block.StrOr("tool_use_id", "")] = true
			}
		}
	}

	earliest := len(messages)
	resolved := true
	for id, idx := range toolUsePositions {
		if !toolResultIDs[id] {
			resolved = false
			if idx < earliest {
				earliest = idx
			}
		}
	}
	if resolved {
		return len(messages)
	}
	return earliest
}

// checkpointRequest carries everything a checkpoint call needs, snapshotted
// from the manager under its mutex.
type checkpointRequest struct {
	model       string
	system      any
	tools       []any
	messages    []wire.Obj
	authHeaders map[string]string
	queryString string
	trigger     int
}

// runCheckpoint executes one compaction call against the upstream and
// returns the summary string.
func runCheckpoint(ctx context.Context, d Doer, req checkpointRequest) (string, error) {
	// The upstream rejects compaction blocks inside checkpoint requests.
	clean := wire.SanitizeMessages(req.messages)

	msgs := make([]any, len(clean))
	for i, m := range clean {
		msgs[i] = m
	}
	body := wire.Obj{
		"model":      req.model,
		"max_tokens": 4096,
		"messages":   msgs,
		"context_management": wire.Obj{
			"edits": []any{wire.Obj{
				"type":                   wire.CompactEditType,
				"trigger":                wire.Obj{"type": "input_tokens", "value": req.trigger},
				"pause_after_compaction": true,
			}},
		},
	}
	if req.system != nil {
		body["system"] = req.system
	}
	if len(req.tools) > 0 {
		body["tools"] = req.tools
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint request: %w", err)
	}

	headers := map[string]string{"content-type": "application/json"}
	for k, v := range req.authHeaders {
		headers[strings.ToLower(k)] = v
	}
	if beta := headers["anthropic-beta"]; !strings.Contains(beta, CompactBetaTag) {
		if beta != "" {
			headers["anthropic-beta"] = beta + "," + CompactBetaTag
		} else {
			headers["anthropic-beta"] = CompactBetaTag
		}
	}
	if headers["anthropic-version"] == "" {
		headers["anthropic-version"] = defaultAPIVersion
	}

	path := "/v1/messages"
	if req.queryString != "" {
		path += "?" + req.queryString
	}

	L_info("checkpoint: started", "model", req.model, "message_count", len(clean))

	resp, err := d.Post(ctx, path, headers, data)
	if err != nil {
		return "", fmt.Errorf("checkpoint call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		L_error("checkpoint: upstream error",
			"status", resp.StatusCode, "body", string(head), "path", path)
		return "", fmt.Errorf("checkpoint call failed with status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read checkpoint response: %w", err)
	}
	result, err := wire.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("parse checkpoint response: %w", err)
	}

	content, _ := result.List("content")
	var kinds []string
	for _, v := range content {
		block, ok := wire.AsObj(v)
		if !ok {
			continue
		}
		kind := block.StrOr("type", "")
		kinds = append(kinds, kind)
		if kind == wire.BlockCompaction {
			summary := block.StrOr("content", "")
			L_info("checkpoint: completed",
				"compaction_length", len(summary),
				"stop_reason", result.StrOr("stop_reason", ""),
			)
			return summary, nil
		}
	}
	return "", fmt.Errorf("compaction response has no compaction block (content types %v, stop_reason %q)",
		kinds, result.StrOr("stop_reason", ""))
}

// startCheckpointLocked launches the background checkpoint task. No-op when
// a task is already running. Callers hold m.mu with phase
// CHECKPOINT_PENDING.
func (m *Manager) startCheckpointLocked() {
	if m.checkpointTask != nil && !m.checkpointTask.Completed() {
		return
	}

	req, anchor, err := m.snapshotCheckpointLocked()
	if err != nil {
		L_error("checkpoint: missing request context", "conv_id", m.idPrefix(), "error", err)
		m.transitionLocked(PhaseIdle, "checkpoint_missing_context") //nolint:errcheck
		return
	}
	if anchor <= 0 {
		// All tool uses unresolved from the start; retry on the next request.
		L_warn("checkpoint: no valid anchor", "conv_id", m.idPrefix())
		return
	}
	m.checkpointAnchor = anchor

	if err := m.transitionLocked(PhaseCheckpointing, fmt.Sprintf("anchor_index=%d", anchor)); err != nil {
		return
	}

	// The task outlives the originating request: it runs under its own
	// timeout, detached from the request context.
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	task := &Task{done: make(chan struct{}), cancel: cancel}
	m.checkpointTask = task
	d := m.upstream

	go func() {
		defer func() {
			if r := recover(); r != nil {
				task.err = fmt.Errorf("checkpoint panic: %v", r)
			}
			cancel()
			close(task.done)
			m.mu.Lock()
			m.finalizeCheckpointLocked(task)
			m.mu.Unlock()
		}()
		task.content, task.err = runCheckpoint(ctx, d, req)
	}()
}

// snapshotCheckpointLocked captures the checkpoint inputs from the latest
// request snapshot.
func (m *Manager) snapshotCheckpointLocked() (checkpointRequest, int, error) {
	if m.upstream == nil || len(m.authHeaders) == 0 || len(m.lastMessages) == 0 {
		return checkpointRequest{}, 0, ErrNoCheckpointContext
	}
	anchor := SelectAnchor(m.lastMessages)
	req := checkpointRequest{
		model:       m.model,
		system:      m.system,
		tools:       m.tools,
		authHeaders: m.authHeaders,
		queryString: m.queryString,
		trigger:     m.compactTriggerTokens,
	}
	if anchor > 0 && anchor <= len(m.lastMessages) {
		req.messages = m.lastMessages[:anchor]
	}
	return req, anchor, nil
}

// awaitCheckpointLocked blocks until the running task finishes or ctx is
// cancelled. The mutex is released while waiting so the completion callback
// can finalize. Callers hold m.mu.
func (m *Manager) awaitCheckpointLocked(ctx context.Context) {
	task := m.checkpointTask
	if task == nil {
		return
	}

	m.mu.Unlock()
	select {
	case <-task.Done():
	case <-ctx.Done():
		L_warn("checkpoint: await cancelled", "conv_id", m.idPrefix(), "error", ctx.Err())
	}
	m.mu.Lock()

	if task.Completed() {
		m.finalizeCheckpointLocked(task)
	}
}

// finalizeCheckpointLocked stores the task result and advances the phase.
// Idempotent: a reset or an earlier finalize detaches the task first.
// Callers hold m.mu.
func (m *Manager) finalizeCheckpointLocked(task *Task) {
	if m.checkpointTask != task || !task.Completed() {
		return
	}
	m.checkpointTask = nil

	if task.err != nil {
		L_error("checkpoint: failed", "conv_id", m.idPrefix(), "error", task.err)
		if m.phase == PhaseCheckpointing {
			m.transitionLocked(PhaseIdle, "checkpoint_failed") //nolint:errcheck
		}
		m.checkpointContent = ""
		m.checkpointAnchor = 0
		return
	}

	m.checkpointContent = task.content
	m.lastCheckpointContent = task.content
	if m.phase == PhaseCheckpointing {
		m.transitionLocked(PhaseWALActive, "checkpoint_complete") //nolint:errcheck
	}
	L_info("checkpoint: WAL started",
		"conv_id", m.idPrefix(),
		"checkpoint_length", len(task.content),
		"anchor_index", m.checkpointAnchor,
	)
}

// runBlockingCheckpointLocked executes the emergency path: a synchronous
// checkpoint call and a jump straight to SWAP_READY. Callers hold m.mu with
// phase IDLE.
func (m *Manager) runBlockingCheckpointLocked(ctx context.Context) {
	req, anchor, err := m.snapshotCheckpointLocked()
	if err != nil {
		L_error("checkpoint: missing request context", "conv_id", m.idPrefix(), "error", err)
		return
	}
	if anchor <= 0 {
		L_warn("checkpoint: no valid anchor", "conv_id", m.idPrefix())
		return
	}
	m.checkpointAnchor = anchor

	if err := m.transitionLocked(PhaseCheckpointPending, "emergency_blocking"); err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()
	content, err := runCheckpoint(callCtx, m.upstream, req)
	if err != nil {
		L_error("checkpoint: blocking call failed", "conv_id", m.idPrefix(), "error", err)
		m.checkpointAnchor = 0
		m.transitionLocked(PhaseIdle, "checkpoint_failed") //nolint:errcheck
		return
	}

	m.checkpointContent = content
	m.lastCheckpointContent = content
	m.transitionLocked(PhaseWALActive, "blocking_checkpoint_complete") //nolint:errcheck
	m.transitionLocked(PhaseSwapReady, "emergency_swap_ready")        //nolint:errcheck
	L_info("checkpoint: emergency checkpoint to swap",
		"conv_id", m.idPrefix(),
		"checkpoint_length", len(content),
		"anchor_index", anchor,
	)
}

// compactJSON renders an object as single-line JSON for previews and briefs.
func compactJSON(o wire.Obj) string {
	if o == nil {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(o); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}
