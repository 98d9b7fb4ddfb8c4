package buffer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/synix-dev/dbproxy/internal/bus"
	"github.com/synix-dev/dbproxy/internal/wire"
)

const testWindow = 200_000

func newTestManager(t *testing.T, d Doer) *Manager {
	t.Helper()
	m := NewManager("a3f8c2e915b04d7612cdef0987654321", "claude-opus-4-6", testWindow)
	m.SetUpstream(d)
	m.UpdateFromRequest(wire.RequestMeta{
		Model:    "claude-opus-4-6",
		Messages: []wire.Obj{msg("user", "start"), msg("assistant", "ok")},
	}, map[string]string{"x-api-key": "sk-test"}, "")
	return m
}

func setTokens(m *Manager, n int) {
	m.UpdateTokens(wire.Obj{"input_tokens": n})
}

func waitForPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", m.Phase(), want)
}

func TestValidTransitionSet(t *testing.T) {
	valid := []struct{ from, to Phase }{
		{PhaseIdle, PhaseCheckpointPending},
		{PhaseCheckpointPending, PhaseCheckpointing},
		{PhaseCheckpointing, PhaseWALActive},
		{PhaseWALActive, PhaseSwapReady},
		{PhaseSwapReady, PhaseSwapExecuting},
		{PhaseSwapExecuting, PhaseIdle},
		{PhaseCheckpointing, PhaseIdle},
		{PhaseSwapReady, PhaseIdle},
	}
	for _, tr := range valid {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be valid", tr.from, tr.to)
		}
	}
	invalid := []struct{ from, to Phase }{
		{PhaseIdle, PhaseSwapReady},
		{PhaseIdle, PhaseIdle},
		{PhaseSwapExecuting, PhaseSwapReady},
		{PhaseSwapReady, PhaseWALActive},
	}
	for _, tr := range invalid {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be invalid", tr.from, tr.to)
		}
	}
}

func TestLifecycleBackgroundCheckpointAndSwap(t *testing.T) {
	d := compactionDoer("the summary")
	m := newTestManager(t, d)
	ctx := context.Background()

	// Below the checkpoint threshold nothing happens.
	setTokens(m, 100_000) // 50%
	m.EvaluateThresholds(ctx)
	if m.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want IDLE at 50%%", m.Phase())
	}

	// Crossing 60% kicks off a background checkpoint.
	setTokens(m, 130_000) // 65%
	m.EvaluateThresholds(ctx)
	waitForPhase(t, m, PhaseWALActive)
	if content, ok := m.CheckpointContent(); !ok || content != "the summary" {
		t.Fatalf("checkpoint content = %q, %v", content, ok)
	}
	if m.CheckpointAnchor() != 2 {
		t.Fatalf("anchor = %d, want 2", m.CheckpointAnchor())
	}
	if d.calls != 1 {
		t.Fatalf("doer calls = %d, want 1", d.calls)
	}

	// Crossing 80% arms the swap.
	setTokens(m, 170_000) // 85%
	m.EvaluateThresholds(ctx)
	if m.Phase() != PhaseSwapReady {
		t.Fatalf("phase = %s, want SWAP_READY", m.Phase())
	}
	if !m.ShouldSwap() {
		t.Fatal("ShouldSwap should report true")
	}

	resp, ok := m.TakeSwap(false)
	if !ok {
		t.Fatal("TakeSwap should intercept in SWAP_READY")
	}
	text := swapText(t, resp)
	if text != "the summary" {
		t.Errorf("swap body = %q, want bare checkpoint with empty WAL", text)
	}

	// Post-swap invariants.
	if m.Phase() != PhaseIdle {
		t.Errorf("phase after swap = %s, want IDLE", m.Phase())
	}
	if m.TotalInputTokens() != 0 {
		t.Errorf("tokens after swap = %d, want 0", m.TotalInputTokens())
	}
	if _, ok := m.CheckpointContent(); ok {
		t.Error("checkpoint content should be cleared after swap")
	}
}

func TestLifecycleSwapIncludesWAL(t *testing.T) {
	d := compactionDoer("SUMMARY")
	m := newTestManager(t, d)
	ctx := context.Background()

	setTokens(m, 130_000)
	m.EvaluateThresholds(ctx)
	waitForPhase(t, m, PhaseWALActive)

	// Two more turns arrive after the anchor.
	m.UpdateFromRequest(wire.RequestMeta{
		Model: "claude-opus-4-6",
		Messages: []wire.Obj{
			msg("user", "start"), msg("assistant", "ok"),
			msg("user", "next question"), msg("assistant", "next answer"),
		},
	}, map[string]string{"x-api-key": "sk-test"}, "")

	setTokens(m, 170_000)
	m.EvaluateThresholds(ctx)

	resp, ok := m.TakeSwap(false)
	if !ok {
		t.Fatal("expected swap")
	}
	text := swapText(t, resp)
	for _, want := range []string{"SUMMARY", "<recent_activity>", "[user]\nnext question", "[assistant]\nnext answer"} {
		if !strings.Contains(text, want) {
			t.Errorf("swap body missing %q", want)
		}
	}
	if strings.Contains(text, "[user]\nstart") {
		t.Error("messages before the anchor should not appear in the WAL")
	}
}

func TestEmergencyBlockingCheckpoint(t *testing.T) {
	d := compactionDoer("emergency summary")
	m := newTestManager(t, d)

	// One response jumps straight past the swap threshold.
	setTokens(m, 180_000) // 90%
	m.EvaluateThresholds(context.Background())

	if m.Phase() != PhaseSwapReady {
		t.Fatalf("phase = %s, want SWAP_READY after blocking checkpoint", m.Phase())
	}
	if d.calls != 1 {
		t.Fatalf("doer calls = %d", d.calls)
	}
	resp, err := m.ExecuteSwap(true)
	if err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}
	if !resp.Stream {
		t.Error("stream flag should carry through")
	}
}

func TestCheckpointFailureResetsToIdle(t *testing.T) {
	d := &fakeDoer{fn: func(string, map[string]string, []byte) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	m := newTestManager(t, d)

	setTokens(m, 130_000)
	m.EvaluateThresholds(context.Background())
	waitForPhase(t, m, PhaseIdle)

	if _, ok := m.CheckpointContent(); ok {
		t.Error("failed checkpoint should leave no content")
	}
}

func TestClientCompactReplaysCheckpoint(t *testing.T) {
	d := compactionDoer("stored summary")
	m := newTestManager(t, d)
	ctx := context.Background()

	setTokens(m, 130_000)
	m.EvaluateThresholds(ctx)
	waitForPhase(t, m, PhaseWALActive)

	// The client asks for a compaction while we only reached WAL_ACTIVE; the
	// stored checkpoint is promoted and replayed without an upstream call.
	resp, err := m.HandleClientCompact(ctx, false)
	if err != nil {
		t.Fatalf("HandleClientCompact: %v", err)
	}
	if resp == nil {
		t.Fatal("expected interception, got forward")
	}
	if swapText(t, resp) != "stored summary" {
		t.Errorf("replayed body = %q", swapText(t, resp))
	}
	if d.calls != 1 {
		t.Errorf("doer calls = %d, compact replay must not hit upstream", d.calls)
	}
	if m.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want IDLE after replay", m.Phase())
	}
}

func TestClientCompactForwardsWhenIdle(t *testing.T) {
	m := newTestManager(t, compactionDoer("x"))
	resp, err := m.HandleClientCompact(context.Background(), false)
	if err != nil {
		t.Fatalf("HandleClientCompact: %v", err)
	}
	if resp != nil {
		t.Fatal("IDLE compact should forward to upstream")
	}
}

func TestExecuteSwapOutsideSwapReady(t *testing.T) {
	m := newTestManager(t, compactionDoer("x"))
	if _, err := m.ExecuteSwap(false); !errors.Is(err, ErrNotSwapReady) {
		t.Fatalf("err = %v, want ErrNotSwapReady", err)
	}
}

func TestTakeSwapImmediatePromotion(t *testing.T) {
	d := compactionDoer("fast summary")
	m := newTestManager(t, d)
	ctx := context.Background()

	setTokens(m, 130_000)
	m.EvaluateThresholds(ctx)
	waitForPhase(t, m, PhaseWALActive)

	// Utilization passes the swap threshold between requests; the next
	// request may swap directly from WAL_ACTIVE.
	setTokens(m, 170_000)
	resp, ok := m.TakeSwap(false)
	if !ok {
		t.Fatal("expected immediate swap from WAL_ACTIVE")
	}
	if swapText(t, resp) != "fast summary" {
		t.Errorf("body = %q", swapText(t, resp))
	}
}

func TestResetCancelsCheckpoint(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := &fakeDoer{fn: func(string, map[string]string, []byte) (*http.Response, error) {
		close(started)
		<-release
		return nil, errors.New("cancelled")
	}}
	m := newTestManager(t, d)

	setTokens(m, 130_000)
	m.EvaluateThresholds(context.Background())
	<-started

	m.Reset("conversation restarted")
	close(release)

	if m.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want IDLE after reset", m.Phase())
	}
	if _, ok := m.CheckpointContent(); ok {
		t.Error("reset should clear checkpoint content")
	}
	// The orphaned task must not resurrect state after the reset.
	time.Sleep(50 * time.Millisecond)
	if m.Phase() != PhaseIdle {
		t.Errorf("phase = %s, orphaned checkpoint resurrected state", m.Phase())
	}
}

func TestUtilizationZeroWindow(t *testing.T) {
	m := NewManager("c", "m", 0)
	setTokens(m, 50_000)
	if u := m.Utilization(); u != 0 {
		t.Errorf("utilization with zero window = %f, want 0", u)
	}
}

func TestConfigureRejectsBadThresholds(t *testing.T) {
	m := NewManager("c", "m", testWindow)
	m.Configure(0.9, 0.5, 0) // swap below checkpoint: ignored
	setTokens(m, 130_000)    // 65%, above the default checkpoint threshold
	m.SetUpstream(compactionDoer("s"))
	m.UpdateFromRequest(wire.RequestMeta{Messages: []wire.Obj{msg("user", "hi")}},
		map[string]string{"x-api-key": "k"}, "")
	m.EvaluateThresholds(context.Background())
	waitForPhase(t, m, PhaseWALActive)
}

func swapText(t *testing.T, resp *Response) string {
	t.Helper()
	if resp.Stream {
		for _, ev := range resp.Events {
			if ev.Event != "content_block_delta" {
				continue
			}
			o, err := wire.Decode([]byte(ev.Data))
			if err != nil {
				t.Fatalf("decode event: %v", err)
			}
			delta, _ := o.Map("delta")
			return delta.StrOr("text", "")
		}
		t.Fatal("no content_block_delta event")
	}
	raw, _ := resp.Body.List("content")
	if len(raw) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(raw))
	}
	block, _ := wire.AsObj(raw[0])
	return block.StrOr("text", "")
}

func TestUpdateFromRequestPublishesAppends(t *testing.T) {
	got := make(chan map[string]any, 4)
	id := bus.SubscribeEvent(bus.TopicMessageAppend, func(ev bus.Event) {
		if m, ok := ev.Data.(map[string]any); ok {
			got <- m
		}
	})
	defer bus.UnsubscribeEvent(id)

	m := NewManager("a3f8c2e915b04d7612cdef0987654321", "claude-opus-4-6", testWindow)
	m.UpdateFromRequest(wire.RequestMeta{
		Messages: []wire.Obj{msg("user", "start"), msg("assistant", "ok")},
	}, nil, "")

	batch := receiveAppend(t, got)
	if len(batch) != 2 {
		t.Fatalf("first batch = %d messages, want 2", len(batch))
	}
	if batch[0]["index"] != 0 || batch[0]["role"] != "user" {
		t.Errorf("first entry = %v", batch[0])
	}

	// Next request repeats the history plus one new message; only the tail
	// is published.
	m.UpdateFromRequest(wire.RequestMeta{
		Messages: []wire.Obj{msg("user", "start"), msg("assistant", "ok"), msg("user", "again")},
	}, nil, "")

	batch = receiveAppend(t, got)
	if len(batch) != 1 {
		t.Fatalf("second batch = %d messages, want 1", len(batch))
	}
	if batch[0]["index"] != 2 {
		t.Errorf("appended index = %v, want 2", batch[0]["index"])
	}
	est, _ := batch[0]["token_estimate"].(int)
	if est <= 0 {
		t.Errorf("token_estimate = %v, want > 0", batch[0]["token_estimate"])
	}
}

func receiveAppend(t *testing.T, ch chan map[string]any) []map[string]any {
	t.Helper()
	select {
	case m := <-ch:
		batch, ok := m["messages"].([]map[string]any)
		if !ok {
			t.Fatalf("messages payload type %T", m["messages"])
		}
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no append event published")
	}
	return nil
}
