package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/synix-dev/dbproxy/internal/buffer"
	"github.com/synix-dev/dbproxy/internal/identity"
	"github.com/synix-dev/dbproxy/internal/upstream"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// fakeUpstream mimics the messages API: checkpoint calls (bodies with a
// context_management block) get a compaction response, everything else gets
// a normal assistant message with the configured usage.
type fakeUpstream struct {
	t           *testing.T
	inputTokens int
	requests    []wire.Obj
	srv         *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{t: t, inputTokens: 1000}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body, err := wire.Decode(raw)
	if err != nil {
		f.t.Errorf("fake upstream got non-JSON body: %v", err)
	}
	f.requests = append(f.requests, body)

	w.Header().Set("Content-Type", "application/json")
	if _, ok := body.Map("context_management"); ok {
		json.NewEncoder(w).Encode(wire.Obj{ //nolint:errcheck
			"content":     []any{wire.Obj{"type": "compaction", "content": "checkpoint summary"}},
			"stop_reason": "pause_compaction",
		})
		return
	}
	json.NewEncoder(w).Encode(wire.Obj{ //nolint:errcheck
		"id":          "msg_upstream",
		"type":        "message",
		"role":        "assistant",
		"content":     []any{wire.Obj{"type": "text", "text": "hello"}},
		"stop_reason": "end_turn",
		"usage":       wire.Obj{"input_tokens": f.inputTokens},
	})
}

func newTestHandler(t *testing.T, f *fakeUpstream) (*Handler, *identity.Registry) {
	t.Helper()
	client, err := upstream.NewClient(f.srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	registry := identity.NewRegistry(time.Hour)
	return NewHandler(registry, client), registry
}

func requestBody(extra wire.Obj) []byte {
	body := wire.Obj{
		"model":  "claude-opus-4-6",
		"stream": false,
		"metadata": wire.Obj{
			"user_id": "user_abc_account_def_session_11111111-2222-3333-4444-555555555555",
		},
		"messages": []any{wire.Obj{"role": "user", "content": "hi"}},
	}
	for k, v := range extra {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return data
}

func post(h *Handler, body []byte) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	r.Header.Set("x-api-key", "sk-test")
	r.Header.Set("content-type", "application/json")
	w := httptest.NewRecorder()
	h.HandleMessages(w, r)
	return w
}

func TestHandleMessagesInvalidJSON(t *testing.T) {
	h, _ := newTestHandler(t, newFakeUpstream(t))
	w := post(h, []byte("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	resp, _ := wire.Decode(w.Body.Bytes())
	errObj, _ := resp.Map("error")
	if errObj.StrOr("type", "") != "invalid_request" {
		t.Errorf("error type = %q", errObj.StrOr("type", ""))
	}
}

func TestHandleMessagesForwardsAndTracksTokens(t *testing.T) {
	f := newFakeUpstream(t)
	f.inputTokens = 12_345
	h, registry := newTestHandler(t, f)

	w := post(h, requestBody(nil))
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp, _ := wire.Decode(w.Body.Bytes())
	if resp.StrOr("id", "") != "msg_upstream" {
		t.Errorf("response not relayed verbatim: %v", resp)
	}
	if w.Header().Get("x-double-buffer-phase") == "" {
		t.Error("phase header missing")
	}
	if got := w.Header().Get("x-double-buffer-conv-id"); len(got) != 16 {
		t.Errorf("conv-id header = %q", got)
	}

	mgr := registry.Get("11111111-2222")
	if mgr == nil {
		t.Fatal("conversation not registered under session fingerprint")
	}
	if mgr.TotalInputTokens() != 12_345 {
		t.Errorf("tokens = %d", mgr.TotalInputTokens())
	}
}

func TestHandleMessagesStripsCompactEdit(t *testing.T) {
	f := newFakeUpstream(t)
	h, _ := newTestHandler(t, f)

	w := post(h, requestBody(wire.Obj{
		"context_management": wire.Obj{
			"edits": []any{wire.Obj{"type": wire.CompactEditType}},
		},
	}))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if len(f.requests) != 1 {
		t.Fatalf("upstream requests = %d", len(f.requests))
	}
	if _, ok := f.requests[0].Map("context_management"); ok {
		t.Error("compact edit should be stripped before forwarding")
	}
}

func TestHandleMessagesRewritesCompactionBlocks(t *testing.T) {
	f := newFakeUpstream(t)
	h, _ := newTestHandler(t, f)

	w := post(h, requestBody(wire.Obj{
		"messages": []any{
			wire.Obj{"role": "assistant", "content": []any{
				wire.Obj{"type": "compaction", "content": "earlier summary"},
			}},
			wire.Obj{"role": "user", "content": "continue"},
		},
	}))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	sent := f.requests[0].Messages()
	raw, _ := sent[0].List("content")
	block, _ := wire.AsObj(raw[0])
	if block.StrOr("type", "") != "text" || block.StrOr("text", "") != "earlier summary" {
		t.Errorf("compaction block not rewritten: %v", block)
	}
}

func TestHandleMessagesUpstreamErrorRelayed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`)) //nolint:errcheck
	}))
	defer srv.Close()
	client, _ := upstream.NewClient(srv.URL)
	h := NewHandler(identity.NewRegistry(time.Hour), client)

	w := post(h, requestBody(nil))
	if w.Code != 429 {
		t.Fatalf("status = %d, want upstream 429 relayed", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_error") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHandleMessagesUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused
	client, _ := upstream.NewClient(srv.URL)
	h := NewHandler(identity.NewRegistry(time.Hour), client)

	w := post(h, requestBody(nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	resp, _ := wire.Decode(w.Body.Bytes())
	errObj, _ := resp.Map("error")
	if errObj.StrOr("type", "") != "proxy_error" {
		t.Errorf("error type = %q", errObj.StrOr("type", ""))
	}
}

func TestEmergencyCheckpointThenSwap(t *testing.T) {
	f := newFakeUpstream(t)
	f.inputTokens = 190_000 // 95% of the 200k window
	h, registry := newTestHandler(t, f)

	// First request: forwarded, then the token update trips the emergency
	// blocking checkpoint, leaving the conversation SWAP_READY.
	w := post(h, requestBody(nil))
	if w.Code != 200 {
		t.Fatalf("first request status = %d", w.Code)
	}
	mgr := registry.Get("11111111-2222")
	if mgr == nil {
		t.Fatal("manager missing")
	}
	if mgr.Phase() != buffer.PhaseSwapReady {
		t.Fatalf("phase = %s, want SWAP_READY", mgr.Phase())
	}
	// Two upstream calls so far: the forward and the checkpoint.
	if len(f.requests) != 2 {
		t.Fatalf("upstream requests = %d", len(f.requests))
	}
	if _, ok := f.requests[1].Map("context_management"); !ok {
		t.Error("second upstream call should be the checkpoint")
	}

	// Second request: intercepted, never reaches upstream.
	w = post(h, requestBody(nil))
	if w.Code != 200 {
		t.Fatalf("second request status = %d", w.Code)
	}
	if len(f.requests) != 2 {
		t.Errorf("swap request leaked upstream (%d calls)", len(f.requests))
	}
	resp, _ := wire.Decode(w.Body.Bytes())
	if resp.StrOr("stop_reason", "") != "end_turn" {
		t.Errorf("synthetic stop_reason = %q", resp.StrOr("stop_reason", ""))
	}
	raw, _ := resp.List("content")
	block, _ := wire.AsObj(raw[0])
	if !strings.Contains(block.StrOr("text", ""), "checkpoint summary") {
		t.Errorf("synthetic body = %q", block.StrOr("text", ""))
	}
	if mgr.Phase() != buffer.PhaseIdle {
		t.Errorf("phase after swap = %s", mgr.Phase())
	}
}

func TestClientCompactForwardedWithoutCheckpoint(t *testing.T) {
	f := newFakeUpstream(t)
	h, _ := newTestHandler(t, f)

	// IDLE conversation asking for a compact: no stored checkpoint, so the
	// request goes upstream as a normal call (edit stripped).
	w := post(h, requestBody(wire.Obj{
		"context_management": wire.Obj{
			"edits": []any{wire.Obj{"type": wire.CompactEditType}},
		},
	}))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if len(f.requests) != 1 {
		t.Fatalf("upstream requests = %d", len(f.requests))
	}
}

func TestSuggestionRequestSkipsState(t *testing.T) {
	f := newFakeUpstream(t)
	f.inputTokens = 150_000
	h, registry := newTestHandler(t, f)

	w := post(h, requestBody(wire.Obj{
		"messages": []any{wire.Obj{
			"role":    "user",
			"content": "[SUGGESTION MODE: complete the next word]",
		}},
	}))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	mgr := registry.Get("11111111-2222")
	if mgr == nil {
		t.Fatal("manager missing")
	}
	if mgr.TotalInputTokens() != 0 {
		t.Errorf("suggestion request updated tokens: %d", mgr.TotalInputTokens())
	}
	if mgr.Phase() != buffer.PhaseIdle {
		t.Errorf("suggestion request moved phase: %s", mgr.Phase())
	}
}

func TestStreamingRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sampleStream)) //nolint:errcheck
	}))
	defer srv.Close()
	client, _ := upstream.NewClient(srv.URL)
	registry := identity.NewRegistry(time.Hour)
	h := NewHandler(registry, client)

	w := post(h, requestBody(wire.Obj{"stream": true}))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("content-type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if w.Body.String() != sampleStream {
		t.Errorf("stream not relayed byte-identical")
	}
	mgr := registry.Get("11111111-2222")
	if mgr.TotalInputTokens() != 1500 {
		t.Errorf("tokens from stream usage = %d, want 1500", mgr.TotalInputTokens())
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, newFakeUpstream(t))
	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	resp, _ := wire.Decode(w.Body.Bytes())
	if resp.StrOr("status", "") != "ok" {
		t.Errorf("body = %v", resp)
	}
}

func TestPassthroughRelaysVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.RequestURI() != "/v1/models?limit=5" {
			w.WriteHeader(500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("request-id", "req_123")
		w.Write([]byte(`{"data":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()
	client, _ := upstream.NewClient(srv.URL)
	h := NewHandler(identity.NewRegistry(time.Hour), client)

	r := httptest.NewRequest(http.MethodGet, "/v1/models?limit=5", nil)
	r.Header.Set("x-api-key", "sk-test")
	w := httptest.NewRecorder()
	h.HandlePassthrough(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != `{"data":[]}` {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("request-id") != "req_123" {
		t.Error("upstream response header dropped")
	}
}

func TestResetEndpoint(t *testing.T) {
	f := newFakeUpstream(t)
	h, registry := newTestHandler(t, f)
	registry.RegisterCommands()

	// Create a conversation first.
	post(h, requestBody(nil))

	w := httptest.NewRecorder()
	h.HandleReset(w, httptest.NewRequest(http.MethodPost, "/v1/_reset",
		strings.NewReader(`{"conv_id":"11111111"}`)))
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.HandleReset(w, httptest.NewRequest(http.MethodPost, "/v1/_reset",
		strings.NewReader(`{"conv_id":"nope"}`)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.HandleReset(w, httptest.NewRequest(http.MethodPost, "/v1/_reset", nil))
	if w.Code != 200 {
		t.Fatalf("reset-all status = %d", w.Code)
	}
	resp, _ := wire.Decode(w.Body.Bytes())
	if resp.StrOr("status", "") != "reset_all" {
		t.Errorf("body = %v", resp)
	}
}
