package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synix-dev/dbproxy/internal/bus"
	"github.com/synix-dev/dbproxy/internal/identity"
)

func newTestServer(t *testing.T) (*Dashboard, *identity.Registry, *httptest.Server) {
	t.Helper()
	registry := identity.NewRegistry(time.Hour)
	d := New(registry)
	mux := http.NewServeMux()
	d.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(d.Stop)
	return d, registry, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/dashboard/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIndexServed(t *testing.T) {
	_, _, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/dashboard")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("content-type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}
}

func TestWebsocketInitialState(t *testing.T) {
	_, registry, srv := newTestServer(t)
	registry.GetOrCreate("fingerprint-a", "claude-opus-4-6", 200_000)

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg["type"] != "initial_state" {
		t.Fatalf("first message type = %v", msg["type"])
	}
	convs, _ := msg["conversations"].([]any)
	if len(convs) != 1 {
		t.Errorf("conversations = %d", len(convs))
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	d, _, srv := newTestServer(t)
	d.Start()

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck

	var initial map[string]any
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("initial read: %v", err)
	}

	// Wait for the server side to register the connection before publishing.
	deadline := time.Now().Add(time.Second)
	for d.Broadcaster().Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.PublishEventWithSource(bus.TopicConversationState, map[string]any{
		"key": "abc:model", "phase": "WAL_ACTIVE",
	}, "test")

	var update map[string]any
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("update read: %v", err)
	}
	if update["type"] != "state_update" {
		t.Fatalf("update type = %v", update["type"])
	}
	conv, _ := update["conversation"].(map[string]any)
	if conv["phase"] != "WAL_ACTIVE" {
		t.Errorf("conversation = %v", conv)
	}
}

func TestResetCommandFromClient(t *testing.T) {
	_, registry, srv := newTestServer(t)
	registry.RegisterCommands()
	registry.GetOrCreate("fingerprint-b", "claude-opus-4-6", 200_000)

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var initial map[string]any
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("initial read: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"type": "reset_conversation", "conv_id": "fingerprint-b",
	})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The reset lands asynchronously; the manager should stay registered
	// and remain IDLE (reset of an idle conversation is a no-op transition).
	time.Sleep(100 * time.Millisecond)
	if registry.Get("fingerprint-b") == nil {
		t.Error("conversation disappeared after reset")
	}
}

func TestDetailEndpoint(t *testing.T) {
	_, registry, srv := newTestServer(t)
	registry.GetOrCreate("fingerprint-c", "claude-opus-4-6", 200_000)

	resp, err := http.Get(srv.URL + "/dashboard/api/conversation/fingerprint-c")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var detail map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail["model"] != "claude-opus-4-6" {
		t.Errorf("detail = %v", detail)
	}

	resp2, err := http.Get(srv.URL + "/dashboard/api/conversation/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown key status = %d", resp2.StatusCode)
	}
}
