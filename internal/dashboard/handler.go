package dashboard

import (
	"embed"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/synix-dev/dbproxy/internal/bus"
	"github.com/synix-dev/dbproxy/internal/identity"
	. "github.com/synix-dev/dbproxy/internal/logging"
)

//go:embed static/index.html
var staticFS embed.FS

// The dashboard is reached through the proxy's own TLS endpoint, so the
// browser origin never matches; origin checking buys nothing on a
// localhost-only tool.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Dashboard bundles the UI routes: page, websocket, and detail API.
type Dashboard struct {
	registry    *identity.Registry
	broadcaster *Broadcaster
}

// New creates the dashboard over a conversation registry.
func New(registry *identity.Registry) *Dashboard {
	return &Dashboard{registry: registry, broadcaster: NewBroadcaster()}
}

// Broadcaster exposes the fan-out, mainly for tests.
func (d *Dashboard) Broadcaster() *Broadcaster { return d.broadcaster }

// Start subscribes the broadcaster to bus updates.
func (d *Dashboard) Start() {
	d.broadcaster.Subscribe()
}

// Stop tears down connections and subscriptions.
func (d *Dashboard) Stop() {
	d.broadcaster.Close()
}

// Mount registers the dashboard routes on mux.
func (d *Dashboard) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /dashboard", d.handleIndex)
	mux.HandleFunc("GET /dashboard/ws", d.handleWS)
	mux.HandleFunc("GET /dashboard/api/conversation/{key}", d.handleDetail)
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "dashboard page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Write(page) //nolint:errcheck
}

// handleWS upgrades the connection, sends the initial state snapshot, then
// relays client commands until the socket closes. Live updates flow through
// the broadcaster, not this loop.
func (d *Dashboard) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("dashboard: websocket upgrade failed", "error", err)
		return
	}
	d.broadcaster.Add(conn)
	defer func() {
		d.broadcaster.Remove(conn)
		conn.Close()
	}()

	conversations := make([]map[string]any, 0)
	for _, mgr := range d.registry.All() {
		conversations = append(conversations, mgr.StateMap())
	}
	if err := conn.WriteJSON(map[string]any{
		"type":          "initial_state",
		"conversations": conversations,
	}); err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			L_warn("dashboard: invalid client message", "error", err)
			continue
		}
		d.handleClientMessage(msg)
	}
}

func (d *Dashboard) handleClientMessage(msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "reset_conversation":
		convID, _ := msg["conv_id"].(string)
		if convID == "" {
			return
		}
		result := bus.SendCommandWithSource(bus.ComponentRegistry, bus.CmdReset,
			identity.ResetRequest{Prefix: convID, Reason: "dashboard"}, "dashboard")
		L_info("dashboard: reset requested",
			"conv_id", convID, "success", result.Success)
	}
}

// handleDetail serves the deep view of one conversation. Keys match by
// prefix so the UI can link with just the conv_id.
func (d *Dashboard) handleDetail(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	for regKey, mgr := range d.registry.All() {
		if regKey == key || strings.HasPrefix(regKey, key) {
			w.Header().Set("content-type", "application/json")
			json.NewEncoder(w).Encode(mgr.DetailMap()) //nolint:errcheck
			return
		}
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]any{"error": "conversation not found"}) //nolint:errcheck
}
