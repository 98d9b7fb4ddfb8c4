package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/synix-dev/dbproxy/internal/buffer"
	"github.com/synix-dev/dbproxy/internal/bus"
	"github.com/synix-dev/dbproxy/internal/config"
	"github.com/synix-dev/dbproxy/internal/identity"
	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/tokens"
	"github.com/synix-dev/dbproxy/internal/upstream"
	"github.com/synix-dev/dbproxy/internal/wire"
)

const (
	// Generation can legitimately run many minutes on large contexts.
	forwardTimeout = 600 * time.Second
	// Non-messages API calls are short-lived.
	passthroughTimeout = 120 * time.Second

	errorBodyLimit = 500
)

// forwardHeaders is the whitelist of client headers relayed upstream.
// Everything else (hop-by-hop, proxy-internal) is dropped. accept-encoding
// is deliberately absent: the transport negotiates compression itself so the
// relayed stream is always plain bytes we can parse.
var forwardHeaders = map[string]bool{
	"x-api-key":         true,
	"authorization":     true,
	"content-type":      true,
	"anthropic-version": true,
	"anthropic-beta":    true,
	"anthropic-dangerous-direct-browser-access": true,
	"accept": true,
}

// authHeaderKeys are the headers snapshotted for later checkpoint calls.
var authHeaderKeys = []string{"x-api-key", "authorization", "anthropic-version", "anthropic-beta"}

// Handler orchestrates /v1/messages: fingerprinting, buffer decisions,
// synthetic responses, and upstream forwarding.
type Handler struct {
	registry *identity.Registry
	upstream *upstream.Client
}

// NewHandler creates the messages handler.
func NewHandler(registry *identity.Registry, client *upstream.Client) *Handler {
	return &Handler{registry: registry, upstream: client}
}

// HandleMessages serves POST /v1/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorBody("invalid_request", "failed to read request body"))
		return
	}
	body, err := wire.Decode(raw)
	if err != nil {
		L_error("proxy: request parse error", "error", err)
		writeJSON(w, http.StatusBadRequest, wire.ErrorBody("invalid_request", err.Error()))
		return
	}

	meta := wire.ExtractRequestMeta(body)
	cfg := config.Current()

	authHeaders := make(map[string]string, len(authHeaderKeys))
	for _, key := range authHeaderKeys {
		if v := r.Header.Get(key); v != "" {
			authHeaders[key] = v
		}
	}

	fingerprint := identity.Fingerprint(body)
	window := contextWindowFor(cfg, meta.Model)
	mgr := h.registry.GetOrCreate(fingerprint, meta.Model, window)
	mgr.SetUpstream(h.upstream)
	mgr.Configure(cfg.CheckpointThreshold, cfg.SwapThreshold, cfg.CompactTriggerTokens)

	L_info("proxy: request received",
		"conv_id", mgr.IDPrefix(),
		"model", meta.Model,
		"stream", meta.Stream,
		"phase", string(mgr.Phase()),
		"message_count", len(meta.Messages),
	)

	// Suggestion-mode requests are ephemeral side calls; forward without
	// touching conversation state.
	if wire.IsSuggestionRequest(body) {
		L_debug("proxy: suggestion passthrough", "conv_id", mgr.IDPrefix())
		h.forward(w, r, body, mgr, meta.Stream, stateNone)
		return
	}

	// A compaction block in the request means the client already compacted
	// upstream of us; whatever we were preparing is stale.
	if wire.HasCompactionBlock(body) {
		L_info("proxy: incoming compaction detected", "conv_id", mgr.IDPrefix())
		mgr.Reset("incoming_compaction")
	}

	mgr.UpdateFromRequest(meta, authHeaders, r.URL.RawQuery)

	if cfg.Passthrough {
		h.forward(w, r, body, mgr, meta.Stream, stateTokensOnly)
		return
	}

	// Swap beats forwarding: SWAP_READY, or WAL_ACTIVE already past the
	// swap threshold.
	if resp, ok := mgr.TakeSwap(meta.Stream); ok {
		h.writeSynthetic(w, mgr, resp)
		return
	}

	// Client-initiated compact: answer from the stored checkpoint when one
	// exists, otherwise let the upstream compact natively.
	if wire.IsCompactRequest(body) {
		resp, err := mgr.HandleClientCompact(r.Context(), meta.Stream)
		if err != nil {
			L_error("proxy: client compact failed", "conv_id", mgr.IDPrefix(), "error", err)
			writeJSON(w, http.StatusInternalServerError, wire.ErrorBody("proxy_error", err.Error()))
			return
		}
		if resp != nil {
			h.writeSynthetic(w, mgr, resp)
			return
		}
	}

	h.forward(w, r, wire.StripCompactEdits(body), mgr, meta.Stream, stateFull)
}

// stateMode controls which conversation state a forward updates.
type stateMode int

const (
	stateNone       stateMode = iota // suggestion requests
	stateTokensOnly                  // passthrough mode: telemetry but no buffer logic
	stateFull                        // normal requests
)

// forward relays the request upstream and the response back, applying token
// tracking and threshold evaluation per mode.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, body wire.Obj, mgr *buffer.Manager, stream bool, mode stateMode) {
	// The upstream rejects raw compaction blocks in requests.
	body = wire.RewriteCompactionBlocks(body)
	payload, err := json.Marshal(body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.ErrorBody("proxy_error", err.Error()))
		return
	}

	headers := upstreamHeaders(r)
	path := "/v1/messages"
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	L_debug("proxy: forwarding", "conv_id", mgr.IDPrefix(), "path", path, "stream", stream)

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	resp, err := h.upstream.Post(ctx, path, headers, payload)
	if err != nil {
		L_error("proxy: upstream connection error", "conv_id", mgr.IDPrefix(), "error", err)
		h.publishError(mgr, http.StatusBadGateway, err.Error())
		writeJSON(w, http.StatusBadGateway, wire.ErrorBody("proxy_error", "upstream connection failed: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		h.relayError(w, mgr, resp)
		return
	}

	if stream {
		h.relayStream(w, r, mgr, resp, mode)
	} else {
		h.relayJSON(w, r, mgr, resp, mode)
	}
}

// relayStream pipes an SSE response through a Forwarder, then applies the
// buffer logic the extracted usage calls for.
func (h *Handler) relayStream(w http.ResponseWriter, r *http.Request, mgr *buffer.Manager, resp *http.Response, mode stateMode) {
	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("x-double-buffer-phase", string(mgr.Phase()))
	w.Header().Set("x-double-buffer-conv-id", mgr.IDPrefix())
	w.WriteHeader(resp.StatusCode)

	fwd := NewForwarder(mgr.IDPrefix(), config.Current().MaxSSEBufferBytes)
	if err := fwd.Forward(resp.Body, w); err != nil {
		// Headers are gone; all we can do is drop the connection.
		L_error("proxy: stream relay failed", "conv_id", mgr.IDPrefix(), "error", err)
		return
	}

	if mode == stateNone {
		return
	}
	if usage := fwd.Usage(); usage != nil {
		mgr.UpdateTokens(usage)
	}
	if mode != stateFull {
		return
	}
	if fwd.HasCompaction() {
		mgr.Reset("upstream_compaction")
	} else {
		mgr.EvaluateThresholds(r.Context())
	}
}

// relayJSON relays a non-streaming response verbatim after extracting usage
// and compaction state.
func (h *Handler) relayJSON(w http.ResponseWriter, r *http.Request, mgr *buffer.Manager, resp *http.Response, mode stateMode) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		L_error("proxy: upstream read failed", "conv_id", mgr.IDPrefix(), "error", err)
		writeJSON(w, http.StatusBadGateway, wire.ErrorBody("proxy_error", "failed to read upstream response"))
		return
	}

	if mode != stateNone {
		if data, err := wire.Decode(raw); err == nil {
			if usage, ok := data.Map("usage"); ok {
				mgr.UpdateTokens(usage)
			}
			if mode == stateFull {
				if responseHasCompaction(data) {
					mgr.Reset("upstream_compaction")
				} else {
					mgr.EvaluateThresholds(r.Context())
				}
			}
		}
	}

	w.Header().Set("content-type", "application/json")
	w.Header().Set("x-double-buffer-phase", string(mgr.Phase()))
	w.Header().Set("x-double-buffer-conv-id", mgr.IDPrefix())
	w.WriteHeader(resp.StatusCode)
	w.Write(raw) //nolint:errcheck
}

// relayError relays a non-2xx upstream response verbatim and publishes it
// for the dashboard.
func (h *Handler) relayError(w http.ResponseWriter, mgr *buffer.Manager, resp *http.Response) {
	raw, _ := io.ReadAll(resp.Body)
	head := raw
	if len(head) > errorBodyLimit {
		head = head[:errorBodyLimit]
	}
	L_error("proxy: upstream error",
		"conv_id", mgr.IDPrefix(),
		"status", resp.StatusCode,
		"body", string(head),
	)
	h.publishError(mgr, resp.StatusCode, string(head))

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(raw) //nolint:errcheck
}

// writeSynthetic sends a swap or compact-replay response built by the buffer.
func (h *Handler) writeSynthetic(w http.ResponseWriter, mgr *buffer.Manager, resp *buffer.Response) {
	data := resp.Bytes()
	L_info("proxy: synthetic response sent",
		"conv_id", mgr.IDPrefix(),
		"stream", resp.Stream,
		"bytes", len(data),
	)
	w.Header().Set("content-type", resp.ContentType())
	w.Header().Set("x-double-buffer-phase", string(mgr.Phase()))
	w.Header().Set("x-double-buffer-conv-id", mgr.IDPrefix())
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// HandlePassthrough relays any other /v1/ or /api/ call (model listings,
// OAuth, telemetry) untouched.
func (h *Handler) HandlePassthrough(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorBody("invalid_request", "failed to read request body"))
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), passthroughTimeout)
	defer cancel()

	var bodyReader io.Reader
	if len(raw) > 0 {
		bodyReader = bytes.NewReader(raw)
	}
	resp, err := h.upstream.Do(ctx, r.Method, path, upstreamHeaders(r), bodyReader)
	if err != nil {
		L_error("proxy: passthrough error", "path", path, "error", err)
		writeJSON(w, http.StatusBadGateway, wire.ErrorBody("proxy_error", err.Error()))
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// HandleReset serves POST /v1/_reset: reset one conversation by prefix, or
// all of them.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var body wire.Obj
	if raw, err := io.ReadAll(r.Body); err == nil && len(raw) > 0 {
		body, _ = wire.Decode(raw)
	}
	convID := body.StrOr("conv_id", "")

	result := bus.SendCommand(bus.ComponentRegistry, bus.CmdReset,
		identity.ResetRequest{Prefix: convID, Reason: "api_reset"})

	if convID != "" {
		if !result.Success {
			writeJSON(w, http.StatusNotFound, wire.Obj{"error": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusOK, wire.Obj{"status": "reset", "conv_id": convID})
		return
	}
	count := 0
	if n, ok := result.Data.(int); ok {
		count = n
	}
	writeJSON(w, http.StatusOK, wire.Obj{"status": "reset_all", "count": count})
}

// HandleHealth serves GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, wire.Obj{
		"status":        "ok",
		"conversations": h.registry.Len(),
		"passthrough":   config.Current().Passthrough,
	})
}

func (h *Handler) publishError(mgr *buffer.Manager, status int, body string) {
	bus.PublishEventWithSource(bus.TopicUpstreamError, map[string]any{
		"conv_id": mgr.ConvID(),
		"key":     mgr.Key(),
		"status":  status,
		"body":    body,
	}, "proxy")
}

// responseHasCompaction reports whether a non-streaming response body
// carries a compaction content block.
func responseHasCompaction(data wire.Obj) bool {
	content, ok := data.List("content")
	if !ok {
		return false
	}
	for _, v := range content {
		if b, ok := wire.AsObj(v); ok && b.StrOr("type", "") == wire.BlockCompaction {
			return true
		}
	}
	return false
}

// contextWindowFor resolves a model's window: config table first, then the
// yaml/compiled tables.
func contextWindowFor(cfg *config.Config, model string) int {
	if w, ok := cfg.ModelContextWindows[model]; ok && w > 0 {
		return w
	}
	return tokens.ContextWindowFor(model)
}

// upstreamHeaders builds the whitelisted header map for an upstream call.
func upstreamHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)
	for key, values := range r.Header {
		if forwardHeaders[strings.ToLower(key)] && len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	return headers
}

// copyResponseHeaders relays upstream response headers, dropping hop-by-hop
// ones the Go server manages itself.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		switch strings.ToLower(key) {
		case "transfer-encoding", "connection", "keep-alive":
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body wire.Obj) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
