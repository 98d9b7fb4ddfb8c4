// Package store persists conversation telemetry to sqlite: state snapshots,
// swap summaries, and upstream errors, all fed off the bus. Writes happen on
// a single background goroutine so the request path never waits on disk.
// The store is telemetry only; nothing reads it back for correctness.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/synix-dev/dbproxy/internal/bus"
	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/paths"
)

const (
	dbOpenOptions = "?_busy_timeout=5000&_journal_mode=WAL"
	queueSize     = 256
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
	key TEXT PRIMARY KEY,
	conv_id TEXT NOT NULL,
	model TEXT NOT NULL,
	context_window INTEGER NOT NULL,
	phase TEXT NOT NULL DEFAULT 'IDLE',
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	utilization REAL NOT NULL DEFAULT 0,
	checkpoint_ready INTEGER NOT NULL DEFAULT 0,
	checkpoint_anchor_index INTEGER,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	index_in_conversation INTEGER NOT NULL,
	role TEXT NOT NULL,
	content_json TEXT NOT NULL,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	created_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_key
	ON messages(key, index_in_conversation);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	key TEXT,
	event_type TEXT NOT NULL,
	payload_json TEXT,
	created_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_key ON events(key, created_at);
`

// Store is the telemetry writer. A Store with a nil db (open failure) stays
// functional: writes are accepted and dropped.
type Store struct {
	db    *sql.DB
	queue chan job
	done  chan struct{}
	subs  []bus.SubscriptionID
}

type job struct {
	kind    string // "state" or "event"
	payload map[string]any
}

// Open opens (or creates) the sqlite file and starts the writer. Open never
// fails hard: on any error the store degrades to a no-op sink so telemetry
// problems cannot take the proxy down.
func Open(dbPath string) *Store {
	s := &Store{
		queue: make(chan job, queueSize),
		done:  make(chan struct{}),
	}

	if err := paths.EnsureParentDir(dbPath); err != nil {
		L_warn("store: disabled, cannot create directory", "path", dbPath, "error", err)
		go s.drainLoop()
		return s
	}
	db, err := sql.Open("sqlite3", dbPath+dbOpenOptions)
	if err != nil {
		L_warn("store: disabled, cannot open database", "path", dbPath, "error", err)
		go s.drainLoop()
		return s
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		L_warn("store: disabled, schema creation failed", "error", err)
		db.Close()
		go s.drainLoop()
		return s
	}

	s.db = db
	L_info("store: opened", "path", dbPath)
	go s.writeLoop()
	return s
}

// Subscribe wires the store to the bus topics it persists.
func (s *Store) Subscribe() {
	s.subs = append(s.subs,
		bus.SubscribeEvent(bus.TopicConversationState, func(ev bus.Event) {
			if m, ok := ev.Data.(map[string]any); ok {
				s.enqueue(job{kind: "state", payload: m})
			}
		}),
		bus.SubscribeEvent(bus.TopicConversationSwap, func(ev bus.Event) {
			if m, ok := ev.Data.(map[string]any); ok {
				s.enqueue(job{kind: "event", payload: withType(m, "swap")})
			}
		}),
		bus.SubscribeEvent(bus.TopicMessageAppend, func(ev bus.Event) {
			if m, ok := ev.Data.(map[string]any); ok {
				s.enqueue(job{kind: "messages", payload: m})
			}
		}),
		bus.SubscribeEvent(bus.TopicUpstreamError, func(ev bus.Event) {
			if m, ok := ev.Data.(map[string]any); ok {
				s.enqueue(job{kind: "event", payload: withType(m, "upstream_error")})
			}
		}),
	)
}

func withType(m map[string]any, eventType string) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["event_type"] = eventType
	return out
}

// enqueue adds a write job, dropping it with a warning when the queue is
// full. Telemetry loss is preferable to blocking a bus handler.
func (s *Store) enqueue(j job) {
	select {
	case s.queue <- j:
	default:
		L_warn("store: write queue full, dropping", "kind", j.kind)
	}
}

func (s *Store) writeLoop() {
	for {
		select {
		case j := <-s.queue:
			var err error
			switch j.kind {
			case "state":
				err = s.upsertConversation(j.payload)
			case "messages":
				err = s.insertMessages(j.payload)
			case "event":
				err = s.insertEvent(j.payload)
			}
			if err != nil {
				L_warn("store: write failed", "kind", j.kind, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// drainLoop consumes and discards jobs when the database is unavailable.
func (s *Store) drainLoop() {
	for {
		select {
		case <-s.queue:
		case <-s.done:
			return
		}
	}
}

// Close unsubscribes, stops the writer, and closes the database.
func (s *Store) Close() error {
	for _, id := range s.subs {
		bus.UnsubscribeEvent(id)
	}
	close(s.done)
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) upsertConversation(m map[string]any) error {
	now := float64(time.Now().UnixMilli()) / 1000

	var anchor any
	if v, ok := m["checkpoint_anchor_index"]; ok {
		anchor = v
	}
	ready := 0
	if b, ok := m["checkpoint_ready"].(bool); ok && b {
		ready = 1
	}

	_, err := s.db.Exec(`INSERT INTO conversations
		(key, conv_id, model, context_window, phase, total_input_tokens,
		 utilization, checkpoint_ready, checkpoint_anchor_index, message_count,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			phase = excluded.phase,
			total_input_tokens = excluded.total_input_tokens,
			utilization = excluded.utilization,
			checkpoint_ready = excluded.checkpoint_ready,
			checkpoint_anchor_index = excluded.checkpoint_anchor_index,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		str(m["key"]), str(m["conv_id"]), str(m["model"]),
		num(m["context_window"]), str(m["phase"]), num(m["total_input_tokens"]),
		flt(m["utilization"]), ready, anchor, num(m["message_count"]),
		now, now,
	)
	return err
}

func (s *Store) insertEvent(m map[string]any) error {
	eventType := str(m["event_type"])
	delete(m, "event_type")

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	now := float64(time.Now().UnixMilli()) / 1000

	_, err = s.db.Exec(
		`INSERT INTO events (event_id, key, event_type, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), str(m["key"]), eventType, string(payload), now,
	)
	return err
}

func (s *Store) insertMessages(m map[string]any) error {
	key := str(m["key"])
	batch, ok := m["messages"].([]map[string]any)
	if !ok || len(batch) == 0 {
		return nil
	}
	now := float64(time.Now().UnixMilli()) / 1000

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO messages
		(key, index_in_conversation, role, content_json, token_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range batch {
		if _, err := stmt.Exec(key, num(msg["index"]), str(msg["role"]),
			str(msg["content_json"]), num(msg["token_estimate"]), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConversationRow mirrors one conversations record.
type ConversationRow struct {
	Key              string
	ConvID           string
	Model            string
	Phase            string
	TotalInputTokens int
	Utilization      float64
	UpdatedAt        float64
}

// ListConversations returns conversations newest-first.
func (s *Store) ListConversations() ([]ConversationRow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT key, conv_id, model, phase,
		total_input_tokens, utilization, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var r ConversationRow
		if err := rows.Scan(&r.Key, &r.ConvID, &r.Model, &r.Phase,
			&r.TotalInputTokens, &r.Utilization, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventRow mirrors one events record.
type EventRow struct {
	EventID   string
	Key       string
	EventType string
	Payload   string
	CreatedAt float64
}

// RecentEvents returns up to limit events newest-first, optionally filtered
// by conversation key.
func (s *Store) RecentEvents(key string, limit int) ([]EventRow, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if key != "" {
		rows, err = s.db.Query(`SELECT event_id, COALESCE(key, ''), event_type,
			COALESCE(payload_json, ''), created_at
			FROM events WHERE key = ? ORDER BY created_at DESC LIMIT ?`, key, limit)
	} else {
		rows, err = s.db.Query(`SELECT event_id, COALESCE(key, ''), event_type,
			COALESCE(payload_json, ''), created_at
			FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.EventID, &r.Key, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MessageRow mirrors one messages record.
type MessageRow struct {
	Key           string
	Index         int
	Role          string
	ContentJSON   string
	TokenEstimate int
}

// Messages returns the persisted messages for one conversation in order.
func (s *Store) Messages(key string) ([]MessageRow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT key, index_in_conversation, role,
		content_json, token_estimate
		FROM messages WHERE key = ? ORDER BY index_in_conversation`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		if err := rows.Scan(&r.Key, &r.Index, &r.Role, &r.ContentJSON, &r.TokenEstimate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes events and messages older than maxAge and returns how many
// rows went.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	cutoff := float64(time.Now().Add(-maxAge).UnixMilli()) / 1000
	var total int64
	for _, table := range []string{"events", "messages"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func flt(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
