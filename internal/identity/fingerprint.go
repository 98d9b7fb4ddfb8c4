// Package identity assigns conversations a stable fingerprint and tracks the
// live buffer manager for each (fingerprint, model) pair.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// systemPrefixLength bounds how much of the system prompt feeds the fallback
// fingerprint. The client's stable base instructions run several KB; the
// first 1000 chars capture the identity without the dynamic tail.
const systemPrefixLength = 1000

// Clients embed a per-conversation session UUID at the end of
// metadata.user_id: user_{hash}_account_{uuid}_session_{uuid}.
var sessionRe = regexp.MustCompile(`_session_([0-9a-f-]+)$`)

// Fingerprint computes a conversation fingerprint from a /v1/messages body.
// Prefers the session UUID from metadata.user_id, which is stable across all
// requests of one conversation. Falls back to a SHA-256 over the system
// prompt prefix and the first user message.
func Fingerprint(body wire.Obj) string {
	userID := ""
	if md, ok := body.Map("metadata"); ok {
		userID = md.StrOr("user_id", "")
	}

	if m := sessionRe.FindStringSubmatch(userID); m != nil {
		L_debug("fingerprint: session id",
			"session_id", head(m[1], 16),
			"user_id", head(userID, 80))
		return m[1]
	}

	fp := fallbackFingerprint(body)
	L_debug("fingerprint: content hash", "fingerprint", head(fp, 16))
	return fp
}

// fallbackFingerprint hashes the system prompt prefix plus the first user
// message. Only the prefix of the system prompt is used because its tail may
// change between requests.
func fallbackFingerprint(body wire.Obj) string {
	var parts []string

	switch system := body["system"].(type) {
	case string:
		parts = append(parts, head(system, systemPrefixLength))
	case []any:
		if data, err := json.Marshal(system); err == nil {
			parts = append(parts, head(string(data), systemPrefixLength))
		}
	}

	for _, msg := range body.Messages() {
		if msg.StrOr("role", "") != "user" {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			parts = append(parts, content)
		case []any:
			if data, err := json.Marshal(content); err == nil {
				parts = append(parts, string(data))
			}
		}
		break
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n---\n")))
	return hex.EncodeToString(sum[:])
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
