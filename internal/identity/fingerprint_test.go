package identity

import (
	"regexp"
	"testing"

	"github.com/synix-dev/dbproxy/internal/wire"
)

func TestFingerprintUsesSessionID(t *testing.T) {
	body := wire.Obj{
		"metadata": map[string]any{
			"user_id": "user_8f3a_account_0198c0aa-1111-7000-8000-abcdefabcdef_session_0198c0ff-4f60-7a13-8000-3aec41e4a666",
		},
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}

	fp := Fingerprint(body)
	if fp != "0198c0ff-4f60-7a13-8000-3aec41e4a666" {
		t.Errorf("Fingerprint = %q, want session uuid", fp)
	}
}

func TestFingerprintFallbackWhenNoSession(t *testing.T) {
	body := wire.Obj{
		"metadata": map[string]any{"user_id": "user_8f3a_account_x"},
		"system":   "You are a helpful assistant.",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}

	fp := Fingerprint(body)
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(fp) {
		t.Errorf("fallback fingerprint %q is not a sha256 hex digest", fp)
	}
}

func TestFingerprintFallbackDeterministic(t *testing.T) {
	mk := func(userMsg string) wire.Obj {
		return wire.Obj{
			"system": "base instructions",
			"messages": []any{
				map[string]any{"role": "assistant", "content": "ignored"},
				map[string]any{"role": "user", "content": userMsg},
			},
		}
	}

	a := Fingerprint(mk("first question"))
	b := Fingerprint(mk("first question"))
	c := Fingerprint(mk("different question"))

	if a != b {
		t.Error("same body must produce the same fingerprint")
	}
	if a == c {
		t.Error("different first user message must change the fingerprint")
	}
}

func TestFingerprintFallbackSystemPrefixMatters(t *testing.T) {
	mk := func(system string) wire.Obj {
		return wire.Obj{
			"system": system,
			"messages": []any{
				map[string]any{"role": "user", "content": "hi"},
			},
		}
	}

	if Fingerprint(mk("alpha")) == Fingerprint(mk("beta")) {
		t.Error("system prompt must feed the fallback fingerprint")
	}
}

func TestFingerprintFallbackListContent(t *testing.T) {
	body := wire.Obj{
		"system": []any{
			map[string]any{"type": "text", "text": "base"},
		},
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "hello"},
			}},
		},
	}

	fp := Fingerprint(body)
	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(fp))
	}
}

func TestFingerprintEmptySessionSuffixFallsBack(t *testing.T) {
	body := wire.Obj{
		"metadata": map[string]any{"user_id": "user_x_session_"},
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}

	fp := Fingerprint(body)
	if len(fp) != 64 {
		t.Errorf("empty session suffix should fall back to hash, got %q", fp)
	}
}
