package tokens

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContextWindowFor(t *testing.T) {
	if w := ContextWindowFor("claude-opus-4-6"); w != 200_000 {
		t.Errorf("known model window = %d", w)
	}
	if w := ContextWindowFor("some-future-model"); w != DefaultContextWindow {
		t.Errorf("unknown model window = %d, want default", w)
	}
}

func TestOverridesWinOverDefaults(t *testing.T) {
	SetOverrides(map[string]int{"claude-opus-4-6": 500_000})
	defer SetOverrides(nil)
	if w := ContextWindowFor("claude-opus-4-6"); w != 500_000 {
		t.Errorf("override ignored: %d", w)
	}
	if w := ContextWindowFor("claude-sonnet-4-6"); w != 200_000 {
		t.Errorf("non-overridden model changed: %d", w)
	}
}

func TestMergeOverridesLayering(t *testing.T) {
	SetOverrides(map[string]int{"model-a": 1_000, "model-b": 2_000})
	defer SetOverrides(nil)
	MergeOverrides(map[string]int{"model-b": 3_000, "model-c": 4_000})

	if w := ContextWindowFor("model-a"); w != 1_000 {
		t.Errorf("untouched entry changed: %d", w)
	}
	if w := ContextWindowFor("model-b"); w != 3_000 {
		t.Errorf("merged entry = %d, want 3000", w)
	}
	if w := ContextWindowFor("model-c"); w != 4_000 {
		t.Errorf("new entry = %d, want 4000", w)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := "context_windows:\n  test-model: 123000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	defer SetOverrides(nil)

	if err := LoadOverrides(path); err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if w := ContextWindowFor("test-model"); w != 123_000 {
		t.Errorf("window = %d, want 123000", w)
	}
}

func TestEstimate(t *testing.T) {
	if n := Estimate("abcdefgh"); n != 2 {
		t.Errorf("Estimate = %d, want 2", n)
	}
	if n := Estimate(""); n != 0 {
		t.Errorf("Estimate(empty) = %d", n)
	}
}
