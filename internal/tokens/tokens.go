// Package tokens maps model names to context-window sizes and provides the
// chars/4 estimate used for telemetry. The proxy never tokenizes content:
// all token accounting that drives buffer decisions comes from upstream
// usage fields.
package tokens

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	. "github.com/synix-dev/dbproxy/internal/logging"
)

// DefaultContextWindow is used for models absent from every table.
const DefaultContextWindow = 200_000

// ModelContextWindows holds the compiled-in per-model window sizes.
var ModelContextWindows = map[string]int{
	"claude-opus-4-6":            200_000,
	"claude-sonnet-4-6":          200_000,
	"claude-sonnet-4-5-20250514": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
}

var (
	overrides   map[string]int
	overridesMu sync.RWMutex
)

// modelsFile is the shape of the optional models.yaml override file:
//
//	context_windows:
//	  claude-opus-4-6: 200000
type modelsFile struct {
	ContextWindows map[string]int `yaml:"context_windows"`
}

// LoadOverrides reads a models.yaml file and merges its window table into
// the runtime overrides. File entries win over config-supplied ones.
func LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read models file: %w", err)
	}
	var mf modelsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("failed to parse models file: %w", err)
	}
	MergeOverrides(mf.ContextWindows)
	L_info("model windows loaded", "file", path, "models", len(mf.ContextWindows))
	return nil
}

// SetOverrides replaces the runtime override table.
func SetOverrides(windows map[string]int) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	overrides = windows
}

// MergeOverrides overlays entries onto the runtime override table.
func MergeOverrides(windows map[string]int) {
	if len(windows) == 0 {
		return
	}
	overridesMu.Lock()
	defer overridesMu.Unlock()
	if overrides == nil {
		overrides = make(map[string]int, len(windows))
	}
	for model, w := range windows {
		overrides[model] = w
	}
}

// ContextWindowFor returns the context window for a model: runtime override,
// then compiled table, then the default.
func ContextWindowFor(model string) int {
	overridesMu.RLock()
	if w, ok := overrides[model]; ok && w > 0 {
		overridesMu.RUnlock()
		return w
	}
	overridesMu.RUnlock()

	if w, ok := ModelContextWindows[model]; ok {
		return w
	}
	return DefaultContextWindow
}

// Estimate returns the rough token count of a string: one token per four
// characters. Telemetry only.
func Estimate(text string) int {
	return len(text) / 4
}
