package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/synix-dev/dbproxy/internal/bus"
	"github.com/synix-dev/dbproxy/internal/logging"
)

// Watcher re-reads the config file when it changes, installs the new
// configuration via SetCurrent, and publishes it on the bus. Only the fields
// read per request (thresholds, compact trigger, passthrough, log level)
// take effect without a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the config file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory: editors replace files by rename, which drops
	// a direct file watch.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	logging.L_info("config: watching for changes", "file", w.path)

	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching the config file.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	close(w.stopCh)
	w.watcher.Close()
	w.running = false
	logging.L_debug("config: watcher stopped")
}

// watchLoop is the main event loop for file watching
func (w *Watcher) watchLoop(ctx context.Context) {
	targetFile := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			logging.L_debug("config: watcher context cancelled")
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != targetFile {
				continue
			}

			// Create covers rename-replace saves, Write covers in-place
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logging.L_trace("config: file modified", "file", targetFile)
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

// reload parses the changed file. A file that fails to parse or validate
// leaves the previous configuration in place.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.L_warn("config: reload failed, keeping previous config", "error", err)
		return
	}

	old := Current()
	SetCurrent(cfg)

	logging.L_info("config: reloaded",
		"checkpoint_threshold", cfg.CheckpointThreshold,
		"swap_threshold", cfg.SwapThreshold,
		"compact_trigger_tokens", cfg.CompactTriggerTokens,
		"passthrough", cfg.Passthrough,
	)
	warnRestartOnly(old, cfg)

	bus.PublishEventWithSource(bus.TopicConfigReloaded, cfg, "config")
}

// warnRestartOnly flags changed fields that only apply at startup.
func warnRestartOnly(old, next *Config) {
	if old == nil {
		return
	}
	if old.Host != next.Host || old.Port != next.Port {
		logging.L_warn("config: host/port changed, restart required to take effect")
	}
	if old.UpstreamURL != next.UpstreamURL {
		logging.L_warn("config: upstream_url changed, restart required to take effect")
	}
	if old.DBPath != next.DBPath {
		logging.L_warn("config: db_path changed, restart required to take effect")
	}
	if old.TLSCADir != next.TLSCADir {
		logging.L_warn("config: tls_ca_dir changed, restart required to take effect")
	}
	if old.LogDir != next.LogDir {
		logging.L_warn("config: log_dir changed, restart required to take effect")
	}
}
