package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	cronlib "github.com/robfig/cron/v3"

	"github.com/synix-dev/dbproxy/internal/bus"
	"github.com/synix-dev/dbproxy/internal/config"
	"github.com/synix-dev/dbproxy/internal/dashboard"
	"github.com/synix-dev/dbproxy/internal/identity"
	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/paths"
	"github.com/synix-dev/dbproxy/internal/proxy"
	"github.com/synix-dev/dbproxy/internal/setup"
	"github.com/synix-dev/dbproxy/internal/store"
	"github.com/synix-dev/dbproxy/internal/tlsca"
	"github.com/synix-dev/dbproxy/internal/tokens"
	"github.com/synix-dev/dbproxy/internal/upstream"
)

const version = "0.1.0"

var cli struct {
	Config      string `help:"Path to config file (TOML)." type:"path"`
	Host        string `help:"Listen address override."`
	Port        int    `help:"Listen port override."`
	Passthrough bool   `help:"Forward everything untouched, track tokens only."`
	LogLevel    string `help:"Log level (trace, debug, info, warn, error)."`
	SetupTLS    bool   `name:"setup-tls" help:"Generate certificates, install the CA system-wide, then exit."`
	SetupHosts  bool   `name:"setup-hosts" help:"Add the /etc/hosts interception entry, then exit."`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("dbproxy %s\n", version)
		return
	}
	kong.Parse(&cli,
		kong.Name("dbproxy"),
		kong.Description("TLS-intercepting proxy that precomputes conversation checkpoints."),
	)

	// .env is optional; environment overrides still apply without it.
	_ = godotenv.Load()

	if err := run(); err != nil {
		L_fatal("dbproxy failed: %v", err)
	}
}

func run() error {
	cfgPath := cli.Config
	firstRun := false
	if cfgPath == "" {
		if p, err := paths.DefaultConfigPath(); err == nil {
			cfgPath = p
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				firstRun = true
			}
		}
	}
	loadPath := cfgPath
	if firstRun {
		loadPath = ""
	}
	cfg, err := config.Load(loadPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg)
	config.SetCurrent(cfg)
	if firstRun && cfgPath != "" {
		if err := cfg.Save(cfgPath); err != nil {
			L_warn("could not write starter config", "path", cfgPath, "error", err)
		} else {
			L_info("starter config written", "path", cfgPath)
		}
	}

	Init(&Config{
		Level:      ParseLevel(cfg.LogLevel),
		ShowCaller: true,
		Dir:        cfg.LogDir,
	})
	L_info("dbproxy %s starting", version)
	L_object("config", cfg)

	if cli.SetupHosts {
		return setup.SetupHosts()
	}

	certs, err := tlsca.EnsureCerts(cfg.TLSCADir)
	if err != nil {
		return fmt.Errorf("tls certificates: %w", err)
	}
	if cli.SetupTLS {
		return setup.InstallCATrust(certs.CA)
	}
	if certs.CAGenerated() {
		L_warn("new CA generated, run 'dbproxy --setup-tls' as root to trust it")
	}

	if modelsPath, err := paths.ModelsPath(cfg.ModelsFile); err == nil {
		if err := tokens.LoadOverrides(modelsPath); err != nil {
			L_warn("models file not loaded", "path", modelsPath, "error", err)
		}
	}
	tokens.MergeOverrides(cfg.ModelContextWindows)

	db := store.Open(cfg.DBPath)
	db.Subscribe()
	defer db.Close()

	registry := identity.NewRegistry(time.Duration(cfg.ConversationTTLSeconds) * time.Second)
	registry.RegisterCommands()

	client, err := upstream.NewClient(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}
	defer client.CloseIdle()

	dash := dashboard.New(registry)
	dash.Start()
	defer dash.Stop()

	sched := cronlib.New()
	if _, err := sched.AddFunc("@every 60s", func() {
		bus.SendCommandAsync(bus.ComponentRegistry, bus.CmdExpire, nil)
	}); err != nil {
		return fmt.Errorf("schedule expiry: %w", err)
	}
	if _, err := sched.AddFunc("@every 1h", func() {
		if n, err := db.Prune(7 * 24 * time.Hour); err != nil {
			L_warn("event prune failed", "error", err)
		} else if n > 0 {
			L_debug("pruned old events", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfgPath != "" {
		if watcher, err := config.NewWatcher(cfgPath); err != nil {
			L_warn("config watcher unavailable", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			L_warn("config watcher failed to start", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	tlsConf, err := tlsca.ServerTLSConfig(certs)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}

	handler := proxy.NewHandler(registry, client)
	srv := proxy.NewServer(proxy.ServerConfig{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		TLS:  tlsConf,
	}, handler, dash.Mount)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	L_info("proxy listening",
		"addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"upstream", cfg.UpstreamURL,
		"passthrough", cfg.Passthrough,
	)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		L_info("shutting down", "signal", sig.String())
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	SetShuttingDown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		L_warn("shutdown incomplete", "error", err)
	}
	return nil
}

// applyFlags layers CLI overrides on top of the loaded config.
func applyFlags(cfg *config.Config) {
	if cli.Host != "" {
		cfg.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Port = cli.Port
	}
	if cli.Passthrough {
		cfg.Passthrough = true
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
}
