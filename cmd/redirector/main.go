package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/redirector"
)

const version = "0.1.0"

var cli struct {
	Host        string `help:"Listen address." default:"0.0.0.0" env:"DBPROXY_REDIRECTOR_HOST"`
	Port        int    `help:"Listen port." default:"8080" env:"DBPROXY_REDIRECTOR_PORT"`
	ProxyTarget string `help:"Where redirected tunnels land." default:"127.0.0.1:443" env:"DBPROXY_REDIRECTOR_TARGET"`
	LogLevel    string `help:"Log level." default:"info" env:"DBPROXY_LOG_LEVEL"`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("redirector %s\n", version)
		return
	}
	kong.Parse(&cli,
		kong.Name("redirector"),
		kong.Description("CONNECT proxy that redirects api.anthropic.com tunnels to the local proxy."),
	)
	_ = godotenv.Load()

	Init(&Config{Level: ParseLevel(cli.LogLevel), ShowCaller: true})
	L_info("redirector %s starting", version)

	r := redirector.New(fmt.Sprintf("%s:%d", cli.Host, cli.Port), cli.ProxyTarget)
	errc := make(chan error, 1)
	go func() { errc <- r.Serve() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		L_info("shutting down", "signal", sig.String())
		r.Close()
	case err := <-errc:
		if err != nil {
			L_fatal("redirector failed: %v", err)
		}
	}
}
