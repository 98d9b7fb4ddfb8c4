// Package setup performs the one-time host configuration needed for
// interception: installing the local CA into the system trust store and
// pointing api.anthropic.com at the loopback address. Both operations
// require root.
package setup

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	. "github.com/synix-dev/dbproxy/internal/logging"
)

const (
	caTrustDest = "/usr/local/share/ca-certificates/dbproxy-ca.crt"
	hostsPath   = "/etc/hosts"
	hostsEntry  = "127.0.0.1 api.anthropic.com"
)

// InstallCATrust copies the CA certificate into the system trust store and
// refreshes it with update-ca-certificates.
func InstallCATrust(caPath string) error {
	data, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("read CA certificate: %w", err)
	}
	if err := os.WriteFile(caTrustDest, data, 0o644); err != nil {
		return fmt.Errorf("install CA certificate to %s: %w", caTrustDest, err)
	}
	cmd := exec.Command("update-ca-certificates")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("update-ca-certificates: %w: %s", err, strings.TrimSpace(string(out)))
	}
	L_info("setup: CA installed into system trust", "dest", caTrustDest)
	return nil
}

// SetupHosts appends the loopback entry for the intercepted hostname to
// /etc/hosts. It is a no-op when an entry already exists.
func SetupHosts() error {
	return setupHostsFile(hostsPath)
}

func setupHostsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if strings.Contains(string(data), "api.anthropic.com") {
		L_info("setup: hosts entry already present", "path", path)
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n# dbproxy interception\n%s\n", hostsEntry); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	L_info("setup: hosts entry added", "path", path, "entry", hostsEntry)
	return nil
}
