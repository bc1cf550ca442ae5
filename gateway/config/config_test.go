package config

import (
	"os"
	"path/filepath"
	"testing"

	"paketd/gateway/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paketd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ListenAddress != ":8545" {
		t.Fatalf("listen = %s", cfg.ListenAddress)
	}
	if cfg.AuthMode() != auth.ModeProduction {
		t.Fatalf("auth mode = %s", cfg.AuthMode())
	}
	if !cfg.Observability.Metrics {
		t.Fatalf("metrics should default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
environment: staging
sandbox: true
auth:
  mode: debug-no-signature
node:
  rpcURL: https://node.example.com:8645
  authToken: secret
storage:
  registryPath: /var/lib/paketd/registry.db
  noncePath: /var/lib/paketd/nonces
rateLimit:
  ratePerSecond: 5
  burst: 10
webhooks:
  - name: ops
    url: https://hooks.example.com/paket
    secret: hunter2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen = %s", cfg.ListenAddress)
	}
	if cfg.AuthMode() != auth.ModeDebugNoSignature {
		t.Fatalf("auth mode = %s", cfg.AuthMode())
	}
	if cfg.Node.AuthToken != "secret" {
		t.Fatalf("node token = %s", cfg.Node.AuthToken)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Name != "ops" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("PAKETD_CONFIG", "/etc/paketd/env.yaml")
	if got := ResolvePath("/etc/paketd/flag.yaml"); got != "/etc/paketd/flag.yaml" {
		t.Fatalf("flag should win: %s", got)
	}
	if got := ResolvePath(""); got != "/etc/paketd/env.yaml" {
		t.Fatalf("env fallback = %s", got)
	}
	t.Setenv("PAKETD_CONFIG", "")
	if got := ResolvePath(""); got != "" {
		t.Fatalf("empty everything = %s", got)
	}
}

func TestLoadRejectsDebugModeOutsideSandbox(t *testing.T) {
	path := writeConfig(t, `
auth:
  mode: debug-no-signature
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for debug mode without sandbox")
	}
}

func TestLoadRejectsUnknownAuthMode(t *testing.T) {
	path := writeConfig(t, `
auth:
  mode: wide-open
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown auth mode")
	}
}

func TestLoadRejectsMissingRegistryPath(t *testing.T) {
	path := writeConfig(t, `
storage:
  registryPath: ""
  noncePath: nonces
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty registry path")
	}
}
