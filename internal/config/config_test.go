package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// minimal valid stanza appended to test configs.
const requiredYAML = `
crypto:
  secret_key: "0123456789abcdef0123456789abcdef"
upstream:
  base_url: "https://assist.example.com"
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := requiredYAML + `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
sessions:
  ttl: 30m
providers:
  - name: primary
    csesidx: tok-abc
    cookies: "session=xyz"
    max_concurrent: 5
keys:
  - key: mra_seed0123456789
    user_id: alice
    daily_limit: 500
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Sessions.TTL != 30*time.Minute {
		t.Errorf("ttl = %v, want 30m", cfg.Sessions.TTL)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].CSesIdx != "tok-abc" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if len(cfg.Keys) != 1 || cfg.Keys[0].UserID != "alice" {
		t.Errorf("keys = %+v", cfg.Keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, requiredYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "moria.db" {
		t.Errorf("default dsn = %q, want moria.db", cfg.Database.DSN)
	}
	if cfg.Scheduler.FailureThreshold != 5 {
		t.Errorf("failure threshold = %d, want 5", cfg.Scheduler.FailureThreshold)
	}
	if cfg.Scheduler.Cooldown != 5*time.Minute {
		t.Errorf("cooldown = %v, want 5m", cfg.Scheduler.Cooldown)
	}
	if cfg.Logs.Retention != 30*24*time.Hour {
		t.Errorf("retention = %v, want 720h", cfg.Logs.Retention)
	}
	if len(cfg.Media.Keywords) == 0 {
		t.Error("default media keywords missing")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_CSESIDX", "tok-from-env")

	result := expandEnv([]byte("csesidx: ${TEST_CSESIDX}"))
	if string(result) != "csesidx: tok-from-env" {
		t.Errorf("expandEnv = %q", string(result))
	}

	// Unset variables are left verbatim.
	result = expandEnv([]byte("csesidx: ${TEST_UNSET_VARIABLE_42}"))
	if string(result) != "csesidx: ${TEST_UNSET_VARIABLE_42}" {
		t.Errorf("expandEnv = %q", string(result))
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	// Short secret key.
	_, err := Load(writeConfig(t, `
crypto:
  secret_key: "too-short"
upstream:
  base_url: "https://assist.example.com"
`))
	if err == nil || !strings.Contains(err.Error(), "secret_key") {
		t.Errorf("err = %v, want secret_key error", err)
	}

	// Missing upstream URL.
	_, err = Load(writeConfig(t, `
crypto:
  secret_key: "0123456789abcdef0123456789abcdef"
`))
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Errorf("err = %v, want base_url error", err)
	}
}
