package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
monitoring:
  enabled: true
  addr: "0.0.0.0:9001"
store_path: "/var/lib/gantry/gantry.db"
health:
  refresh_interval_seconds: 30
  probe_unknown: true
pool:
  min_workers: 2
  max_workers: 32
  high_water_pct: 75
services:
  - name: db
    address: "http://db:5000"
    timeout_ms: 1500
  - name: api
    address: "http://api:5001"
    auth_token_ref: API_TOKEN
    depends_on: [db]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen: %s", cfg.Listen)
	}
	if !cfg.Health.ProbeUnknown || cfg.Health.RefreshIntervalSeconds != 30 {
		t.Fatalf("unexpected health config: %+v", cfg.Health)
	}
	if cfg.Pool.MaxWorkers != 32 || cfg.Pool.HighWaterPct != 75 {
		t.Fatalf("unexpected pool config: %+v", cfg.Pool)
	}
	// Defaults fill the gaps.
	if cfg.Pool.QueueSize != 256 || cfg.Health.MaxConcurrentProbes != 8 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	descs := cfg.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	if descs[0].Name != "db" || descs[0].Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected db descriptor: %+v", descs[0])
	}
	if descs[1].AuthTokenRef != "API_TOKEN" || len(descs[1].DependsOn) != 1 {
		t.Fatalf("unexpected api descriptor: %+v", descs[1])
	}
}

func TestLoadRejectsDuplicateService(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: api
    address: "http://a"
  - name: api
    address: "http://b"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate service error")
	}
}

func TestLoadRejectsMissingAddress(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: api
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected missing address error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSecretsEnvAndTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# tokens\nAPI_TOKEN=abc123\n\nEMPTY=\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}

	secrets, err := LoadSecretsEnv(path)
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	if secrets["API_TOKEN"] != "abc123" {
		t.Fatalf("unexpected secrets: %v", secrets)
	}

	src := TokenSourceFrom(secrets)
	if v, ok := src("API_TOKEN"); !ok || v != "abc123" {
		t.Fatalf("expected secrets hit, got %q %v", v, ok)
	}
	t.Setenv("FALLBACK_TOKEN", "envval")
	if v, ok := src("FALLBACK_TOKEN"); !ok || v != "envval" {
		t.Fatalf("expected env fallback, got %q %v", v, ok)
	}
	if _, ok := src("ABSENT"); ok {
		t.Fatal("expected miss for absent ref")
	}
}

func TestSecretsEnvMissingFileNotFatal(t *testing.T) {
	secrets, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("missing secrets file must not error: %v", err)
	}
	if len(secrets) != 0 {
		t.Fatalf("expected empty map, got %v", secrets)
	}
}
