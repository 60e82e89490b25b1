package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/chengis" {
		t.Errorf("expected /var/lib/chengis, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
	if cfg.SecretsBackend != "local" {
		t.Errorf("expected local secrets backend, got %s", cfg.SecretsBackend)
	}
	if cfg.Dispatch.TickIntervalDuration() != 500*time.Millisecond {
		t.Errorf("expected 500ms tick interval, got %s", cfg.Dispatch.TickIntervalDuration())
	}
	if cfg.Dispatch.BatchSize != 32 {
		t.Errorf("expected batch size 32, got %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Dispatch.BuildCeilingDuration() != 4*time.Hour {
		t.Errorf("expected 4h build ceiling, got %s", cfg.Dispatch.BuildCeilingDuration())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"data_dir": "/tmp/test",
		"auth_enabled": true,
		"secrets_backend": "vault",
		"secrets_fallback_to_local": true,
		"dispatch": {"batch_size": 64, "breaker_failures": 3}
	}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/test" {
		t.Errorf("expected /tmp/test, got %s", cfg.DataDir)
	}
	if !cfg.AuthEnabled {
		t.Error("expected auth enabled")
	}
	if cfg.SecretsBackend != "vault" {
		t.Errorf("expected vault backend, got %s", cfg.SecretsBackend)
	}
	if !cfg.SecretsFallback {
		t.Error("expected secrets fallback enabled")
	}
	if cfg.Dispatch.BatchSize != 64 {
		t.Errorf("expected batch size 64, got %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Dispatch.BreakerFailures != 3 {
		t.Errorf("expected breaker failures 3, got %d", cfg.Dispatch.BreakerFailures)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CHENGIS_LISTEN_ADDR", ":7070")
	t.Setenv("CHENGIS_AUTH", "true")
	t.Setenv("CHENGIS_DISPATCH_BATCH_SIZE", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if !cfg.AuthEnabled {
		t.Error("env CHENGIS_AUTH=true should enable auth")
	}
	if cfg.Dispatch.BatchSize != 8 {
		t.Errorf("env should override dispatch batch size: got %d", cfg.Dispatch.BatchSize)
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("CHENGIS_DATA_DIR", "/tmp/env-test")
	t.Setenv("CHENGIS_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()
	if cfg.DataDir != "/tmp/env-test" {
		t.Errorf("expected /tmp/env-test, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.SecretsBackend = "vault"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.SecretsBackend != "vault" {
		t.Errorf("expected vault, got %s", loaded.SecretsBackend)
	}
}

func TestHasTLS(t *testing.T) {
	cfg := Default()
	if cfg.HasTLS() {
		t.Error("default should not have TLS")
	}
	cfg.TLSCert = "/path/cert.pem"
	cfg.TLSKey = "/path/key.pem"
	if !cfg.HasTLS() {
		t.Error("should have TLS with both cert and key")
	}
}

func TestDispatchDurationDefaults(t *testing.T) {
	var d DispatchConfig
	if d.TickIntervalDuration() != 500*time.Millisecond {
		t.Errorf("expected default tick interval 500ms, got %s", d.TickIntervalDuration())
	}
	if d.HeartbeatIntervalDuration() != 15*time.Second {
		t.Errorf("expected default heartbeat 15s, got %s", d.HeartbeatIntervalDuration())
	}
	d.TickInterval = "not-a-duration"
	if d.TickIntervalDuration() != 500*time.Millisecond {
		t.Errorf("invalid duration string should fall back to default")
	}
}
