// Package config provides configuration loading for the Chengis master process.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all master-process configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Root directory under which per-build workspaces are created.
	WorkspaceRoot string `json:"workspace_root"`
	// Data directory for SQLite databases (default "/var/lib/chengis")
	DataDir string `json:"data_dir"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Auth
	AuthEnabled bool `json:"auth_enabled"`

	// Signing key for HMAC (hex-encoded, 64+ chars), used for agent-command
	// signing (the fleet key is derived from it). Webhook signatures are
	// verified against their own per-provider secrets instead.
	SigningKey string `json:"signing_key,omitempty"`

	// Secrets backend: "local" (AES-GCM) or "vault".
	SecretsBackend   string `json:"secrets_backend"`
	SecretsFallback  bool   `json:"secrets_fallback_to_local"`
	SecretsMasterKey string `json:"secrets_master_key,omitempty"`

	// Dispatch tuning.
	Dispatch DispatchConfig `json:"dispatch"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL used in notification links (e.g. https://ci.example.com)
	ExternalURL string `json:"external_url,omitempty"`
}

// DispatchConfig tunes the dispatcher/agent-registry loop (C7).
type DispatchConfig struct {
	TickInterval      string `json:"tick_interval"`
	BatchSize         int    `json:"batch_size"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	BreakerFailures   int    `json:"breaker_failures"`
	BreakerWindow     string `json:"breaker_window"`
	BreakerCooldown   string `json:"breaker_cooldown"`
	MaxParallelSteps  int    `json:"max_parallel_steps"`
	BuildCeiling      string `json:"build_ceiling"`
	StageTimeoutSlack string `json:"stage_timeout_slack"`
}

// TickIntervalDuration parses TickInterval, defaulting to 500ms.
func (d DispatchConfig) TickIntervalDuration() time.Duration {
	return durationOrDefault(d.TickInterval, 500*time.Millisecond)
}

// HeartbeatIntervalDuration parses HeartbeatInterval, defaulting to 15s.
func (d DispatchConfig) HeartbeatIntervalDuration() time.Duration {
	return durationOrDefault(d.HeartbeatInterval, 15*time.Second)
}

// BreakerWindowDuration parses BreakerWindow, defaulting to 60s.
func (d DispatchConfig) BreakerWindowDuration() time.Duration {
	return durationOrDefault(d.BreakerWindow, 60*time.Second)
}

// BreakerCooldownDuration parses BreakerCooldown, defaulting to 30s.
func (d DispatchConfig) BreakerCooldownDuration() time.Duration {
	return durationOrDefault(d.BreakerCooldown, 30*time.Second)
}

// BuildCeilingDuration parses BuildCeiling, defaulting to 4h.
func (d DispatchConfig) BuildCeilingDuration() time.Duration {
	return durationOrDefault(d.BuildCeiling, 4*time.Hour)
}

// StageTimeoutSlackDuration parses StageTimeoutSlack, defaulting to 10s.
func (d DispatchConfig) StageTimeoutSlackDuration() time.Duration {
	return durationOrDefault(d.StageTimeoutSlack, 10*time.Second)
}

func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		WorkspaceRoot:   "/var/lib/chengis/workspaces",
		DataDir:         "/var/lib/chengis",
		LogLevel:        "info",
		SecretsBackend:  "local",
		SecretsFallback: false,
		Dispatch: DispatchConfig{
			TickInterval:      "500ms",
			BatchSize:         32,
			HeartbeatInterval: "15s",
			BreakerFailures:   5,
			BreakerWindow:     "60s",
			BreakerCooldown:   "30s",
			MaxParallelSteps:  16,
			BuildCeiling:      "4h",
			StageTimeoutSlack: "10s",
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("CHENGIS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHENGIS_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("CHENGIS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHENGIS_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("CHENGIS_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("CHENGIS_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHENGIS_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("CHENGIS_SECRETS_BACKEND"); v != "" {
		cfg.SecretsBackend = v
	}
	if v := os.Getenv("CHENGIS_SECRETS_FALLBACK_TO_LOCAL"); v != "" {
		cfg.SecretsFallback = v == "true" || v == "1"
	}
	if v := os.Getenv("CHENGIS_SECRETS_MASTER_KEY"); v != "" {
		cfg.SecretsMasterKey = v
	}
	if v := os.Getenv("CHENGIS_DISPATCH_TICK_INTERVAL"); v != "" {
		cfg.Dispatch.TickInterval = v
	}
	if v := os.Getenv("CHENGIS_DISPATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.BatchSize = n
		}
	}
	if v := os.Getenv("CHENGIS_DISPATCH_HEARTBEAT_INTERVAL"); v != "" {
		cfg.Dispatch.HeartbeatInterval = v
	}
	if v := os.Getenv("CHENGIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHENGIS_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
