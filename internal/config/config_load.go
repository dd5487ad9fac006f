package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

const DefaultPort = 4300

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                    "127.0.0.1",
			Port:                    DefaultPort,
			MaxFrameBytes:           16 << 20,
			MaxMessageBytes:         4 << 20,
			AuthTimeoutSec:          10,
			PerIPConnRatePerMinute:  30,
			PerConnRPCRatePerMinute: 120,
		},
		Providers: ProvidersConfig{
			ClaudeBin: "claude",
			CodexBin:  "codex",
			CursorBin: "cursor-agent",
		},
		Sessions: SessionsConfig{
			RetentionDays: 30,
		},
		Tasks: TasksConfig{
			CheckpointEveryNEvents: 50,
			HeartbeatTimeoutSec:    90,
			HeartbeatIntervalSec:   30,
			ArchiveAfterHours:      24,
			ActivityRetentionDays:  30,
		},
		Worktrees: WorktreesConfig{
			MainBranch: "main",
		},
		Database: DatabaseConfig{
			VacuumIntervalH: 24,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "clawd",
		},
	}
}

// Load reads config from a JSON5 file, then overlays CLAWD_* env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyDataDirDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDataDirDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays CLAWD_* env vars onto the config. Env vars take
// precedence over file values, matching the teacher's applyEnvOverrides
// closure pattern.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWD_BIND", &c.Gateway.Host)
	if v := os.Getenv("CLAWD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("CLAWD_DATA_DIR", &c.Gateway.DataDir)
	if v := os.Getenv("CLAWD_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Gateway.MaxSessions = n
		}
	}
	envStr("CLAWD_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
}

// applyDataDirDefaults fills in data-dir-relative defaults once the final
// data directory is known (file config, then env override, then fallback).
func (c *Config) applyDataDirDefaults() {
	if c.Gateway.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Gateway.DataDir = filepath.Join(home, ".clawd")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Gateway.DataDir, "clawd.db")
	}
	if c.Worktrees.Root == "" {
		c.Worktrees.Root = filepath.Join(c.Gateway.DataDir, "worktrees")
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnvOverrides re-applies CLAWD_* environment overrides onto the config.
// Called after a config reload to restore runtime overrides.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
	c.applyDataDirDefaults()
}
