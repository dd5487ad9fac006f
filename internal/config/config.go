// Package config loads and holds clawd's runtime configuration.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// Config is the root configuration for the clawd daemon.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Accounts  []AccountSpec   `json:"accounts,omitempty"`
	Providers ProvidersConfig `json:"providers"`
	Sessions  SessionsConfig  `json:"sessions"`
	Tasks     TasksConfig     `json:"tasks"`
	Worktrees WorktreesConfig `json:"worktrees"`
	Database  DatabaseConfig  `json:"database"`
	License   LicenseConfig   `json:"license"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig controls the IPC dispatch plane.
type GatewayConfig struct {
	Host                    string `json:"host"`                               // bind address (default "127.0.0.1")
	Port                    int    `json:"port"`                               // default 4300
	DataDir                 string `json:"data_dir,omitempty"`                 // default ~/.clawd
	MaxSessions             int    `json:"max_sessions,omitempty"`             // 0 = unlimited
	MaxFrameBytes           int    `json:"max_frame_bytes,omitempty"`          // default 16 MiB
	MaxMessageBytes         int    `json:"max_message_bytes,omitempty"`        // per-frame ceiling, default 4 MiB
	AuthTimeoutSec          int    `json:"auth_timeout_sec,omitempty"`         // default 10
	PerIPConnRatePerMinute  int    `json:"per_ip_conn_rate_per_minute,omitempty"`  // default 30
	PerConnRPCRatePerMinute int    `json:"per_conn_rpc_rate_per_minute,omitempty"` // default 120
	AllowedOrigins          []string `json:"allowed_origins,omitempty"`        // empty = allow all
}

// AccountSpec is a configured provider account (credentials reference only —
// the credential material itself lives wherever the provider CLI expects it,
// e.g. the CLI's own logged-in keychain entry).
type AccountSpec struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"` // "claude" | "codex" | "cursor"
	DisplayName string `json:"display_name,omitempty"`
	Priority    int    `json:"priority"`
	CredRef     string `json:"cred_ref,omitempty"`
}

// ProvidersConfig locates the CLI binaries for each supported provider.
type ProvidersConfig struct {
	ClaudeBin string   `json:"claude_bin,omitempty"` // default "claude"
	CodexBin  string   `json:"codex_bin,omitempty"`  // default "codex"
	CursorBin string   `json:"cursor_bin,omitempty"` // default "cursor-agent"
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// SessionsConfig controls session persistence and retention.
type SessionsConfig struct {
	RetentionDays int `json:"retention_days,omitempty"` // prune sessions older than N days (default 30)
}

// TasksConfig controls the task engine's supervisory cadences.
type TasksConfig struct {
	CheckpointEveryNEvents int `json:"checkpoint_every_n_events,omitempty"` // default 50
	HeartbeatTimeoutSec    int `json:"heartbeat_timeout_sec,omitempty"`     // default 90
	HeartbeatIntervalSec   int `json:"heartbeat_interval_sec,omitempty"`    // janitor tick, default 30
	ArchiveAfterHours      int `json:"archive_after_hours,omitempty"`       // default 24
	ActivityRetentionDays  int `json:"activity_retention_days,omitempty"`   // default 30
}

// WorktreesConfig controls the worktree manager.
type WorktreesConfig struct {
	Root       string `json:"root,omitempty"`        // default {data_dir}/worktrees; checked by doctor only, the worktree manager always uses {data_dir}/worktrees
	MainBranch string `json:"main_branch,omitempty"` // default "main"
}

// DatabaseConfig configures the persistent store.
type DatabaseConfig struct {
	Path            string `json:"path,omitempty"` // default {data_dir}/clawd.db
	VacuumIntervalH int    `json:"vacuum_interval_hours,omitempty"` // default 24
}

// LicenseConfig gates account auto-switch and the account-count cap.
type LicenseConfig struct {
	AutoSwitch bool `json:"auto_switch,omitempty"` // Personal Remote+ tier
	MaxAccounts int  `json:"max_accounts,omitempty"` // 0 = unlimited
}

// TelemetryConfig configures OpenTelemetry trace export. Disabled (a no-op
// tracer) unless Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"` // default "clawd"
	Insecure    bool   `json:"insecure,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Accounts = src.Accounts
	c.Providers = src.Providers
	c.Sessions = src.Sessions
	c.Tasks = src.Tasks
	c.Worktrees = src.Worktrees
	c.Database = src.Database
	c.License = src.License
	c.Telemetry = src.Telemetry
}

// Hash returns a short SHA-256 prefix of the config for optimistic concurrency
// in `daemon.status` responses.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
