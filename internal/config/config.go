// Package config defines the on-disk TOML configuration for both binaries.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Agent is the agent process's configuration, loaded from agent.toml.
type Agent struct {
	AgentID                   string `toml:"agent_id"`
	ServerURL                 string `toml:"server_url,omitempty"`
	APIKey                    string `toml:"api_key,omitempty"`
	RetentionDays             int    `toml:"retention_days"`
	AutoUpdateTasks           bool   `toml:"auto_update_tasks"`
	MetricsFlushIntervalSecs  int    `toml:"metrics_flush_interval_seconds"`
	LocalOnly                 bool   `toml:"local_only"`
	ConfigDir                 string `toml:"-"` // set by the loader, not persisted
	CleanupIntervalHours      int    `toml:"cleanup_interval_hours,omitempty"`
}

// Validate checks the invariants spec.md lists for AgentConfig.
func (c Agent) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("config: agent_id is required")
	}
	if c.MetricsFlushIntervalSecs < 1 || c.MetricsFlushIntervalSecs > 60 {
		return fmt.Errorf("config: metrics_flush_interval_seconds must be in [1,60]")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: retention_days must be positive")
	}
	if c.LocalOnly {
		if c.ServerURL != "" || c.APIKey != "" {
			return fmt.Errorf("config: local_only=true requires server_url and api_key to be absent")
		}
	} else if c.ServerURL == "" || c.APIKey == "" {
		return fmt.Errorf("config: server_url and api_key are required unless local_only")
	}
	return nil
}

// Server is the server process's configuration, loaded from server.toml.
type Server struct {
	ListenAddr                     string   `toml:"listen_addr"`
	APIKey                         string   `toml:"api_key"`
	RetentionDays                  int      `toml:"retention_days"`
	AgentConfigsDir                string   `toml:"agent_configs_dir"`
	DataDir                        string   `toml:"data_dir"`
	BandwidthTestSizeMB            int      `toml:"bandwidth_test_size_mb"`
	ReconfigureCheckIntervalSecs   int      `toml:"reconfigure_check_interval_seconds"`
	AgentIDWhitelist               []string `toml:"agent_id_whitelist,omitempty"`
	RateLimitEnabled               bool     `toml:"rate_limit_enabled"`
	RateLimitWindowSeconds         int      `toml:"rate_limit_window_seconds"`
	RateLimitMax                   int      `toml:"rate_limit_max"`
	CleanupIntervalHours           int      `toml:"cleanup_interval_hours"`
}

// Validate checks the invariants spec.md lists for ServerConfig.
func (c Server) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("config: api_key is required")
	}
	if c.AgentConfigsDir == "" {
		return fmt.Errorf("config: agent_configs_dir is required")
	}
	if c.ReconfigureCheckIntervalSecs < 1 || c.ReconfigureCheckIntervalSecs > 300 {
		return fmt.Errorf("config: reconfigure_check_interval_seconds must be in [1,300]")
	}
	if c.BandwidthTestSizeMB <= 0 {
		return fmt.Errorf("config: bandwidth_test_size_mb must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: retention_days must be positive")
	}
	return nil
}

// LoadAgent parses and validates an agent.toml file.
func LoadAgent(path string) (Agent, error) {
	var c Agent
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.MetricsFlushIntervalSecs == 0 {
		c.MetricsFlushIntervalSecs = 5
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadServer parses and validates a server.toml file.
func LoadServer(path string) (Server, error) {
	var c Server
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// SaveAgent re-serializes c to path, used by the CLI override-persistence
// path (overrides are written back only if they changed the loaded value).
func SaveAgent(path string, c Agent) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// SaveServer re-serializes c to path.
func SaveServer(path string, c Server) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
