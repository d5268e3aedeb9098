// Package config loads the gateway's process-level configuration from a
// YAML file, field by field applying defaults exactly the way the
// teacher's main.go loadConfig does: unmarshal first, then fill in every
// zero value with an explicit default, using pointer types so "omitted"
// and "explicitly zero" stay distinguishable.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StoreConfig configures the Ring-Buffer Store (spec §4.3).
type StoreConfig struct {
	Path             string `yaml:"path"`
	MaxRows          int    `yaml:"max_rows"`
	RetentionMinutes int    `yaml:"retention_minutes"`
}

// PollConfig configures the Polling Engine defaults (spec §4.4).
type PollConfig struct {
	DefaultIntervalMs int `yaml:"default_interval_ms"`
	MinIntervalMs     int `yaml:"min_interval_ms"`
}

// MetricsConfig configures the optional local Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Debug  bool `yaml:"debug"`
	Pretty *bool `yaml:"pretty"`
}

// VaultConfig configures the dev file-backed credential vault.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// Config is the gateway process's top-level configuration.
type Config struct {
	Workspace string        `yaml:"workspace"`
	Store     StoreConfig   `yaml:"store"`
	Poll      PollConfig    `yaml:"poll"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Log       LogConfig     `yaml:"log"`
	Vault     VaultConfig   `yaml:"vault"`
}

// Load reads the YAML config at path and applies defaults. Env var
// GATEWAY_CONFIG overrides path when path == "".
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG")
	}
	if path == "" {
		path = "configs/gateway.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Config) {
	if c.Workspace == "" {
		c.Workspace = "workspace.yaml"
	}
	if c.Store.Path == "" {
		c.Store.Path = "gateway.db"
	}
	if c.Store.MaxRows == 0 {
		c.Store.MaxRows = 60000
	}
	if c.Poll.DefaultIntervalMs == 0 {
		c.Poll.DefaultIntervalMs = 1000
	}
	if c.Poll.MinIntervalMs == 0 {
		c.Poll.MinIntervalMs = 100
	}
	if c.Metrics.Enabled == nil {
		v := true
		c.Metrics.Enabled = &v
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Log.Pretty == nil {
		v := true
		c.Log.Pretty = &v
	}
	if c.Vault.Path == "" {
		c.Vault.Path = "vault.json"
	}
}
