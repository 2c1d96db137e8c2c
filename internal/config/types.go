package config

import (
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Config represents the complete snapsvc configuration.
type Config struct {
	Include    []string              `yaml:"include,omitempty"`
	Service    ServiceConfig         `yaml:"service"`
	Foreground ForegroundConfig      `yaml:"foreground"`
	Delivery   DeliveryConfig        `yaml:"delivery"`
	API        APIConfig             `yaml:"api,omitempty"`
	PluginsDir string                `yaml:"plugins_dir"`
	Plugins    map[string]PluginConf `yaml:"plugins"`

	// SourcePath is the resolved root config file.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name                 string `yaml:"name"`
	LogLevel             string `yaml:"log_level"`
	LogFormat            string `yaml:"log_format"`
	ProcessSuffix        string `yaml:"process_suffix"`
	KillSecondaryOnDrain bool   `yaml:"kill_secondary_on_drain"`
	// StateDir holds PID locks.
	StateDir string `yaml:"state_dir"`
}

// ForegroundConfig sizes the presentation slot pool.
type ForegroundConfig struct {
	Slots int `yaml:"slots"`
}

// DeliveryConfig defines the shared cross-domain alarm store.
type DeliveryConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ForwardDelay time.Duration `yaml:"forward_delay"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token, its scopes and, optionally, the worker
// key prefixes it is limited to.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
	Keys   []string `yaml:"keys,omitempty"`
}

// PluginConf defines configuration for a single plugin.
type PluginConf struct {
	Enabled bool                   `yaml:"enabled"`
	Domain  component.Domain       `yaml:"domain,omitempty"`
	Timeout time.Duration          `yaml:"timeout,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "snapsvc",
			LogLevel:      "disabled",
			LogFormat:     "json",
			ProcessSuffix: ":snap_service_fork",
			StateDir:      "./data",
		},
		Foreground: ForegroundConfig{Slots: 4},
		Delivery: DeliveryConfig{
			Path:         "./data/delivery.db",
			PollInterval: 250 * time.Millisecond,
			ForwardDelay: time.Millisecond,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		PluginsDir: "./plugins",
		Plugins:    make(map[string]PluginConf),
	}
}

// DefaultPluginTimeout applies when a plugin entry sets no timeout.
const DefaultPluginTimeout = 60 * time.Second

// EnabledPlugins returns enabled plugin entries.
func (c *Config) EnabledPlugins() map[string]PluginConf {
	out := make(map[string]PluginConf, len(c.Plugins))
	for name, p := range c.Plugins {
		if p.Enabled {
			out[name] = p
		}
	}
	return out
}
