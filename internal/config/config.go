// Package config provides project configuration management.
//
// This package handles reading and writing .hangar/config.yaml files and
// locating the project root that contains them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigDirName is the per-project configuration directory.
const ConfigDirName = ".hangar"

// ConfigFileName is the configuration file inside ConfigDirName.
const ConfigFileName = "config.yaml"

// Config represents the .hangar/config.yaml file.
type Config struct {
	// Tool contains the dev tool subprocess configuration.
	Tool ToolConfig `yaml:"tool"`

	// Sessions contains session limits and retention.
	Sessions SessionsConfig `yaml:"sessions,omitempty"`

	// VM contains introspection connection tuning.
	VM VMConfig `yaml:"vm,omitempty"`

	// Watch contains file watching configuration.
	Watch WatchConfig `yaml:"watch,omitempty"`
}

// ToolConfig contains the dev tool subprocess configuration.
type ToolConfig struct {
	// Command is the executable to spawn (e.g. "flutter").
	Command string `yaml:"command"`

	// Args are the arguments that put the tool into machine mode.
	Args []string `yaml:"args,omitempty"`

	// Env holds extra environment entries in KEY=VALUE form.
	Env []string `yaml:"env,omitempty"`
}

// SessionsConfig contains session limits and retention.
type SessionsConfig struct {
	// Max caps concurrent sessions (1-9). Default 9.
	Max int `yaml:"max,omitempty"`

	// LogLines is the per-session log buffer capacity. Default 2000.
	LogLines int `yaml:"log_lines,omitempty"`

	// RequestTimeoutSec bounds control protocol requests. Default 30.
	RequestTimeoutSec int `yaml:"request_timeout_sec,omitempty"`

	// ShutdownTimeoutSec bounds graceful session shutdown. Default 5.
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec,omitempty"`
}

// VMConfig contains introspection connection tuning.
type VMConfig struct {
	// DialTimeoutSec bounds each connection attempt. Default 10.
	DialTimeoutSec int `yaml:"dial_timeout_sec,omitempty"`

	// HeartbeatSec is the liveness probe interval. Default 5.
	HeartbeatSec int `yaml:"heartbeat_sec,omitempty"`

	// HeartbeatThreshold is consecutive probe failures before the connection
	// is declared dead. Default 3.
	HeartbeatThreshold int `yaml:"heartbeat_threshold,omitempty"`

	// BackoffBaseSec is the first reconnect delay. Default 1.
	BackoffBaseSec int `yaml:"backoff_base_sec,omitempty"`

	// BackoffCapSec caps reconnect delays. Default 30.
	BackoffCapSec int `yaml:"backoff_cap_sec,omitempty"`

	// MaxReconnects is the attempt limit before giving up. Default 10.
	MaxReconnects int `yaml:"max_reconnects,omitempty"`

	// Streams lists event streams to subscribe to on every connect.
	Streams []string `yaml:"streams,omitempty"`
}

// WatchConfig contains file watching configuration.
type WatchConfig struct {
	// Paths are directories to watch, relative to the project root.
	// Default: ["lib"].
	Paths []string `yaml:"paths,omitempty"`

	// Extensions are the file extensions that count as source changes.
	// Default: [".dart"].
	Extensions []string `yaml:"extensions,omitempty"`

	// DebounceMs is the quiet period before a change batch is emitted.
	// Default 500.
	DebounceMs int `yaml:"debounce_ms,omitempty"`
}

// Default returns a Config with every field at its default value.
func Default() *Config {
	return &Config{
		Tool: ToolConfig{
			Command: "flutter",
			Args:    []string{"run", "--machine"},
		},
		Sessions: SessionsConfig{
			Max:                9,
			LogLines:           2000,
			RequestTimeoutSec:  30,
			ShutdownTimeoutSec: 5,
		},
		VM: VMConfig{
			DialTimeoutSec:     10,
			HeartbeatSec:       5,
			HeartbeatThreshold: 3,
			BackoffBaseSec:     1,
			BackoffCapSec:      30,
			MaxReconnects:      10,
			Streams:            []string{"Isolate", "Extension"},
		},
		Watch: WatchConfig{
			Paths:      []string{"lib"},
			Extensions: []string{".dart"},
			DebounceMs: 500,
		},
	}
}

// applyDefaults fills zero-valued fields with defaults so callers never need
// to check for unset tuning values.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Tool.Command == "" {
		c.Tool.Command = d.Tool.Command
		if len(c.Tool.Args) == 0 {
			c.Tool.Args = d.Tool.Args
		}
	}
	if c.Sessions.Max <= 0 || c.Sessions.Max > 9 {
		c.Sessions.Max = d.Sessions.Max
	}
	if c.Sessions.LogLines <= 0 {
		c.Sessions.LogLines = d.Sessions.LogLines
	}
	if c.Sessions.RequestTimeoutSec <= 0 {
		c.Sessions.RequestTimeoutSec = d.Sessions.RequestTimeoutSec
	}
	if c.Sessions.ShutdownTimeoutSec <= 0 {
		c.Sessions.ShutdownTimeoutSec = d.Sessions.ShutdownTimeoutSec
	}
	if c.VM.DialTimeoutSec <= 0 {
		c.VM.DialTimeoutSec = d.VM.DialTimeoutSec
	}
	if c.VM.HeartbeatSec <= 0 {
		c.VM.HeartbeatSec = d.VM.HeartbeatSec
	}
	if c.VM.HeartbeatThreshold <= 0 {
		c.VM.HeartbeatThreshold = d.VM.HeartbeatThreshold
	}
	if c.VM.BackoffBaseSec <= 0 {
		c.VM.BackoffBaseSec = d.VM.BackoffBaseSec
	}
	if c.VM.BackoffCapSec <= 0 {
		c.VM.BackoffCapSec = d.VM.BackoffCapSec
	}
	if c.VM.MaxReconnects <= 0 {
		c.VM.MaxReconnects = d.VM.MaxReconnects
	}
	if len(c.VM.Streams) == 0 {
		c.VM.Streams = d.VM.Streams
	}
	if len(c.Watch.Paths) == 0 {
		c.Watch.Paths = d.Watch.Paths
	}
	if len(c.Watch.Extensions) == 0 {
		c.Watch.Extensions = d.Watch.Extensions
	}
	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = d.Watch.DebounceMs
	}
}

// RequestTimeout returns the control protocol request bound as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sessions.RequestTimeoutSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Sessions.ShutdownTimeoutSec) * time.Second
}

// Debounce returns the watch quiet period as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// Load loads the configuration for a project root. A missing config file is
// not an error; defaults are returned.
//
// Parameters:
//   - root: The project root directory
//
// Returns:
//   - *Config: The loaded configuration with defaults applied
//   - error: Any error other than the file being absent
func Load(root string) (*Config, error) {
	path := filepath.Join(root, ConfigDirName, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Write writes the configuration under root, creating the config directory
// when needed.
//
// Parameters:
//   - root: The project root directory
//   - cfg: The configuration to write
//
// Returns:
//   - error: Any error that occurred during writing
func Write(root string, cfg *Config) error {
	dir := filepath.Join(root, ConfigDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Hangar Configuration\n\n"
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindRoot walks up from start looking for a directory containing
// ConfigDirName. When none is found, start itself is returned so the tool
// still works in unconfigured projects.
//
// Parameters:
//   - start: The directory to begin the search from
//
// Returns:
//   - string: The project root
func FindRoot(start string) string {
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, ConfigDirName)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}
