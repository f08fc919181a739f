// Package config loads and validates the relay's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role discriminates which half of the tunnel this process runs.
type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

// ConfigError signals a configuration problem discovered at load or
// validation time (spec.md §4.1: bind-and-listen "fails with ConfigError
// when no address resolves").
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config is the read-only snapshot spec.md §3 describes, plus a Role
// discriminator that maps onto the core's is_local flag.
type Config struct {
	Role Role `yaml:"role"`

	// Password and Method select the shared stream cipher (see
	// internal/cipher). Method names a cipher the way shadowsocks-style
	// configs do, e.g. "chacha20".
	Password string `yaml:"password"`
	Method   string `yaml:"method"`

	// TimeoutSeconds is the idle timeout, in seconds, applied to every
	// handler (spec.md §4.3).
	TimeoutSeconds int `yaml:"timeout"`

	// Local-role listen address.
	LocalAddress string `yaml:"local_address"`
	LocalPort    int    `yaml:"local_port"`

	// Remote-role listen address, and the address a local-role process
	// dials to reach its remote counterpart.
	Server     string `yaml:"server"`
	ServerPort int    `yaml:"server_port"`

	// LogLevel / LogFormat configure internal/logging. Not part of
	// spec.md's core config keys, but every process needs them.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddress, if non-empty, is where internal/metrics exposes
	// a Prometheus /metrics endpoint. Empty disables metrics serving.
	MetricsAddress string `yaml:"metrics_address"`
}

// Timeout returns the configured idle timeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IsLocal reports whether this config runs the local role.
func (c *Config) IsLocal() bool {
	return c.Role == RoleLocal
}

// Load reads and parses a YAML config file, applying defaults and then
// validating it for the configured role.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read %s: %v", path, err)}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with sensible non-zero defaults. Load starts
// from this before unmarshalling the file on top of it.
func Default() *Config {
	return &Config{
		Role:           RoleLocal,
		Method:         "chacha20",
		TimeoutSeconds: 300,
		LocalAddress:   "127.0.0.1",
		LocalPort:      1080,
		ServerPort:     8388,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Validate checks that the fields required by the configured role are
// present, returning a *ConfigError describing the first problem found.
func (c *Config) Validate() error {
	if c.Role != RoleLocal && c.Role != RoleRemote {
		return &ConfigError{Field: "role", Msg: fmt.Sprintf("must be %q or %q, got %q", RoleLocal, RoleRemote, c.Role)}
	}
	if c.Password == "" {
		return &ConfigError{Field: "password", Msg: "must not be empty"}
	}
	if c.Method == "" {
		return &ConfigError{Field: "method", Msg: "must not be empty"}
	}
	if c.TimeoutSeconds <= 0 {
		return &ConfigError{Field: "timeout", Msg: "must be a positive number of seconds"}
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return &ConfigError{Field: "server_port", Msg: "must be between 1 and 65535"}
	}
	if c.Server == "" {
		return &ConfigError{Field: "server", Msg: "must not be empty"}
	}

	if c.IsLocal() {
		if c.LocalAddress == "" {
			return &ConfigError{Field: "local_address", Msg: "must not be empty for role=local"}
		}
		if c.LocalPort <= 0 || c.LocalPort > 65535 {
			return &ConfigError{Field: "local_port", Msg: "must be between 1 and 65535"}
		}
	}

	return nil
}
