// Package config provides configuration parsing and validation for the
// relay server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
	"gopkg.in/yaml.v3"
)

// Config is the complete relay configuration (spec §6).
type Config struct {
	Passwd string `yaml:"passwd"`

	BindAddr string `yaml:"bind_addr"`
	BindPort uint16 `yaml:"bind_port"`

	Method string `yaml:"method"`

	// Timeout is the TCP dial timeout in milliseconds. A value of 0 is
	// treated as "no timeout" (no deadline set on dial), not as the
	// immediate-expiry interpretation the original Rust server gives a
	// zero-duration tokio timeout. Operators relying on the original's
	// "0 fires instantly" behavior will see a behavior change here.
	Timeout uint32 `yaml:"timeout"`

	UDP UDPConfig `yaml:"udp"`
	Log LogConfig `yaml:"log"`

	Plugin *PluginConfig `yaml:"plugin"`
}

// UDPConfig controls the UDP route table (§3 "UDP route entry", §4.8).
type UDPConfig struct {
	// Capacity bounds the number of concurrent client route entries.
	Capacity int `yaml:"capacity"`
	// ExpiryTime is both the route entry TTL and the cleanup tick
	// interval, in seconds.
	ExpiryTime int `yaml:"expiry_time"`
}

// LogConfig controls observability output. It is not part of the relay
// core (§6: "observability, not core").
type LogConfig struct {
	Level       string `yaml:"level"`
	Console     bool   `yaml:"console"`
	FileDir     string `yaml:"file_dir"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the /metrics endpoint
}

// PluginConfig describes a SIP003 plugin subprocess (§4.9).
type PluginConfig struct {
	Name string   `yaml:"name"`
	Opts string   `yaml:"opts"`
	Args []string `yaml:"args"`
}

// DefaultUDPConfig returns the route table defaults used when a config
// file omits the udp section.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		Capacity:   256,
		ExpiryTime: 300,
	}
}

// DefaultLogConfig returns the logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:   "info",
		Console: true,
	}
}

// Default returns a Config with every field at its documented default,
// suitable as the base Parse unmarshals YAML on top of.
func Default() *Config {
	return &Config{
		BindAddr: "0.0.0.0",
		Method:   cipherkind.AES256GCM.String(),
		UDP:      DefaultUDPConfig(),
		Log:      DefaultLogConfig(),
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variable references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Passwd == "" {
		errs = append(errs, "passwd is required")
	}
	if c.BindAddr == "" {
		errs = append(errs, "bind_addr is required")
	}
	if c.BindPort == 0 {
		errs = append(errs, "bind_port is required")
	}
	if _, err := cipherkind.ParseKind(c.Method); err != nil {
		errs = append(errs, err.Error())
	} else if k, _ := cipherkind.ParseKind(c.Method); k == cipherkind.None {
		errs = append(errs, "method must be a concrete cipher, not none")
	}
	if c.UDP.Capacity <= 0 {
		errs = append(errs, "udp.capacity must be positive")
	}
	if c.UDP.ExpiryTime <= 0 {
		errs = append(errs, "udp.expiry_time must be positive")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if c.Plugin != nil && c.Plugin.Name == "" {
		errs = append(errs, "plugin.name is required when plugin is configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// DialTimeout returns the configured dial timeout, or zero (no deadline)
// per the Timeout field's documented convention.
func (c *Config) DialTimeout() time.Duration {
	if c.Timeout == 0 {
		return 0
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// ExpiryDuration returns udp.expiry_time as a time.Duration.
func (c *UDPConfig) ExpiryDuration() time.Duration {
	return time.Duration(c.ExpiryTime) * time.Second
}

// String returns a string representation of the config with the
// passphrase redacted, safe to log.
func (c *Config) String() string {
	redacted := *c
	if redacted.Passwd != "" {
		redacted.Passwd = redactedValue
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}

const redactedValue = "[REDACTED]"
