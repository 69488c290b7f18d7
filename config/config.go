// Package config loads the listener's startup configuration. Loading and
// validating it is the caller's (cmd/beaconsrv's) responsibility; failure
// here is always fatal (spec §6), so every exported helper returns a plain
// error and leaves the exit(1) decision to main.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ListenerType selects the transport the listener binds.
type ListenerType string

const (
	ListenerHTTP  ListenerType = "HTTP"
	ListenerHTTPS ListenerType = "HTTPS"
)

// Paths holds the four configurable endpoint prefixes (spec §4.9); methods
// are fixed by the protocol and not configurable.
type Paths struct {
	Register  string `yaml:"register"`
	Task      string `yaml:"task"`
	Result    string `yaml:"result"`
	Reconnect string `yaml:"reconnect"`
}

// Auth holds the two header shibboleths every request must present.
type Auth struct {
	CorrelationKey string `yaml:"correlation_key"`
	UserAgent      string `yaml:"user_agent"`
}

// TLS holds the HTTPS cert/key pair. Ignored when Listener.Type is HTTP.
type TLS struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// Config is the full listener configuration, loaded once at startup.
type Config struct {
	Listener struct {
		Type ListenerType `yaml:"type"`
		Host string       `yaml:"host"`
		Port int          `yaml:"port"`
	} `yaml:"listener"`

	Paths Paths `yaml:"paths"`
	Auth  Auth  `yaml:"auth"`
	TLS   TLS   `yaml:"tls"`

	// XORKey is the process-startup secret (listener_xor_key, spec §4.1)
	// used to mask implant keys on the wire. Never logged.
	XORKey string `yaml:"xor_key"`

	DBPath     string `yaml:"db_path"`
	UploadsDir string `yaml:"uploads_dir"`
	LogLevel   string `yaml:"log_level"`

	// TraceSQL enables per-query SQL tracing (see package trace) for the
	// protocol and side databases. Off by default: every check-in hits the
	// database, so unconditional tracing would dominate the logs.
	TraceSQL bool `yaml:"trace_sql"`

	// TrustProxyHeaders controls whether ip_external is taken from
	// X-Forwarded-For/X-Real-IP instead of the raw connection (spec §4.5).
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

func (c *Config) defaults() {
	if c.Listener.Type == "" {
		c.Listener.Type = ListenerHTTP
	}
	if c.Listener.Host == "" {
		c.Listener.Host = "0.0.0.0"
	}
	if c.Listener.Port == 0 {
		c.Listener.Port = 8080
	}
	if c.Paths.Register == "" {
		c.Paths.Register = "/register"
	}
	if c.Paths.Task == "" {
		c.Paths.Task = "/task"
	}
	if c.Paths.Result == "" {
		c.Paths.Result = "/result"
	}
	if c.Paths.Reconnect == "" {
		c.Paths.Reconnect = "/reconnect"
	}
	if c.DBPath == "" {
		c.DBPath = "beaconsrv.db"
	}
	if c.UploadsDir == "" {
		c.UploadsDir = "uploads"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the invariants the listener cannot safely start without.
func (c *Config) Validate() error {
	switch c.Listener.Type {
	case ListenerHTTP, ListenerHTTPS:
	default:
		return fmt.Errorf("config: listener.type must be HTTP or HTTPS, got %q", c.Listener.Type)
	}
	if c.Listener.Type == ListenerHTTPS {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("config: tls.cert_path and tls.key_path are required when listener.type is HTTPS")
		}
	}
	if c.Auth.CorrelationKey == "" {
		return fmt.Errorf("config: auth.correlation_key must not be empty")
	}
	if c.Auth.UserAgent == "" {
		return fmt.Errorf("config: auth.user_agent must not be empty")
	}
	if c.XORKey == "" {
		return fmt.Errorf("config: xor_key must not be empty")
	}
	if c.Listener.Port <= 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("config: listener.port out of range: %d", c.Listener.Port)
	}
	return nil
}

// Load reads and parses a YAML config file, applies defaults for optional
// fields, and validates the result. Any error here is fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
