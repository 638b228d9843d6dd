// Package config loads the daemon configuration from YAML with defaults
// and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "30s" or "240h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	// StateDir holds the registry database, sockets, logs, and build
	// contexts.
	StateDir string `yaml:"state_dir"`

	// Listen is the REST API bind address.
	Listen string `yaml:"listen"`

	// DefaultDomain, when bound to a service, is served as the proxy's
	// default_server.
	DefaultDomain string `yaml:"default_domain"`

	// ExecTimeout bounds every external command the daemon spawns.
	ExecTimeout Duration `yaml:"exec_timeout"`

	Engine Engine `yaml:"engine"`
	Proxy  Proxy  `yaml:"proxy"`
	Certs  Certs  `yaml:"certs"`
	Bridge Bridge `yaml:"bridge"`
}

// Engine configures the container engine CLI.
type Engine struct {
	Bin string `yaml:"bin"`
	// PruneAge is the unused-image age threshold swept after deploys.
	PruneAge Duration `yaml:"prune_age"`
}

// Proxy configures the reverse proxy integration.
type Proxy struct {
	Bin string `yaml:"bin"`
	// IncludeDir is the proxy's drop-in directory where the instance
	// stub is written (conf.d).
	IncludeDir string `yaml:"include_dir"`
}

// Certs configures the ACME client integration.
type Certs struct {
	Bin       string   `yaml:"bin"`
	LiveDir   string   `yaml:"live_dir"`
	Email     string   `yaml:"email"`
	ExtraArgs []string `yaml:"extra_args"`
	// Preflight enables a DNS resolvability check before issuance.
	Preflight bool `yaml:"preflight"`
}

// Bridge configures the socket bridge.
type Bridge struct {
	Network string `yaml:"network"`
	// Workers bounds concurrent socket binds during startup.
	Workers int `yaml:"workers"`
}

// Load reads, defaults, and validates the configuration at path. A missing
// file yields the pure-default configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	SetDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields with working values.
func SetDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/dna"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8089"
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = Duration(5 * time.Minute)
	}
	if cfg.Engine.Bin == "" {
		cfg.Engine.Bin = "docker"
	}
	if cfg.Engine.PruneAge == 0 {
		cfg.Engine.PruneAge = Duration(240 * time.Hour)
	}
	if cfg.Proxy.Bin == "" {
		cfg.Proxy.Bin = "nginx"
	}
	if cfg.Proxy.IncludeDir == "" {
		cfg.Proxy.IncludeDir = "/etc/nginx/conf.d"
	}
	if cfg.Certs.Bin == "" {
		cfg.Certs.Bin = "certbot"
	}
	if cfg.Certs.LiveDir == "" {
		cfg.Certs.LiveDir = "/etc/letsencrypt/live"
	}
	if cfg.Bridge.Network == "" {
		cfg.Bridge.Network = "dna-bridge"
	}
	if cfg.Bridge.Workers == 0 {
		cfg.Bridge.Workers = 4
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	if !filepath.IsAbs(cfg.StateDir) {
		return fmt.Errorf("state_dir must be absolute, got %q", cfg.StateDir)
	}
	if !filepath.IsAbs(cfg.Proxy.IncludeDir) {
		return fmt.Errorf("proxy include_dir must be absolute, got %q", cfg.Proxy.IncludeDir)
	}
	if !filepath.IsAbs(cfg.Certs.LiveDir) {
		return fmt.Errorf("certs live_dir must be absolute, got %q", cfg.Certs.LiveDir)
	}
	if !strings.Contains(cfg.Listen, ":") {
		return fmt.Errorf("listen must be host:port, got %q", cfg.Listen)
	}
	if cfg.ExecTimeout.Std() < time.Second {
		return fmt.Errorf("exec_timeout too small: %s", cfg.ExecTimeout.Std())
	}
	if cfg.Bridge.Workers < 1 {
		return fmt.Errorf("bridge workers must be positive, got %d", cfg.Bridge.Workers)
	}
	if cfg.DefaultDomain != "" && strings.Contains(cfg.DefaultDomain, "/") {
		return fmt.Errorf("default_domain is not a hostname: %q", cfg.DefaultDomain)
	}
	return nil
}

// Derived state-directory paths.

func (c *Config) DatabasePath() string { return filepath.Join(c.StateDir, "dna.db") }
func (c *Config) SocksDir() string     { return filepath.Join(c.StateDir, "socks") }
func (c *Config) LogsDir() string      { return filepath.Join(c.StateDir, "logs") }
func (c *Config) NginxDir() string     { return filepath.Join(c.StateDir, "nginx") }
func (c *Config) SocatDir() string     { return filepath.Join(c.StateDir, "socat") }
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.LogsDir(), "dna.log")
}
