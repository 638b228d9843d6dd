package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dna.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.StateDir != "/var/lib/dna" {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
	if cfg.Engine.Bin != "docker" || cfg.Proxy.Bin != "nginx" || cfg.Certs.Bin != "certbot" {
		t.Errorf("binary defaults = %q %q %q", cfg.Engine.Bin, cfg.Proxy.Bin, cfg.Certs.Bin)
	}
	if cfg.Engine.PruneAge.Std() != 240*time.Hour {
		t.Errorf("prune age = %s, want 240h", cfg.Engine.PruneAge.Std())
	}
	if cfg.Bridge.Workers != 4 {
		t.Errorf("bridge workers = %d", cfg.Bridge.Workers)
	}
	if cfg.DatabasePath() != "/var/lib/dna/dna.db" {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
state_dir: /srv/dna
listen: 0.0.0.0:9000
default_domain: example.com
exec_timeout: 30s
engine:
  bin: podman
  prune_age: 48h
proxy:
  include_dir: /etc/nginx/sites-enabled
certs:
  email: ops@example.com
  extra_args: ["--nginx"]
  preflight: true
bridge:
  network: custom-net
  workers: 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/srv/dna" || cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Engine.Bin != "podman" || cfg.Engine.PruneAge.Std() != 48*time.Hour {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Certs.Email != "ops@example.com" || !cfg.Certs.Preflight || len(cfg.Certs.ExtraArgs) != 1 {
		t.Errorf("certs = %+v", cfg.Certs)
	}
	if cfg.Bridge.Network != "custom-net" || cfg.Bridge.Workers != 8 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
	// Unset fields still default.
	if cfg.Certs.Bin != "certbot" {
		t.Errorf("certs bin = %q, want default", cfg.Certs.Bin)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"relative state dir", "state_dir: relative/dir"},
		{"bad listen", "listen: nocolon"},
		{"tiny exec timeout", "exec_timeout: 1ms"},
		{"bogus yaml", "state_dir: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Errorf("config %q accepted", tt.content)
			}
		})
	}
}
