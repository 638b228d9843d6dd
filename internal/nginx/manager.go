package nginx

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/runner"
)

const fingerprintPrefix = "# dna:fingerprint "

// Manager owns the fragment directory and the nginx reload trigger.
type Manager struct {
	confDir   string
	reloadBin string
	run       runner.Commander
}

// NewManager returns a Manager writing fragments into confDir and
// reloading via reloadBin (normally "nginx").
func NewManager(confDir, reloadBin string, run runner.Commander) *Manager {
	if reloadBin == "" {
		reloadBin = "nginx"
	}
	return &Manager{confDir: confDir, reloadBin: reloadBin, run: run}
}

// FragmentPath returns the on-disk location of a service's fragment.
func (m *Manager) FragmentPath(service string) string {
	return filepath.Join(m.confDir, service+".conf")
}

// EnsureInclude writes the one-line stub in the reverse proxy's include
// directory that pulls in this instance's fragment directory.
func (m *Manager) EnsureInclude(includeDir, instance string) error {
	stub := fmt.Sprintf("include %s/*.conf;\n", strings.TrimSuffix(m.confDir, "/"))
	path := filepath.Join(includeDir, instance+".conf")
	if current, err := os.ReadFile(path); err == nil && string(current) == stub {
		return nil
	}
	if err := os.MkdirAll(includeDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(stub), 0o644)
}

// Fingerprint hashes the structural content of a fragment spec: service,
// upstream socket, and the ordered domain/header/cert sets. Formatting-only
// changes to the rendered text do not alter it.
func Fingerprint(spec FragmentSpec) string {
	type hdr struct{ N, V string }
	type dom struct {
		H, C    string
		D       bool
		Headers []hdr
	}
	structural := struct {
		Service string
		Socket  string
		Domains []dom
	}{Service: spec.Service, Socket: spec.SocketPath}
	for _, d := range spec.Domains {
		sd := dom{H: d.Hostname, C: d.CertName, D: d.Default}
		for _, h := range d.Headers {
			sd.Headers = append(sd.Headers, hdr{h.Name, h.Value})
		}
		structural.Domains = append(structural.Domains, sd)
	}
	encoded, _ := json.Marshal(structural)
	return fmt.Sprintf("%x", sha256.Sum256(encoded))
}

// Apply brings the service's fragment in line with spec. When the existing
// fragment already carries the same structural fingerprint nothing is
// written and no reload happens; otherwise the fragment is (re)written and
// nginx reloaded. Returns whether the fragment changed. A reload failure
// leaves the fragment in place and surfaces as a proxy_reload error.
func (m *Manager) Apply(ctx context.Context, spec FragmentSpec) (bool, error) {
	if len(spec.Domains) == 0 {
		return m.Remove(ctx, spec.Service)
	}
	fp := Fingerprint(spec)
	path := m.FragmentPath(spec.Service)
	if existing, err := os.ReadFile(path); err == nil {
		if current, ok := readFingerprint(string(existing)); ok && current == fp {
			return false, nil
		}
	}
	if err := os.MkdirAll(m.confDir, 0o755); err != nil {
		return false, err
	}
	content := fingerprintPrefix + fp + "\n" + Render(spec)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write fragment for %s: %w", spec.Service, err)
	}
	log.Printf("INFO: nginx: wrote fragment for service %s (%d domains)", spec.Service, len(spec.Domains))
	if err := m.Reload(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Remove deletes the service's fragment and reloads. Removing a fragment
// that does not exist is a no-op.
func (m *Manager) Remove(ctx context.Context, service string) (bool, error) {
	path := m.FragmentPath(service)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove fragment for %s: %w", service, err)
	}
	log.Printf("INFO: nginx: removed fragment for service %s", service)
	if err := m.Reload(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Reload asks the running nginx to re-read its configuration.
func (m *Manager) Reload(ctx context.Context) error {
	res, err := m.run.Run(ctx, m.reloadBin, "-s", "reload")
	if err != nil {
		return api.NewError(api.KindProxyReload, "nginx reload failed", err).
			WithDiagnostic(res.Combined())
	}
	return nil
}

func readFingerprint(content string) (string, bool) {
	line, _, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(line, fingerprintPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, fingerprintPrefix)), true
}
