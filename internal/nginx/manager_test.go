package nginx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/runner"
)

// fakeCommander records invocations and returns scripted results.
type fakeCommander struct {
	calls [][]string
	fail  error
}

func (f *fakeCommander) Run(ctx context.Context, name string, args ...string) (runner.Result, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail != nil {
		return runner.Result{Stderr: "nginx: [emerg] broken"}, f.fail
	}
	return runner.Result{}, nil
}

func testSpec(service string, domains ...DomainSpec) FragmentSpec {
	return FragmentSpec{
		Service:     service,
		SocketPath:  "/state/socks/" + service + ".sock",
		Domains:     domains,
		AccessLog:   "/state/logs/" + service + "-access.log",
		ErrorLog:    "/state/logs/" + service + "-error.log",
		CertLiveDir: "/etc/letsencrypt/live",
	}
}

func TestApplyWritesFragmentAndReloads(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeCommander{}
	m := NewManager(dir, "nginx", fc)

	spec := testSpec("blog", DomainSpec{Hostname: "blog.example.com"})
	changed, err := m.Apply(context.Background(), spec)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Error("first apply reported unchanged")
	}
	content, err := os.ReadFile(filepath.Join(dir, "blog.conf"))
	if err != nil {
		t.Fatalf("fragment not written: %v", err)
	}
	for _, want := range []string{
		"server_name blog.example.com",
		"listen 80;",
		"proxy_pass http://unix:/state/socks/blog.sock;",
		"include proxy_params;",
		"access_log /state/logs/blog-access.log;",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("fragment missing %q:\n%s", want, content)
		}
	}
	if len(fc.calls) != 1 {
		t.Fatalf("reloads = %d, want 1", len(fc.calls))
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeCommander{}
	m := NewManager(dir, "nginx", fc)
	spec := testSpec("blog", DomainSpec{Hostname: "blog.example.com"})

	if _, err := m.Apply(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	changed, err := m.Apply(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second apply with identical spec rewrote the fragment")
	}
	if len(fc.calls) != 1 {
		t.Errorf("reloads = %d, want exactly 1", len(fc.calls))
	}
}

func TestApplyComparesStructureNotText(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeCommander{}
	m := NewManager(dir, "nginx", fc)
	spec := testSpec("blog", DomainSpec{Hostname: "blog.example.com"})
	if _, err := m.Apply(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	// Mangle the rendered body without touching the fingerprint line:
	// incidental formatting differences must not trigger a rewrite.
	path := filepath.Join(dir, "blog.conf")
	content, _ := os.ReadFile(path)
	mangled := strings.Replace(string(content), "    ", "\t", -1)
	if err := os.WriteFile(path, []byte(mangled), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err := m.Apply(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("formatting-only difference triggered a rewrite")
	}

	// A structural change (added header) must trigger one.
	spec.Domains[0].Headers = []api.Header{{Name: "X-Real-IP", Value: "$remote_addr"}}
	changed, err = m.Apply(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("header-set change did not trigger a rewrite")
	}
}

func TestApplyWithNoDomainsRemovesFragment(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeCommander{}
	m := NewManager(dir, "nginx", fc)
	if _, err := m.Apply(context.Background(), testSpec("blog", DomainSpec{Hostname: "blog.example.com"})); err != nil {
		t.Fatal(err)
	}
	changed, err := m.Apply(context.Background(), testSpec("blog"))
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected fragment removal to report changed")
	}
	if _, err := os.Stat(filepath.Join(dir, "blog.conf")); !errors.Is(err, os.ErrNotExist) {
		t.Error("fragment still present after removal")
	}
}

func TestReloadFailureKeepsFragment(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeCommander{fail: errors.New("exit 1")}
	m := NewManager(dir, "nginx", fc)

	changed, err := m.Apply(context.Background(), testSpec("blog", DomainSpec{Hostname: "blog.example.com"}))
	if !changed {
		t.Error("fragment should have been written before the reload attempt")
	}
	if !api.IsKind(err, api.KindProxyReload) {
		t.Fatalf("err = %v, want proxy_reload kind", err)
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) && !strings.Contains(apiErr.Diagnostic, "emerg") {
		t.Errorf("diagnostic %q missing captured stderr", apiErr.Diagnostic)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "blog.conf")); statErr != nil {
		t.Error("fragment rolled back on reload failure; it must be retained")
	}
}

func TestRenderTLSAndAliases(t *testing.T) {
	spec := testSpec("blog",
		DomainSpec{Hostname: "example.com", CertName: "example.com", Default: true},
		DomainSpec{Hostname: "blog.example.com"},
	)
	out := Render(spec)

	for _, want := range []string{
		"server_name example.com www.example.com default_server;",
		"listen 443 ssl;",
		"ssl_certificate /etc/letsencrypt/live/example.com/fullchain.pem;",
		"ssl_certificate_key /etc/letsencrypt/live/example.com/privkey.pem;",
		"server_name blog.example.com;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered config missing %q:\n%s", want, out)
		}
	}
	// Non-certified subdomain gets no TLS block.
	blocks := strings.Split(out, "\nserver {")
	if strings.Contains(blocks[len(blocks)-1], "ssl_certificate") {
		t.Error("uncertified domain rendered TLS directives")
	}
	// Deterministic output for deterministic input.
	if Render(spec) != out {
		t.Error("render is not deterministic")
	}
}

func TestEnsureInclude(t *testing.T) {
	confDir := t.TempDir()
	includeDir := t.TempDir()
	m := NewManager(confDir, "nginx", &fakeCommander{})

	if err := m.EnsureInclude(includeDir, "dna"); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(includeDir, "dna.conf"))
	if err != nil {
		t.Fatal(err)
	}
	want := "include " + confDir + "/*.conf;\n"
	if string(content) != want {
		t.Errorf("stub = %q, want %q", content, want)
	}
	// Idempotent.
	if err := m.EnsureInclude(includeDir, "dna"); err != nil {
		t.Fatal(err)
	}
}
