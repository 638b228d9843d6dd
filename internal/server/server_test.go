package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/registry"
)

// fakeOrch scripts orchestrator responses per test.
type fakeOrch struct {
	services map[string]*api.Service
	err      error

	deployed  []api.DeployRequest
	pulled    []string
	propagate int
	logsOut   string
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{services: map[string]*api.Service{}}
}

func (f *fakeOrch) PullImage(_ context.Context, ref string) error {
	f.pulled = append(f.pulled, ref)
	return f.err
}

func (f *fakeOrch) BuildImage(_ context.Context, _, _ string) error { return f.err }

func (f *fakeOrch) RunDeploy(_ context.Context, req api.DeployRequest) (*api.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deployed = append(f.deployed, req)
	svc := &api.Service{Name: req.Name, Image: req.Image, Port: req.Port, Status: api.StatusRunning}
	f.services[req.Name] = svc
	return svc, nil
}

func (f *fakeOrch) AddDomain(_ context.Context, _ string, req api.AddDomainRequest) (*api.Domain, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &api.Domain{Hostname: req.Hostname, CertState: api.CertCertified}, nil
}

func (f *fakeOrch) RemoveDomain(_ context.Context, _, _ string) error { return f.err }

func (f *fakeOrch) StartService(_ context.Context, name string) (*api.Service, error) {
	return f.lookup(name)
}

func (f *fakeOrch) StopService(_ context.Context, name string) (*api.Service, error) {
	return f.lookup(name)
}

func (f *fakeOrch) DeleteService(_ context.Context, _ string) error { return f.err }

func (f *fakeOrch) GetService(_ context.Context, name string) (*api.Service, error) {
	return f.lookup(name)
}

func (f *fakeOrch) ListServices(_ context.Context) ([]api.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []api.Service
	for _, svc := range f.services {
		out = append(out, *svc)
	}
	return out, nil
}

func (f *fakeOrch) Propagate(_ context.Context) error {
	f.propagate++
	return f.err
}

func (f *fakeOrch) Logs(_ context.Context, _ string, _ api.LogKind, _ int) (string, error) {
	return f.logsOut, f.err
}

func (f *fakeOrch) lookup(name string) (*api.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	if svc, ok := f.services[name]; ok {
		return svc, nil
	}
	return nil, api.ErrServiceNotFound
}

type testServer struct {
	srv  *Server
	orch *fakeOrch
	key  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "dna.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := newFakeOrch()
	ts := &testServer{
		srv:  New(orch, store, filepath.Join(t.TempDir(), "dna.log")),
		orch: orch,
	}
	ts.key = ts.issueKey(t, "127.0.0.1:4000")
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, remoteAddr string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = remoteAddr
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.key)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) issueKey(t *testing.T, boundAddr string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys", strings.NewReader(""))
	req.RemoteAddr = boundAddr
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue key: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Key
}

func TestKeyIssuanceIsLocalOnly(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("remote key issuance: status %d, want 403", w.Code)
	}
}

func TestAuthRejects(t *testing.T) {
	ts := newTestServer(t)

	// No credentials.
	if w := ts.do(t, http.MethodGet, "/api/v1/services", "", "127.0.0.1:4000", false); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status %d, want 401", w.Code)
	}

	// Wrong secret.
	id, _, _ := splitAPIKey(ts.key)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/services", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	req.Header.Set("Authorization", "Bearer "+id+".deadbeef")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status %d, want 401", w.Code)
	}

	// Right key, wrong source address.
	if w := ts.do(t, http.MethodGet, "/api/v1/services", "", "203.0.113.9:4000", true); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong address: status %d, want 401", w.Code)
	}
}

func TestRevokedKeyStopsWorking(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/api/v1/services", "", "127.0.0.1:4000", true); w.Code != http.StatusOK {
		t.Fatalf("fresh key rejected: %d", w.Code)
	}

	id, _, _ := splitAPIKey(ts.key)
	if w := ts.do(t, http.MethodDelete, "/api/v1/keys/"+id, "", "127.0.0.1:4000", false); w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/services", "", "127.0.0.1:4000", true); w.Code != http.StatusUnauthorized {
		t.Errorf("revoked key: status %d, want 401", w.Code)
	}
}

func TestDeployTakesNameFromPath(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/services/hello/deploy",
		`{"image":"hello:latest","port":8080}`, "127.0.0.1:4000", true)
	if w.Code != http.StatusOK {
		t.Fatalf("deploy: status %d body %s", w.Code, w.Body.String())
	}
	if len(ts.orch.deployed) != 1 || ts.orch.deployed[0].Name != "hello" {
		t.Errorf("deployed = %+v", ts.orch.deployed)
	}
	var svc api.Service
	if err := json.Unmarshal(w.Body.Bytes(), &svc); err != nil {
		t.Fatal(err)
	}
	if svc.Name != "hello" || svc.Status != api.StatusRunning {
		t.Errorf("response service = %+v", svc)
	}
}

func TestDeployValidatesBody(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/services/hello/deploy",
		`{"port":8080}`, "127.0.0.1:4000", true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("deploy without image: status %d, want 400", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	// Unknown service -> 404.
	if w := ts.do(t, http.MethodGet, "/api/v1/services/ghost", "", "127.0.0.1:4000", true); w.Code != http.StatusNotFound {
		t.Errorf("unknown service: status %d, want 404", w.Code)
	}

	// Domain conflict -> 409.
	ts.orch.err = api.ErrDomainTaken
	if w := ts.do(t, http.MethodPost, "/api/v1/services/hello/domains",
		`{"hostname":"app.example.com"}`, "127.0.0.1:4000", true); w.Code != http.StatusConflict {
		t.Errorf("domain conflict: status %d, want 409", w.Code)
	}

	// Upstream tool failure -> 502 with diagnostic.
	ts.orch.err = api.NewError(api.KindCertificate, "issuance failed", nil).
		WithDiagnostic("certbot: too many requests")
	w := ts.do(t, http.MethodPost, "/api/v1/services/hello/domains",
		`{"hostname":"app.example.com"}`, "127.0.0.1:4000", true)
	if w.Code != http.StatusBadGateway {
		t.Errorf("cert failure: status %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "too many requests") {
		t.Errorf("diagnostic missing from body: %s", w.Body.String())
	}
}

func TestPullAndPropagate(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/api/v1/images/pull",
		`{"ref":"nginx:1.25"}`, "127.0.0.1:4000", true); w.Code != http.StatusOK {
		t.Fatalf("pull: status %d", w.Code)
	}
	if len(ts.orch.pulled) != 1 || ts.orch.pulled[0] != "nginx:1.25" {
		t.Errorf("pulled = %v", ts.orch.pulled)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/propagate", "", "127.0.0.1:4000", true); w.Code != http.StatusOK {
		t.Fatalf("propagate: status %d", w.Code)
	}
	if ts.orch.propagate != 1 {
		t.Errorf("propagate count = %d", ts.orch.propagate)
	}
}

func TestLogsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.orch.logsOut = "container output\n"

	w := ts.do(t, http.MethodGet, "/api/v1/logs/hello/container", "", "127.0.0.1:4000", true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "container output") {
		t.Errorf("container logs: status %d body %q", w.Code, w.Body.String())
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/logs/hello/bogus", "", "127.0.0.1:4000", true); w.Code != http.StatusBadRequest {
		t.Errorf("bogus log kind: status %d, want 400", w.Code)
	}

	if err := os.WriteFile(ts.srv.daemonLog, []byte("INFO: daemon up\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w = ts.do(t, http.MethodGet, "/api/v1/daemon/logs", "", "127.0.0.1:4000", true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "daemon up") {
		t.Errorf("daemon logs: status %d body %q", w.Code, w.Body.String())
	}
}

func TestKeySplit(t *testing.T) {
	tests := []struct {
		token  string
		id     string
		secret string
		ok     bool
	}{
		{"abc.def", "abc", "def", true},
		{"a.b.c", "a.b", "c", true},
		{"nodot", "", "", false},
		{".secret", "", "", false},
		{"id.", "", "", false},
	}
	for _, tt := range tests {
		id, secret, ok := splitAPIKey(tt.token)
		if id != tt.id || secret != tt.secret || ok != tt.ok {
			t.Errorf("splitAPIKey(%q) = %q %q %v", tt.token, id, secret, ok)
		}
	}
}
