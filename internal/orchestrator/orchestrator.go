// Package orchestrator coordinates the container engine, socket bridge,
// reverse proxy, and certificate manager around the service registry. Every
// public operation leaves the registry describing the state it just made
// true on the host.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/cert"
	"github.com/itsvs/dna/internal/docker"
	"github.com/itsvs/dna/internal/nginx"
	"github.com/itsvs/dna/internal/registry"
)

// Engine is the container engine surface the orchestrator drives.
type Engine interface {
	Pull(ctx context.Context, ref string) error
	Build(ctx context.Context, contextDir, tag string) error
	Run(ctx context.Context, spec docker.RunSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Wipe(ctx context.Context, nameOrID string) error
	Inspect(ctx context.Context, nameOrID string) (docker.State, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	NetworkContainers(ctx context.Context, name string) (map[string]string, error)
	PruneImages(ctx context.Context, age time.Duration) error
}

// SocketBridge forwards service containers onto host unix sockets.
type SocketBridge interface {
	Network() string
	SockPath(service string) string
	Bind(ctx context.Context, service string, port int) error
	Unbind(ctx context.Context, service string) error
}

// Proxy maintains per-service reverse proxy fragments.
type Proxy interface {
	Apply(ctx context.Context, spec nginx.FragmentSpec) (bool, error)
	Remove(ctx context.Context, service string) (bool, error)
}

// Certifier obtains and revokes TLS certificates.
type Certifier interface {
	Ensure(ctx context.Context, hostname string, wildcard, forceExact bool) (string, error)
	Revoke(ctx context.Context, certName string) error
	Installed(hostname string, forceExact bool) (name string, wildcard, ok bool)
}

// Options carries instance-level orchestrator settings.
type Options struct {
	// DefaultDomain, when bound to a service, becomes the proxy's
	// default_server.
	DefaultDomain string
	// CertLiveDir is the certificate lineage root referenced in fragments.
	CertLiveDir string
	// LogsDir holds the per-service proxy log files and the daemon log.
	LogsDir string
	// PruneAge is the unused-image age threshold swept after deploys.
	PruneAge time.Duration
}

// Orchestrator is the single entry point for service lifecycle operations.
type Orchestrator struct {
	store  *registry.Store
	engine Engine
	bridge SocketBridge
	proxy  Proxy
	certs  Certifier
	opts   Options
}

// New wires an Orchestrator. PruneAge defaults to ten days.
func New(store *registry.Store, engine Engine, br SocketBridge, proxy Proxy, certs Certifier, opts Options) *Orchestrator {
	if opts.PruneAge <= 0 {
		opts.PruneAge = 240 * time.Hour
	}
	return &Orchestrator{
		store:  store,
		engine: engine,
		bridge: br,
		proxy:  proxy,
		certs:  certs,
		opts:   opts,
	}
}

// PullImage fetches an image from its registry.
func (o *Orchestrator) PullImage(ctx context.Context, ref string) error {
	return o.engine.Pull(ctx, ref)
}

// BuildImage builds a local context into a tagged image.
func (o *Orchestrator) BuildImage(ctx context.Context, contextDir, tag string) error {
	return o.engine.Build(ctx, contextDir, tag)
}

// ServiceNameFromImage derives the default service name from an image
// reference: the last path segment, minus tag and digest.
func ServiceNameFromImage(ref string) string {
	name := ref
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

// RunDeploy creates or replaces a service: any previous container with the
// same name is wiped, a fresh one starts on the bridge network, its socket
// is bound, the registry records the deploy, and requested domains are
// attached. Deploying the same request twice converges to the same state.
func (o *Orchestrator) RunDeploy(ctx context.Context, req api.DeployRequest) (*api.Service, error) {
	name := req.Name
	if name == "" {
		name = ServiceNameFromImage(req.Image)
	}
	if err := docker.ValidateName(name); err != nil {
		return nil, api.NewError(api.KindContainer, "invalid service name", err)
	}

	if err := o.engine.Wipe(ctx, name); err != nil {
		return nil, err
	}
	id, err := o.engine.Run(ctx, docker.RunSpec{
		Name:    name,
		Image:   req.Image,
		Network: o.bridge.Network(),
	})
	if err != nil {
		return nil, err
	}
	if err := o.bridge.Bind(ctx, name, req.Port); err != nil {
		return nil, err
	}
	if err := o.store.UpsertDeploy(ctx, name, req.Image, req.Port, id); err != nil {
		return nil, err
	}
	log.Printf("INFO: deployed %s (%s) as %s", name, req.Image, id)

	for _, d := range req.Domains {
		if _, err := o.AddDomain(ctx, name, api.AddDomainRequest{
			Hostname:   d.Hostname,
			Wildcard:   d.Wildcard,
			ForceExact: d.ForceExact,
			Headers:    d.Headers,
		}); err != nil {
			return nil, err
		}
	}

	if err := o.engine.PruneImages(ctx, o.opts.PruneAge); err != nil {
		log.Printf("WARN: image prune after deploy: %v", err)
	}
	return o.store.GetService(ctx, name)
}

// AddDomain binds hostname to service and drives it to a terminal
// certificate state. The fragment is applied twice: first plain HTTP so
// the issuance challenge can be answered, then again with TLS once the
// certificate lands. A failed issuance leaves the binding FAILED and out
// of the fragment. A binding that is already CERTIFIED for the same
// wildcard mode is returned as-is; the fragment and certificate are not
// touched, so redeploys converge without churning the proxy.
func (o *Orchestrator) AddDomain(ctx context.Context, service string, req api.AddDomainRequest) (*api.Domain, error) {
	existing, owner, err := o.store.GetDomain(ctx, req.Hostname)
	switch {
	case err == nil:
		if owner == service && existing.CertState == api.CertCertified && existing.Wildcard == req.Wildcard {
			return existing, nil
		}
	case !errors.Is(err, api.ErrDomainNotBound):
		return nil, err
	}

	if err := o.store.BindDomain(ctx, service, req.Hostname, req.Wildcard, req.Headers); err != nil {
		return nil, err
	}
	if err := o.store.SetCertState(ctx, req.Hostname, api.CertPending); err != nil {
		return nil, err
	}
	if err := o.applyProxy(ctx, service); err != nil {
		return nil, err
	}

	certName, err := o.certs.Ensure(ctx, req.Hostname, req.Wildcard, req.ForceExact)
	if err != nil {
		log.Printf("ERROR: certificate for %s: %v", req.Hostname, err)
		if stateErr := o.store.SetCertState(ctx, req.Hostname, api.CertFailed); stateErr != nil {
			return nil, stateErr
		}
		if applyErr := o.applyProxy(ctx, service); applyErr != nil {
			log.Printf("WARN: reapply fragment for %s after failed issuance: %v", service, applyErr)
		}
		return nil, err
	}
	log.Printf("INFO: %s certified under lineage %s", req.Hostname, certName)
	if err := o.store.SetCertState(ctx, req.Hostname, api.CertCertified); err != nil {
		return nil, err
	}
	if err := o.applyProxy(ctx, service); err != nil {
		return nil, err
	}

	d, _, err := o.store.GetDomain(ctx, req.Hostname)
	return d, err
}

// RemoveDomain unbinds hostname from service, reapplies the fragment, and
// revokes the certificate when no other binding can share it. Revocation
// failure is logged, not returned; the lineage then expires on its own.
func (o *Orchestrator) RemoveDomain(ctx context.Context, service, hostname string) error {
	d, owner, err := o.store.GetDomain(ctx, hostname)
	if err != nil {
		return err
	}
	if owner != service {
		return api.ErrDomainNotBound
	}
	if err := o.store.UnbindDomain(ctx, service, hostname); err != nil {
		return err
	}
	if err := o.applyProxy(ctx, service); err != nil {
		return err
	}
	if d.CertState == api.CertCertified && !d.Wildcard {
		if err := o.certs.Revoke(ctx, cert.CertName(hostname, false)); err != nil {
			log.Printf("WARN: revoke %s: %v", hostname, err)
		}
	}
	return nil
}

// StartService starts a stopped service container and records it running.
func (o *Orchestrator) StartService(ctx context.Context, name string) (*api.Service, error) {
	if _, err := o.store.GetService(ctx, name); err != nil {
		return nil, err
	}
	st, err := o.engine.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		if err := o.engine.Start(ctx, st.ID); err != nil {
			return nil, err
		}
	}
	if err := o.store.SetRuntime(ctx, name, st.ID, api.StatusRunning); err != nil {
		return nil, err
	}
	return o.store.GetService(ctx, name)
}

// StopService stops a service container. The registry drops the container
// ID: only running services carry one.
func (o *Orchestrator) StopService(ctx context.Context, name string) (*api.Service, error) {
	svc, err := o.store.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	if svc.ContainerID != "" {
		if err := o.engine.Stop(ctx, svc.ContainerID); err != nil {
			return nil, err
		}
	}
	if err := o.store.SetRuntime(ctx, name, "", api.StatusStopped); err != nil {
		return nil, err
	}
	return o.store.GetService(ctx, name)
}

// DeleteService tears a service down completely: proxy fragment, socket
// forward, container, domain bindings, and registry row. Certificates for
// its exact-mode domains are revoked best-effort.
func (o *Orchestrator) DeleteService(ctx context.Context, name string) error {
	svc, err := o.store.GetService(ctx, name)
	if err != nil {
		return err
	}

	// Stop routing traffic before touching the container.
	if _, err := o.proxy.Remove(ctx, name); err != nil {
		return err
	}
	if err := o.bridge.Unbind(ctx, name); err != nil {
		log.Printf("WARN: unbind socket for %s: %v", name, err)
	}
	if err := o.engine.Wipe(ctx, name); err != nil {
		return err
	}
	for _, d := range svc.Domains {
		if d.CertState == api.CertCertified && !d.Wildcard {
			if err := o.certs.Revoke(ctx, cert.CertName(d.Hostname, false)); err != nil {
				log.Printf("WARN: revoke %s: %v", d.Hostname, err)
			}
		}
	}
	if err := o.store.DeleteService(ctx, name); err != nil {
		return err
	}
	log.Printf("INFO: deleted service %s and %d domain binding(s)", name, len(svc.Domains))
	return nil
}

// GetService returns the registry snapshot for one service.
func (o *Orchestrator) GetService(ctx context.Context, name string) (*api.Service, error) {
	return o.store.GetService(ctx, name)
}

// ListServices returns all registered services.
func (o *Orchestrator) ListServices(ctx context.Context) ([]api.Service, error) {
	return o.store.ListServices(ctx)
}

// Propagate reconciles the registry against the engine. Services recorded
// running whose containers are gone or stopped are marked stopped; stopped
// services found running are re-adopted; unmanaged containers on the
// bridge network are registered so they become visible and deletable.
func (o *Orchestrator) Propagate(ctx context.Context) error {
	services, err := o.store.ListServices(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(services))
	for _, svc := range services {
		known[svc.Name] = true
		st, err := o.engine.Inspect(ctx, svc.Name)
		switch {
		case err != nil && !errors.Is(err, api.ErrServiceNotFound):
			// Engine trouble, not a missing container. Leave the row alone.
			return fmt.Errorf("propagate: inspect %s: %w", svc.Name, err)
		case err != nil || !st.Running:
			if svc.Status == api.StatusRunning {
				log.Printf("WARN: propagate: %s recorded running but is not; marking stopped", svc.Name)
				if err := o.store.SetRuntime(ctx, svc.Name, "", api.StatusStopped); err != nil {
					return err
				}
			}
		case svc.Status != api.StatusRunning || svc.ContainerID != st.ID:
			log.Printf("INFO: propagate: %s is running as %s", svc.Name, st.ID)
			if err := o.store.SetRuntime(ctx, svc.Name, st.ID, api.StatusRunning); err != nil {
				return err
			}
		}
	}

	attached, err := o.engine.NetworkContainers(ctx, o.bridge.Network())
	if err != nil {
		return err
	}
	for id, name := range attached {
		if known[name] || strings.HasPrefix(name, "dna.") {
			continue
		}
		st, err := o.engine.Inspect(ctx, id)
		if err != nil {
			continue
		}
		log.Printf("INFO: propagate: adopting unmanaged container %s (%s)", name, st.Image)
		if err := o.store.UpsertDeploy(ctx, name, st.Image, 0, st.ID); err != nil {
			return err
		}
		if !st.Running {
			if err := o.store.SetRuntime(ctx, name, "", api.StatusStopped); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bindings returns the socket forwards every running service needs, for
// bridge restoration at daemon start.
func (o *Orchestrator) Bindings(ctx context.Context) ([]Binding, error) {
	services, err := o.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	var out []Binding
	for _, svc := range services {
		if svc.Status == api.StatusRunning && svc.Port > 0 {
			out = append(out, Binding{Service: svc.Name, Port: svc.Port})
		}
	}
	return out, nil
}

// Binding names one service socket forward.
type Binding struct {
	Service string
	Port    int
}

// Logs returns the tail of one of a service's log streams.
func (o *Orchestrator) Logs(ctx context.Context, service string, kind api.LogKind, tail int) (string, error) {
	switch kind {
	case api.LogContainer:
		svc, err := o.store.GetService(ctx, service)
		if err != nil {
			return "", err
		}
		target := svc.ContainerID
		if target == "" {
			target = svc.Name
		}
		return o.engine.Logs(ctx, target, tail)
	case api.LogProxyAccess:
		return TailFile(o.accessLogPath(service), tail)
	case api.LogProxyError:
		return TailFile(o.errorLogPath(service), tail)
	default:
		return "", fmt.Errorf("unknown log kind %q", kind)
	}
}

func (o *Orchestrator) accessLogPath(service string) string {
	return filepath.Join(o.opts.LogsDir, service+".access.log")
}

func (o *Orchestrator) errorLogPath(service string) string {
	return filepath.Join(o.opts.LogsDir, service+".error.log")
}

// applyProxy regenerates the service's fragment from registry state.
// FAILED bindings are excluded; no live bindings means no fragment.
func (o *Orchestrator) applyProxy(ctx context.Context, service string) error {
	svc, err := o.store.GetService(ctx, service)
	if err != nil {
		return err
	}
	var domains []nginx.DomainSpec
	for _, d := range svc.Domains {
		if d.CertState == api.CertFailed {
			continue
		}
		spec := nginx.DomainSpec{
			Hostname: d.Hostname,
			Headers:  d.ProxyHeaders,
			Default:  d.Hostname == o.opts.DefaultDomain,
		}
		if d.CertState == api.CertCertified {
			if name, _, ok := o.certs.Installed(d.Hostname, false); ok {
				spec.CertName = name
			} else {
				spec.CertName = cert.CertName(d.Hostname, d.Wildcard)
			}
		}
		domains = append(domains, spec)
	}
	changed, err := o.proxy.Apply(ctx, nginx.FragmentSpec{
		Service:     service,
		SocketPath:  o.bridge.SockPath(service),
		Domains:     domains,
		AccessLog:   o.accessLogPath(service),
		ErrorLog:    o.errorLogPath(service),
		CertLiveDir: o.opts.CertLiveDir,
	})
	if err != nil {
		return err
	}
	if changed {
		log.Printf("INFO: proxy fragment for %s updated (%d server(s))", service, len(domains))
	}
	return nil
}

// TailFile returns the last n lines of a file; the whole file when n <= 0.
func TailFile(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if n <= 0 {
		return string(data), nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}
