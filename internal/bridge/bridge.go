// Package bridge maintains the socat sidecar that exposes each service
// container as a unix socket on the host. The proxy talks to the sockets;
// no service ever claims a host port.
package bridge

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/docker"
)

const (
	// DefaultNetwork is the engine network services and the sidecar share.
	DefaultNetwork = "dna-bridge"

	sidecarName  = "dna.socat"
	sidecarImage = "dna/socat:latest"
	sidecarSocks = "/sock"
)

const sidecarDockerfile = `FROM alpine:3.20
RUN apk add --no-cache socat procps
ENTRYPOINT ["sleep", "infinity"]
`

// ContainerEngine is the subset of the container engine the bridge uses.
type ContainerEngine interface {
	NetworkExists(ctx context.Context, name string) bool
	CreateNetwork(ctx context.Context, name string) error
	ImageExists(ctx context.Context, ref string) bool
	Build(ctx context.Context, contextDir, tag string) error
	Inspect(ctx context.Context, nameOrID string) (docker.State, error)
	Run(ctx context.Context, spec docker.RunSpec) (string, error)
	Wipe(ctx context.Context, nameOrID string) error
	Exec(ctx context.Context, containerID, script string, detach bool) error
}

// Binding names one service endpoint the sidecar forwards.
type Binding struct {
	Service string
	Port    int
}

// Bridge owns the sidecar lifecycle and its socket forwards.
type Bridge struct {
	engine   ContainerEngine
	socksDir string // host directory holding the sockets
	buildDir string // host directory for the sidecar build context
	network  string
	workers  int

	sidecarID string

	// socket appearance polling, shrunk in tests
	waitTimeout  time.Duration
	waitInterval time.Duration
}

// New returns a Bridge keeping sockets in socksDir and its build context
// in buildDir. workers bounds concurrent binds during startup.
func New(engine ContainerEngine, socksDir, buildDir, network string, workers int) *Bridge {
	if network == "" {
		network = DefaultNetwork
	}
	if workers < 1 {
		workers = 4
	}
	return &Bridge{
		engine:       engine,
		socksDir:     socksDir,
		buildDir:     buildDir,
		network:      network,
		workers:      workers,
		waitTimeout:  5 * time.Second,
		waitInterval: 50 * time.Millisecond,
	}
}

// Network returns the engine network services must join.
func (b *Bridge) Network() string { return b.network }

// SockPath returns the host path of a service's socket.
func (b *Bridge) SockPath(service string) string {
	return filepath.Join(b.socksDir, service+".sock")
}

func internalSockPath(service string) string {
	return sidecarSocks + "/" + service + ".sock"
}

// Setup brings up the bridge: the shared network, the sidecar image, and
// the sidecar container with the socket directory bind-mounted. It is
// idempotent and safe to run on every daemon start.
func (b *Bridge) Setup(ctx context.Context) error {
	if err := os.MkdirAll(b.socksDir, 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if !b.engine.NetworkExists(ctx, b.network) {
		log.Printf("INFO: bridge: creating network %s", b.network)
		if err := b.engine.CreateNetwork(ctx, b.network); err != nil {
			return err
		}
	}

	if !b.engine.ImageExists(ctx, sidecarImage) {
		if err := b.buildSidecarImage(ctx); err != nil {
			return err
		}
	}

	if st, err := b.engine.Inspect(ctx, sidecarName); err == nil {
		if st.Running {
			b.sidecarID = st.ID
			return nil
		}
		// A stopped sidecar may hold stale mounts; replace it.
		log.Printf("WARN: bridge: replacing stopped sidecar %s", st.ID)
		if err := b.engine.Wipe(ctx, sidecarName); err != nil {
			return err
		}
	}

	id, err := b.engine.Run(ctx, docker.RunSpec{
		Name:    sidecarName,
		Image:   sidecarImage,
		Network: b.network,
		Mounts:  []docker.Mount{{Host: b.socksDir, Container: sidecarSocks}},
		TTY:     true,
	})
	if err != nil {
		return err
	}
	b.sidecarID = id
	log.Printf("INFO: bridge: sidecar %s up on %s", id, b.network)
	return nil
}

func (b *Bridge) buildSidecarImage(ctx context.Context) error {
	if err := os.MkdirAll(b.buildDir, 0o755); err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	dockerfile := filepath.Join(b.buildDir, "Dockerfile")
	if err := os.WriteFile(dockerfile, []byte(sidecarDockerfile), 0o644); err != nil {
		return fmt.Errorf("write sidecar Dockerfile: %w", err)
	}
	log.Printf("INFO: bridge: building sidecar image %s", sidecarImage)
	return b.engine.Build(ctx, b.buildDir, sidecarImage)
}

// Bind starts a forward from the service's unix socket to the service
// container's port, then waits for the socket to materialize on the host.
// Rebinding an already-bound service replaces the forward.
func (b *Bridge) Bind(ctx context.Context, service string, port int) error {
	if b.sidecarID == "" {
		return api.NewError(api.KindContainer, "bridge not set up", nil)
	}
	if err := docker.ValidateName(service); err != nil {
		return api.NewError(api.KindContainer, "invalid service name", err)
	}
	if port < 1 || port > 65535 {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("invalid port %d for %s", port, service), nil)
	}

	// Drop any previous forward for this socket first.
	if err := b.kill(ctx, service); err != nil {
		return err
	}

	sock := internalSockPath(service)
	script := fmt.Sprintf("socat UNIX-LISTEN:%s,fork,reuseaddr,unlink-early TCP:%s:%d",
		sock, service, port)
	if err := b.engine.Exec(ctx, b.sidecarID, script, true); err != nil {
		return err
	}
	if err := b.waitForSocket(ctx, service); err != nil {
		return err
	}
	// The proxy workers run unprivileged and must be able to connect.
	if err := os.Chmod(b.SockPath(service), 0o666); err != nil {
		return fmt.Errorf("chmod %s: %w", b.SockPath(service), err)
	}
	log.Printf("INFO: bridge: %s bound to %s:%d", b.SockPath(service), service, port)
	return nil
}

// Unbind stops the forward for service and removes its socket.
func (b *Bridge) Unbind(ctx context.Context, service string) error {
	if b.sidecarID == "" {
		return api.NewError(api.KindContainer, "bridge not set up", nil)
	}
	if err := b.kill(ctx, service); err != nil {
		return err
	}
	if err := os.Remove(b.SockPath(service)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", b.SockPath(service), err)
	}
	return nil
}

// kill terminates the sidecar's socat process for service, if any.
// pkill exits nonzero when nothing matched, which is fine here.
func (b *Bridge) kill(ctx context.Context, service string) error {
	script := fmt.Sprintf("pkill -f %s || true", internalSockPath(service))
	return b.engine.Exec(ctx, b.sidecarID, script, false)
}

func (b *Bridge) waitForSocket(ctx context.Context, service string) error {
	deadline := time.Now().Add(b.waitTimeout)
	for {
		if _, err := os.Stat(b.SockPath(service)); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return api.NewError(api.KindContainer,
				fmt.Sprintf("socket for %s did not appear within %s", service, b.waitTimeout), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.waitInterval):
		}
	}
}

// BindAll restores forwards for every binding, a bounded number at a time.
// It is used on daemon start to rebuild bridge state; individual failures
// are collected rather than aborting the rest.
func (b *Bridge) BindAll(ctx context.Context, bindings []Binding) error {
	var g errgroup.Group
	g.SetLimit(b.workers)
	for _, bd := range bindings {
		bd := bd
		g.Go(func() error {
			if err := b.Bind(ctx, bd.Service, bd.Port); err != nil {
				log.Printf("ERROR: bridge: rebind %s: %v", bd.Service, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
