// Package daemon boots the dna instance: configuration, logging, state
// directories, the socket bridge, startup reconciliation, and the REST API.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/itsvs/dna/internal/bridge"
	"github.com/itsvs/dna/internal/cert"
	"github.com/itsvs/dna/internal/config"
	"github.com/itsvs/dna/internal/docker"
	"github.com/itsvs/dna/internal/nginx"
	"github.com/itsvs/dna/internal/orchestrator"
	"github.com/itsvs/dna/internal/registry"
	"github.com/itsvs/dna/internal/runner"
	"github.com/itsvs/dna/internal/server"
)

// Run boots the daemon and serves until the listener fails.
func Run(configPath, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	for _, dir := range []string{cfg.StateDir, cfg.SocksDir(), cfg.LogsDir(), cfg.NginxDir(), cfg.SocatDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logFile, err := os.OpenFile(cfg.DaemonLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.Printf("INFO: dna %s starting, state in %s", version, cfg.StateDir)

	store, err := registry.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	run := runner.New(cfg.ExecTimeout.Std())
	engine := docker.NewEngine(run, cfg.Engine.Bin)
	br := bridge.New(engine, cfg.SocksDir(), cfg.SocatDir(), cfg.Bridge.Network, cfg.Bridge.Workers)
	proxy := nginx.NewManager(cfg.NginxDir(), cfg.Proxy.Bin, run)

	certOpts := []cert.Option{
		cert.WithExtraArgs(cfg.Certs.ExtraArgs),
		cert.WithEmail(cfg.Certs.Email),
	}
	if cfg.Certs.Preflight {
		certOpts = append(certOpts, cert.WithDNSPreflight(cert.ResolveCheck("")))
	}
	certs := cert.NewManager(run, cfg.Certs.Bin, cfg.Certs.LiveDir, certOpts...)

	orch := orchestrator.New(store, engine, br, proxy, certs, orchestrator.Options{
		DefaultDomain: cfg.DefaultDomain,
		CertLiveDir:   cfg.Certs.LiveDir,
		LogsDir:       cfg.LogsDir(),
		PruneAge:      cfg.Engine.PruneAge.Std(),
	})

	ctx := context.Background()
	if err := proxy.EnsureInclude(cfg.Proxy.IncludeDir, "dna"); err != nil {
		return fmt.Errorf("install proxy include: %w", err)
	}
	if err := br.Setup(ctx); err != nil {
		return fmt.Errorf("bridge setup: %w", err)
	}
	if err := orch.Propagate(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	bindings, err := orch.Bindings(ctx)
	if err != nil {
		return err
	}
	var toBind []bridge.Binding
	for _, b := range bindings {
		toBind = append(toBind, bridge.Binding{Service: b.Service, Port: b.Port})
	}
	if err := br.BindAll(ctx, toBind); err != nil {
		log.Printf("WARN: not all sockets restored: %v", err)
	}

	srv := server.New(orch, store, cfg.DaemonLogPath())

	// Type=notify units get readiness once the bridge and registry are up.
	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Printf("WARN: failed to notify systemd of readiness: %v", err)
	} else if sent {
		log.Printf("INFO: notified systemd that the daemon is ready")
	}

	return srv.Run(cfg.Listen)
}
