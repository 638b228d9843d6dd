// Package cert drives TLS certificate issuance and revocation through an
// external ACME client (certbot), with bounded retry on failure and
// wildcard-or-bust semantics.
package cert

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/retry"
	"github.com/itsvs/dna/internal/runner"
)

// Manager wraps the ACME client CLI.
type Manager struct {
	run       runner.Commander
	bin       string
	extraArgs []string
	liveDir   string
	email     string
	policy    retry.Policy
	timer     backoff.Timer
	preflight func(hostname string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithExtraArgs appends instance-wide arguments to every client call
// (DNS plugin flags and the like).
func WithExtraArgs(args []string) Option {
	return func(m *Manager) { m.extraArgs = args }
}

// WithEmail sets the account email passed on issuance.
func WithEmail(email string) Option {
	return func(m *Manager) { m.email = email }
}

// WithPolicy overrides the retry contract.
func WithPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithTimer injects the retry timer; tests use a fake to avoid sleeping.
func WithTimer(t backoff.Timer) Option {
	return func(m *Manager) { m.timer = t }
}

// WithDNSPreflight enables a resolvability check before first issuance.
func WithDNSPreflight(check func(hostname string) error) Option {
	return func(m *Manager) { m.preflight = check }
}

// NewManager returns a Manager invoking bin (normally "certbot") and
// reading issued lineages from liveDir.
func NewManager(run runner.Commander, bin, liveDir string, opts ...Option) *Manager {
	if bin == "" {
		bin = "certbot"
	}
	m := &Manager{
		run:     run,
		bin:     bin,
		liveDir: liveDir,
		policy:  retry.Policy{MaxAttempts: 5, Wait: 5 * time.Second},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CertName is the lineage name the client assigns: wildcard requests are
// named after the parent domain, exact requests after the hostname.
func CertName(hostname string, wildcard bool) string {
	if wildcard {
		return parentDomain(hostname)
	}
	return hostname
}

func parentDomain(hostname string) string {
	if i := strings.Index(hostname, "."); i > 0 {
		return hostname[i+1:]
	}
	return hostname
}

func wildcardName(hostname string) string {
	return "*." + parentDomain(hostname)
}

// Installed reports an existing lineage already covering hostname. A
// wildcard lineage for the parent domain counts unless forceExact is set.
// Exact matches win over wildcard matches.
func (m *Manager) Installed(hostname string, forceExact bool) (name string, wildcard, ok bool) {
	entries, err := os.ReadDir(m.liveDir)
	if err != nil {
		return "", false, false
	}
	wildcardWanted := wildcardName(hostname)
	var wildcardHit string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names := m.lineageNames(e.Name())
		for _, n := range names {
			if n == hostname {
				return e.Name(), false, true
			}
			if !forceExact && n == wildcardWanted {
				wildcardHit = e.Name()
			}
		}
	}
	if wildcardHit != "" {
		return wildcardHit, true, true
	}
	return "", false, false
}

// Covers reports whether the named lineage currently includes dnsName.
func (m *Manager) Covers(certName, dnsName string) bool {
	for _, n := range m.lineageNames(certName) {
		if n == dnsName {
			return true
		}
	}
	return false
}

func (m *Manager) lineageNames(certName string) []string {
	pemBytes, err := os.ReadFile(filepath.Join(m.liveDir, certName, "fullchain.pem"))
	if err != nil {
		return nil
	}
	certs, err := certcrypto.ParsePEMBundle(pemBytes)
	if err != nil || len(certs) == 0 {
		return nil
	}
	leaf := certs[0]
	names := append([]string{}, leaf.DNSNames...)
	if leaf.Subject.CommonName != "" {
		names = append(names, leaf.Subject.CommonName)
	}
	return names
}

// Ensure obtains a certificate covering hostname, reusing an installed
// lineage of the same mode when one exists. Wildcard mode requires a
// wildcard certificate; a single-host result is never accepted in its
// place. Transient client failures are retried per the manager's policy;
// exhaustion surfaces as a certificate error carrying the client output.
func (m *Manager) Ensure(ctx context.Context, hostname string, wildcard, forceExact bool) (string, error) {
	if name, isWild, ok := m.Installed(hostname, forceExact); ok {
		if !wildcard || isWild {
			log.Printf("INFO: cert: reusing installed lineage %s for %s", name, hostname)
			return name, nil
		}
		// Installed exact cert but wildcard requested: issue the wildcard.
	}

	if m.preflight != nil {
		if err := m.preflight(hostname); err != nil {
			return "", api.NewError(api.KindCertificate,
				fmt.Sprintf("%s does not resolve", hostname), err)
		}
	}

	requested := hostname
	if wildcard {
		requested = wildcardName(hostname)
	}
	certName := CertName(hostname, wildcard)

	var lastDiag string
	attempt := 0
	op := func() error {
		attempt++
		res, err := m.obtain(ctx, requested)
		if err != nil {
			lastDiag = res.Combined()
			log.Printf("WARN: cert: issuance attempt %d for %s failed: %v", attempt, requested, err)
			return err
		}
		if wildcard && !m.Covers(certName, wildcardName(hostname)) {
			lastDiag = res.Combined()
			return retry.Permanent(fmt.Errorf("issued certificate for %s does not cover %s", certName, wildcardName(hostname)))
		}
		return nil
	}
	if err := m.policy.DoWithTimer(ctx, op, m.timer); err != nil {
		return "", api.NewError(api.KindCertificate,
			fmt.Sprintf("issuance failed for %s after %d attempt(s)", requested, attempt), err).
			WithDiagnostic(lastDiag)
	}
	return certName, nil
}

func (m *Manager) obtain(ctx context.Context, domain string) (runner.Result, error) {
	args := []string{"certonly", "-n", "--agree-tos"}
	if m.email != "" {
		args = append(args, "--email", m.email)
	}
	args = append(args, "-d", domain)
	args = append(args, m.extraArgs...)
	return m.run.Run(ctx, m.bin, args...)
}

// Revoke revokes and deletes the named lineage. Callers treat failure as
// non-fatal; the certificate is then left to expire naturally.
func (m *Manager) Revoke(ctx context.Context, certName string) error {
	args := []string{"revoke", "-n", "--cert-name", certName, "--delete-after-revoke"}
	args = append(args, m.extraArgs...)
	res, err := m.run.Run(ctx, m.bin, args...)
	if err != nil {
		return api.NewError(api.KindCertificate,
			fmt.Sprintf("revocation failed for %s", certName), err).
			WithDiagnostic(res.Combined())
	}
	return nil
}
