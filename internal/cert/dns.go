package cert

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// ResolveCheck returns a preflight that queries the system resolver for an
// A or AAAA record before issuance is attempted. Skipping the ACME round
// trip for a hostname that cannot resolve saves the rate-limit budget.
func ResolveCheck(resolvConf string) func(hostname string) error {
	if resolvConf == "" {
		resolvConf = "/etc/resolv.conf"
	}
	return func(hostname string) error {
		cfg, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil || len(cfg.Servers) == 0 {
			return fmt.Errorf("read resolver config: %w", err)
		}
		server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
		c := new(dns.Client)
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(hostname), qtype)
			in, _, err := c.Exchange(msg, server)
			if err != nil {
				return fmt.Errorf("query %s: %w", hostname, err)
			}
			if len(in.Answer) > 0 {
				return nil
			}
		}
		return fmt.Errorf("no A or AAAA record for %s", hostname)
	}
}
