// Package nginx renders and manages per-service reverse-proxy
// configuration fragments included by the main nginx configuration.
package nginx

import (
	"strings"

	"github.com/itsvs/dna/internal/api"
)

// Directive is one `name value;` line inside a block.
type Directive struct {
	Name  string
	Value string
}

// Block is a braced nginx configuration section.
type Block struct {
	Name       string
	Directives []Directive
	Blocks     []*Block
}

func (b *Block) render(indent string, sb *strings.Builder) {
	sb.WriteString(indent)
	sb.WriteString(b.Name)
	sb.WriteString(" {\n")
	for _, child := range b.Blocks {
		child.render(indent+"    ", sb)
	}
	for _, d := range b.Directives {
		sb.WriteString(indent)
		sb.WriteString("    ")
		sb.WriteString(d.Name)
		sb.WriteString(" ")
		sb.WriteString(d.Value)
		sb.WriteString(";\n")
	}
	sb.WriteString(indent)
	sb.WriteString("}\n")
}

func (b *Block) String() string {
	var sb strings.Builder
	b.render("", &sb)
	return sb.String()
}

// DomainSpec is the routing intent for one hostname in a fragment.
type DomainSpec struct {
	Hostname string
	// CertName selects the certificate lineage used for TLS termination;
	// empty means plain HTTP only.
	CertName string
	Headers  []api.Header
	Default  bool
}

// FragmentSpec is everything a service fragment is rendered from. Rendering
// is a pure function of this value; domain and header order are preserved.
type FragmentSpec struct {
	Service    string
	SocketPath string
	Domains    []DomainSpec
	AccessLog  string
	ErrorLog   string
	// CertLiveDir is where issued certificate lineages live
	// (e.g. /etc/letsencrypt/live).
	CertLiveDir string
}

// serverName builds the server_name value: apex domains also answer for
// www., and the instance default domain is the default_server.
func serverName(d DomainSpec) string {
	name := d.Hostname
	if len(strings.Split(d.Hostname, ".")) == 2 {
		name += " www." + d.Hostname
	}
	if d.Default {
		name += " default_server"
	}
	return name
}

// Render produces the fragment text: one server block per domain, in
// binding order, proxying to the service socket.
func Render(spec FragmentSpec) string {
	var sb strings.Builder
	for i, d := range spec.Domains {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(renderServer(spec, d))
	}
	return sb.String()
}

func renderServer(spec FragmentSpec, d DomainSpec) string {
	location := &Block{
		Name: "location /",
		Directives: []Directive{
			{"include", "proxy_params"},
		},
	}
	for _, h := range d.Headers {
		location.Directives = append(location.Directives, Directive{"proxy_set_header", h.Name + " " + h.Value})
	}
	location.Directives = append(location.Directives, Directive{"proxy_pass", "http://unix:" + spec.SocketPath})

	server := &Block{
		Name:   "server",
		Blocks: []*Block{location},
		Directives: []Directive{
			{"server_name", serverName(d)},
			{"listen", "80"},
		},
	}
	if d.CertName != "" {
		live := strings.TrimSuffix(spec.CertLiveDir, "/") + "/" + d.CertName
		server.Directives = append(server.Directives,
			Directive{"listen", "443 ssl"},
			Directive{"ssl_certificate", live + "/fullchain.pem"},
			Directive{"ssl_certificate_key", live + "/privkey.pem"},
		)
	}
	server.Directives = append(server.Directives,
		Directive{"access_log", spec.AccessLog},
		Directive{"error_log", spec.ErrorLog},
	)
	return server.String()
}
