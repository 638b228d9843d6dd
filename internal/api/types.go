package api

import "time"

// ServiceStatus is the lifecycle state of a managed service.
type ServiceStatus string

const (
	StatusUndeployed ServiceStatus = "undeployed"
	StatusRunning    ServiceStatus = "running"
	StatusStopped    ServiceStatus = "stopped"
	StatusDeleted    ServiceStatus = "deleted"
)

// CertState tracks certificate issuance for one domain binding.
type CertState string

const (
	CertUncertified CertState = "uncertified"
	CertPending     CertState = "pending"
	CertCertified   CertState = "certified"
	CertFailed      CertState = "failed"
)

// LogKind selects which log stream a read accessor returns.
type LogKind string

const (
	LogContainer   LogKind = "container"
	LogProxyAccess LogKind = "proxy-access"
	LogProxyError  LogKind = "proxy-error"
)

// Domain is a hostname routed to a service.
type Domain struct {
	Hostname     string    `json:"hostname"`
	Wildcard     bool      `json:"wildcard"`
	CertState    CertState `json:"cert_state"`
	ProxyHeaders []Header  `json:"proxy_headers,omitempty"`
	BoundAt      time.Time `json:"bound_at"`
}

// Header is one forwarded-header directive emitted into the proxy fragment.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Service is the registry snapshot of a managed deployable unit.
type Service struct {
	Name        string        `json:"name"`
	Image       string        `json:"image,omitempty"`
	Port        int           `json:"port"`
	ContainerID string        `json:"container_id,omitempty"`
	Status      ServiceStatus `json:"status"`
	Domains     []Domain      `json:"domains"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DomainRequest describes one domain binding requested at deploy time.
type DomainRequest struct {
	Hostname   string   `json:"hostname" binding:"required"`
	Wildcard   bool     `json:"wildcard"`
	ForceExact bool     `json:"force_exact"`
	Headers    []Header `json:"headers"`
}

// DeployRequest drives run_deploy.
type DeployRequest struct {
	Name    string          `json:"name"`
	Image   string          `json:"image" binding:"required"`
	Port    int             `json:"port" binding:"required"`
	Domains []DomainRequest `json:"domains"`
}

// PullRequest drives pull_image.
type PullRequest struct {
	Ref string `json:"ref" binding:"required"`
}

// BuildRequest drives build_image.
type BuildRequest struct {
	Context string `json:"context" binding:"required"`
	Tag     string `json:"tag" binding:"required"`
}

// AddDomainRequest drives add_domain.
type AddDomainRequest struct {
	Hostname   string   `json:"hostname" binding:"required"`
	Wildcard   bool     `json:"wildcard"`
	ForceExact bool     `json:"force_exact"`
	Headers    []Header `json:"headers"`
}
