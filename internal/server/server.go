// Package server exposes the orchestrator over a REST API.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/orchestrator"
	"github.com/itsvs/dna/internal/registry"
)

// Orchestrator is the operation surface the REST layer fronts.
type Orchestrator interface {
	PullImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, contextDir, tag string) error
	RunDeploy(ctx context.Context, req api.DeployRequest) (*api.Service, error)
	AddDomain(ctx context.Context, service string, req api.AddDomainRequest) (*api.Domain, error)
	RemoveDomain(ctx context.Context, service, hostname string) error
	StartService(ctx context.Context, name string) (*api.Service, error)
	StopService(ctx context.Context, name string) (*api.Service, error)
	DeleteService(ctx context.Context, name string) error
	GetService(ctx context.Context, name string) (*api.Service, error)
	ListServices(ctx context.Context) ([]api.Service, error)
	Propagate(ctx context.Context) error
	Logs(ctx context.Context, service string, kind api.LogKind, tail int) (string, error)
}

// Server is the REST front-end.
type Server struct {
	orch      Orchestrator
	store     *registry.Store
	daemonLog string
	keyTTL    time.Duration
	router    *gin.Engine
}

// New builds the server and its routes. daemonLogPath is served read-only
// at /api/v1/daemon/logs.
func New(orch Orchestrator, store *registry.Store, daemonLogPath string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		orch:      orch,
		store:     store,
		daemonLog: daemonLogPath,
		keyTTL:    DefaultKeyTTL,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	keys := r.Group("/api/v1/keys", loopbackOnly())
	{
		keys.POST("", s.handleIssueKey)
		keys.DELETE("/:id", s.handleRevokeKey)
	}

	v1 := r.Group("/api/v1", s.authMiddleware())
	{
		v1.POST("/images/pull", s.handlePull)
		v1.POST("/images/build", s.handleBuild)

		v1.GET("/services", s.handleListServices)
		v1.GET("/services/:name", s.handleGetService)
		v1.POST("/services/:name/deploy", s.handleDeploy)
		v1.POST("/services/:name/start", s.handleStart)
		v1.POST("/services/:name/stop", s.handleStop)
		v1.DELETE("/services/:name", s.handleDeleteService)

		v1.POST("/services/:name/domains", s.handleAddDomain)
		v1.DELETE("/services/:name/domains/:hostname", s.handleRemoveDomain)

		v1.POST("/propagate", s.handlePropagate)

		v1.GET("/logs/:service/:kind", s.handleServiceLogs)
		v1.GET("/daemon/logs", s.handleDaemonLogs)
	}

	s.router = r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves the API until the listener fails.
func (s *Server) Run(listen string) error {
	log.Printf("INFO: api listening on %s", listen)
	return s.router.Run(listen)
}

// respondError maps orchestration errors onto HTTP statuses. Sentinels win
// over kinds: a conflict is a conflict no matter which layer raised it.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, api.ErrServiceNotFound), errors.Is(err, api.ErrDomainNotBound):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrDomainTaken):
		status = http.StatusConflict
	default:
		switch api.KindOf(err) {
		case api.KindConflict:
			status = http.StatusConflict
		case api.KindImageFetch, api.KindBuild, api.KindContainer,
			api.KindProxyReload, api.KindCertificate:
			status = http.StatusBadGateway
		}
	}
	body := gin.H{"error": err.Error()}
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Diagnostic != "" {
		body["diagnostic"] = apiErr.Diagnostic
	}
	c.JSON(status, body)
}

func (s *Server) handleIssueKey(c *gin.Context) {
	var req struct {
		IP string `json:"ip"`
	}
	// The body is optional; keys default to the caller's address.
	_ = c.ShouldBindJSON(&req)
	if req.IP == "" {
		req.IP = c.ClientIP()
	}

	id, secret, err := newAPIKey()
	if err != nil {
		respondError(c, err)
		return
	}
	hash, err := hashSecret(secret)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.CreateAPIKey(c.Request.Context(), id, hash, req.IP, s.keyTTL); err != nil {
		respondError(c, err)
		return
	}
	log.Printf("INFO: issued api key %s for %s", id, req.IP)
	c.JSON(http.StatusCreated, gin.H{
		"key":        id + "." + secret,
		"expires_in": int(s.keyTTL.Seconds()),
	})
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	if err := s.store.RevokeAPIKey(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) handlePull(c *gin.Context) {
	var req api.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.orch.PullImage(c.Request.Context(), req.Ref); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) handleBuild(c *gin.Context) {
	var req api.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.orch.BuildImage(c.Request.Context(), req.Context, req.Tag); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) handleListServices(c *gin.Context) {
	services, err := s.orch.ListServices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (s *Server) handleGetService(c *gin.Context) {
	svc, err := s.orch.GetService(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (s *Server) handleDeploy(c *gin.Context) {
	var req api.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	req.Name = c.Param("name")
	svc, err := s.orch.RunDeploy(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (s *Server) handleStart(c *gin.Context) {
	svc, err := s.orch.StartService(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (s *Server) handleStop(c *gin.Context) {
	svc, err := s.orch.StopService(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (s *Server) handleDeleteService(c *gin.Context) {
	if err := s.orch.DeleteService(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) handleAddDomain(c *gin.Context) {
	var req api.AddDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	d, err := s.orch.AddDomain(c.Request.Context(), c.Param("name"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleRemoveDomain(c *gin.Context) {
	if err := s.orch.RemoveDomain(c.Request.Context(), c.Param("name"), c.Param("hostname")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) handlePropagate(c *gin.Context) {
	if err := s.orch.Propagate(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

const defaultLogTail = 500

func (s *Server) handleServiceLogs(c *gin.Context) {
	kind := api.LogKind(c.Param("kind"))
	switch kind {
	case api.LogContainer, api.LogProxyAccess, api.LogProxyError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown log kind"})
		return
	}
	out, err := s.orch.Logs(c.Request.Context(), c.Param("service"), kind, defaultLogTail)
	if err != nil {
		respondError(c, err)
		return
	}
	c.String(http.StatusOK, out)
}

func (s *Server) handleDaemonLogs(c *gin.Context) {
	out, err := orchestrator.TailFile(s.daemonLog, defaultLogTail)
	if err != nil {
		respondError(c, err)
		return
	}
	c.String(http.StatusOK, out)
}
