package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logger"
	"github.com/recapd/recapd/internal/server"
	"github.com/recapd/recapd/internal/server/middleware"
	"github.com/recapd/recapd/internal/store"
)

// Checker reports whether a pipeline dependency is reachable.
type Checker interface {
	IsAvailable(ctx context.Context) bool
}

// Handler holds the API endpoint implementations.
type Handler struct {
	jobs    *job.Service
	store   store.Store
	service string
	version string
	checks  map[string]Checker
	log     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(jobs *job.Service, st store.Store, service, version string, checks map[string]Checker, log *logger.Logger) *Handler {
	return &Handler{
		jobs:    jobs,
		store:   st,
		service: service,
		version: version,
		checks:  checks,
		log:     log.WithComponent("api"),
	}
}

// Register mounts the API routes. Everything under /api requires a valid
// bearer token except /api/health.
func (h *Handler) Register(engine *gin.Engine, validator func(token string) (string, error)) {
	engine.GET("/health", h.Health)

	api := engine.Group("/api")
	api.Use(middleware.Auth(middleware.AuthConfig{
		TokenValidator: validator,
		SkipPaths:      []string{"/api/health"},
	}))

	api.GET("/health", h.Health)
	api.POST("/videos", h.Submit)
	api.GET("/videos", h.List)
	api.GET("/videos/:id", h.Get)
	api.GET("/videos/:id/events", h.Events)
	api.POST("/videos/:id/cancel", h.Cancel)
	api.GET("/admin/stats", h.Stats)
}

type submitRequest struct {
	URL string `json:"url" binding:"required"`
}

type submitResponse struct {
	job.Snapshot
	Duplicate bool `json:"duplicate,omitempty"`
}

// Submit accepts a video reference and starts a processing job. Submitting a
// video the owner already has in flight returns the existing job instead.
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		server.RespondWithError(c, apperr.InvalidInput("url is required"))
		return
	}

	snap, duplicate, err := h.jobs.Submit(c.Request.Context(), middleware.Owner(c), req.URL)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}

	resp := submitResponse{Snapshot: snap, Duplicate: duplicate}
	if duplicate {
		server.RespondOK(c, resp)
		return
	}
	server.RespondAccepted(c, resp)
}

// Get returns the current state of a job. Finished jobs that aged out of
// memory are looked up in durable storage.
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	owner := middleware.Owner(c)

	snap, err := h.jobs.Get(id)
	if err == nil {
		if snap.Owner != owner {
			server.RespondWithError(c, apperr.NotFound("job", id))
			return
		}
		server.RespondOK(c, snap)
		return
	}

	rec, serr := h.store.Get(c.Request.Context(), id)
	if serr != nil {
		server.RespondWithError(c, serr)
		return
	}
	if rec.Owner != owner {
		server.RespondWithError(c, apperr.NotFound("job", id))
		return
	}
	server.RespondOK(c, rec)
}

// Cancel requests cancellation of a running job.
func (h *Handler) Cancel(c *gin.Context) {
	snap, err := h.jobs.Cancel(c.Param("id"), middleware.Owner(c))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, snap)
}

// List returns the owner's completed jobs, newest first.
func (h *Handler) List(c *gin.Context) {
	recs, err := h.store.ListCompleted(c.Request.Context(), middleware.Owner(c))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	server.RespondOK(c, recs)
}

// Stats returns aggregate counts over completed jobs.
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, st)
}

// Health reports service liveness and per-dependency reachability.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(h.checks)+1)
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		deps["store"] = "unreachable"
		healthy = false
	} else {
		deps["store"] = "ok"
	}

	for name, check := range h.checks {
		if check.IsAvailable(ctx) {
			deps[name] = "ok"
		} else {
			deps[name] = "unreachable"
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"service":      h.service,
		"version":      h.version,
		"status":       status,
		"dependencies": deps,
	})
}
