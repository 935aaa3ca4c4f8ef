package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/reqlens/reqlens/internal/middleware"
	"github.com/reqlens/reqlens/internal/pkg/apperrors"
	"github.com/reqlens/reqlens/internal/profiler"
)

// ProfilerHandler serves the diagnostic read API under /__profiler. These
// endpoints are excluded from profiling by the middleware.
type ProfilerHandler struct {
	svc  *profiler.Service
	live *LiveHub
}

func NewProfilerHandler(svc *profiler.Service, live *LiveHub) *ProfilerHandler {
	return &ProfilerHandler{svc: svc, live: live}
}

func (h *ProfilerHandler) Register(r gin.IRouter) {
	g := r.Group(middleware.PathPrefix)
	g.GET("/json", h.List)
	g.GET("/requests/:id/json", h.Detail)
	g.GET("/view/queries", h.Queries)
	g.GET("/view/logs", h.Logs)
	g.GET("/view/cache", h.CacheOps)
	if h.live != nil {
		g.GET("/live", h.live.Serve)
	}
}

// List returns the stored profiles, newest first.
func (h *ProfilerHandler) List(c *gin.Context) {
	profiles, err := h.svc.Profiles(c.Request.Context())
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, profiles)
}

func (h *ProfilerHandler) Detail(c *gin.Context) {
	profile, err := h.svc.Profile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	if profile == nil {
		c.Error(apperrors.NewNotFound("profile not found"))
		return
	}
	c.JSON(http.StatusOK, profile)
}

// Queries returns the flattened query list across all profiles, slowest
// first.
func (h *ProfilerHandler) Queries(c *gin.Context) {
	queries, err := h.svc.Queries(c.Request.Context())
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, queries)
}

func (h *ProfilerHandler) Logs(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			page = parsed
		}
	}
	pageSize := 50
	if raw := c.Query("page_size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			pageSize = parsed
		}
	}
	logs, err := h.svc.Logs(c.Request.Context(), page, pageSize)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *ProfilerHandler) CacheOps(c *gin.Context) {
	ops, err := h.svc.CacheOps(c.Request.Context())
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, ops)
}
