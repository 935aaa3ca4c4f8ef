package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/apperrors"
	"github.com/reqlens/reqlens/internal/pkg/metrics"
	"github.com/reqlens/reqlens/internal/profiler"
)

// ContextIngressTime is the gin context key holding the earliest ingress
// timestamp (epoch ms), stamped by Ingress before any other middleware runs.
const ContextIngressTime = "profiler_t0"

// PathPrefix marks the profiler's own endpoints, which are excluded from
// profiling.
const PathPrefix = "/__profiler"

const maxBodySnapshot = 8 << 10

var sensitiveHeaders = []string{"authorization", "cookie", "set-cookie", "x-api-key"}

const redactionMarker = "*** MASKED ***"

// Ingress stamps T0. Install it first so the middleware-phase timing covers
// the full chain ahead of the handler.
func Ingress() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextIngressTime, time.Now().UnixMilli())
		c.Next()
	}
}

// Profiler opens a profile at ingress, binds it into the request context so
// collectors can attribute events, and finalizes it at egress.
func Profiler(svc *profiler.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := c.Request
		if !svc.Enabled() || skip(req) {
			c.Next()
			return
		}
		// Idempotency guard: a second installation of this middleware must
		// not double-profile the request.
		if _, attached := profiler.FromContext(req.Context()); attached {
			c.Next()
			return
		}

		handlerStart := time.Now().UnixMilli()
		t0 := handlerStart
		if v, ok := c.Get(ContextIngressTime); ok {
			if ms, ok := v.(int64); ok {
				t0 = ms
			}
		}

		profile := svc.StartRequest()
		if profile == nil {
			c.Next()
			return
		}
		profile.StartTime = t0
		profile.Method = req.Method
		profile.URL = req.URL.RequestURI()
		profile.Route = c.FullPath()
		profile.Controller, profile.Handler = splitHandlerName(c.HandlerName())
		profile.RequestHeaders = sanitizeHeaders(req.Header)
		profile.RequestBody = snapshotBody(c)

		c.Request = req.WithContext(profiler.WithProfile(req.Context(), profile))

		defer func() {
			if r := recover(); r != nil {
				finishWithError(svc, c, profile, t0, handlerStart, fmt.Errorf("%v", r), string(debug.Stack()), http.StatusInternalServerError)
				panic(r)
			}
		}()

		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err
			status := c.Writer.Status()
			if appErr, ok := err.(*apperrors.AppError); ok {
				status = appErr.HTTPStatus
			} else if status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}
			finishWithError(svc, c, profile, t0, handlerStart, err, "", status)
			return
		}

		profile.StatusCode = c.Writer.Status()
		finish(svc, c, profile, t0, handlerStart)
	}
}

func finishWithError(svc *profiler.Service, c *gin.Context, profile *model.RequestProfile, t0, handlerStart int64, err error, stack string, status int) {
	profile.StatusCode = status
	profile.Exception = &model.Exception{
		Message: err.Error(),
		Stack:   stack,
	}
	// Sentinel event so the failure shows up on the query timeline even when
	// no query itself failed.
	profile.AppendQuery(&model.QueryEvent{
		Statement: "ERROR_CONTEXT",
		Backend:   model.BackendPostgres,
		StartTime: time.Now().UnixMilli(),
		Error:     err.Error(),
	})
	finish(svc, c, profile, t0, handlerStart)
}

func finish(svc *profiler.Service, c *gin.Context, profile *model.RequestProfile, t0, handlerStart int64) {
	end := time.Now().UnixMilli()
	profile.Timings = &model.Timings{
		TotalMs:      clamp(end - t0),
		MiddlewareMs: clamp(handlerStart - t0),
		HandlerMs:    clamp(end - handlerStart),
	}
	metrics.RequestLatency.WithLabelValues(c.FullPath()).Observe(float64(end-t0) / 1000)
	svc.EndRequest(c.Request.Context(), profile)
}

func skip(req *http.Request) bool {
	if req.Method == http.MethodOptions {
		return true
	}
	path := req.URL.Path
	return strings.HasPrefix(path, PathPrefix) || strings.Contains(path, "favicon.ico")
}

func clamp(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}

// sanitizeHeaders flattens the header map and masks sensitive values.
func sanitizeHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		lower := strings.ToLower(key)
		masked := false
		for _, s := range sensitiveHeaders {
			if lower == s {
				masked = true
				break
			}
		}
		if masked {
			out[lower] = redactionMarker
		} else {
			out[lower] = strings.Join(values, ", ")
		}
	}
	return out
}

// snapshotBody reads the request body for the profile and writes it back so
// handler binding still works.
func snapshotBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySnapshot))
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), c.Request.Body))
	return string(raw)
}

// splitHandlerName turns gin's fully qualified handler name, e.g.
// "github.com/acme/app/internal/handler.(*UserHandler).List-fm", into a
// controller/handler pair.
func splitHandlerName(name string) (string, string) {
	if name == "" {
		return "", ""
	}
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		controller := strings.NewReplacer("(", "", ")", "", "*", "").Replace(name[:idx])
		return controller, name[idx+1:]
	}
	return "", name
}
