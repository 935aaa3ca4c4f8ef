package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/apperrors"
	"github.com/reqlens/reqlens/internal/profiler"
	"github.com/reqlens/reqlens/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProfiledRouter(t *testing.T) (*gin.Engine, *profiler.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := profiler.NewService(profiler.Options{Enabled: true, CollectQueries: true}, storage.NewMemoryStorage(100))
	r := gin.New()
	r.Use(Ingress())
	r.Use(ErrorHandler())
	r.Use(Profiler(svc))
	return r, svc
}

func latestProfile(t *testing.T, svc *profiler.Service) *model.RequestProfile {
	t.Helper()
	profiles, err := svc.Profiles(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, profiles)
	return profiles[0]
}

func TestProfiler_CapturesRequestMetadata(t *testing.T) {
	r, svc := newProfiledRouter(t)
	r.GET("/users/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/users/42?expand=orders", nil)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	p := latestProfile(t, svc)
	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, "/users/42?expand=orders", p.URL)
	assert.Equal(t, "/users/:id", p.Route)
	assert.Equal(t, http.StatusOK, p.StatusCode)
	assert.Equal(t, "application/json", p.RequestHeaders["accept"])
	require.NotNil(t, p.Timings)
	assert.Equal(t, p.Timings.TotalMs, p.Timings.MiddlewareMs+p.Timings.HandlerMs)
	assert.Nil(t, p.Exception)
}

func TestProfiler_MasksSensitiveHeaders(t *testing.T) {
	r, svc := newProfiledRouter(t)
	r.GET("/secure", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Cookie", "session=abc")
	req.Header.Set("X-Api-Key", "key-123")
	req.Header.Set("X-Trace-Id", "trace-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	p := latestProfile(t, svc)
	assert.Equal(t, "*** MASKED ***", p.RequestHeaders["authorization"])
	assert.Equal(t, "*** MASKED ***", p.RequestHeaders["cookie"])
	assert.Equal(t, "*** MASKED ***", p.RequestHeaders["x-api-key"])
	assert.Equal(t, "trace-1", p.RequestHeaders["x-trace-id"])
}

func TestProfiler_BodySnapshotRestored(t *testing.T) {
	r, svc := newProfiledRouter(t)
	var received string
	r.POST("/echo", func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
		}
		require.NoError(t, c.ShouldBindJSON(&body))
		received = body.Name
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"name":"carol"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", received, "handler still reads the body after the snapshot")
	p := latestProfile(t, svc)
	assert.JSONEq(t, `{"name":"carol"}`, p.RequestBody)
}

func TestProfiler_SkipsOwnEndpointsAndOptions(t *testing.T) {
	r, svc := newProfiledRouter(t)
	r.GET("/__profiler/json", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/users", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/__profiler/json", nil),
		httptest.NewRequest(http.MethodGet, "/favicon.ico", nil),
		httptest.NewRequest(http.MethodOptions, "/users", nil),
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
	}

	profiles, err := svc.Profiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestProfiler_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := profiler.NewService(profiler.Options{Enabled: false}, storage.NewMemoryStorage(100))
	r := gin.New()
	r.Use(Ingress(), Profiler(svc))
	r.GET("/users", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users", nil))

	require.Equal(t, http.StatusOK, w.Code)
	profiles, err := svc.Profiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestProfiler_ErrorPathRecordsException(t *testing.T) {
	r, svc := newProfiledRouter(t)
	r.GET("/fail", func(c *gin.Context) {
		c.Error(apperrors.NewNotFound("user not found"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	p := latestProfile(t, svc)
	assert.Equal(t, http.StatusNotFound, p.StatusCode)
	require.NotNil(t, p.Exception)
	assert.Equal(t, "user not found", p.Exception.Message)

	require.NotEmpty(t, p.Queries)
	sentinel := p.Queries[len(p.Queries)-1]
	assert.Equal(t, "ERROR_CONTEXT", sentinel.Statement)
	assert.Equal(t, "user not found", sentinel.Error)
}

func TestProfiler_PanicRecordsExceptionAndRepanics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := profiler.NewService(profiler.Options{Enabled: true}, storage.NewMemoryStorage(100))
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Ingress(), Profiler(svc))
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	p := latestProfile(t, svc)
	require.NotNil(t, p.Exception)
	assert.Equal(t, "boom", p.Exception.Message)
	assert.NotEmpty(t, p.Exception.Stack)
	assert.Equal(t, http.StatusInternalServerError, p.StatusCode)
}

func TestProfiler_ContextCarriesProfile(t *testing.T) {
	r, svc := newProfiledRouter(t)
	var inHandler *model.RequestProfile
	r.GET("/ctx", func(c *gin.Context) {
		inHandler = svc.CurrentProfile(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ctx", nil))

	require.NotNil(t, inHandler)
	p := latestProfile(t, svc)
	assert.Equal(t, p.ID, inHandler.ID)
}

func TestSplitHandlerName(t *testing.T) {
	tests := []struct {
		name           string
		in             string
		wantController string
		wantHandler    string
	}{
		{"method value", "github.com/acme/app/internal/handler.(*UserHandler).List-fm", "handler.UserHandler", "List"},
		{"plain func", "github.com/acme/app/internal/handler.Health", "handler", "Health"},
		{"no package path", "main.run", "main", "run"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller, handler := splitHandlerName(tt.in)
			assert.Equal(t, tt.wantController, controller)
			assert.Equal(t, tt.wantHandler, handler)
		})
	}
}
