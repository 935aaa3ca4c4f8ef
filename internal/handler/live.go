package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/logger"
)

// liveSummary is the per-profile payload pushed over the live feed.
type liveSummary struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	DurationMs int64  `json:"duration"`
	Queries    int    `json:"queries"`
	Logs       int    `json:"logs"`
	Cache      int    `json:"cache"`
	Timestamp  int64  `json:"timestamp"`
}

// LiveHub pushes a summary of every finalized profile to connected websocket
// clients. Register Publish with the profiler's OnFinalize hook.
type LiveHub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	upgrader websocket.Upgrader
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		conns: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *LiveHub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("live feed upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	// Drain client frames; any read error means the client is gone.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish fans the profile summary out to every connected client. Slow or
// dead clients are dropped rather than blocking request finalization.
func (h *LiveHub) Publish(profile *model.RequestProfile) {
	summary := liveSummary{
		ID:         profile.ID,
		Method:     profile.Method,
		URL:        profile.URL,
		StatusCode: profile.StatusCode,
		DurationMs: profile.DurationMs,
		Queries:    len(profile.Queries),
		Logs:       len(profile.Logs),
		Cache:      len(profile.Cache),
		Timestamp:  profile.Timestamp,
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(summary); err != nil {
			h.drop(conn)
		}
	}
}

func (h *LiveHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}
