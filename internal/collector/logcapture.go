package collector

import (
	"context"
	"log/slog"
	"strings"

	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/profiler"
)

// LogHandler is a slog.Handler middleware: every record is forwarded to the
// wrapped handler unchanged and, when the record's context carries an active
// profile, also appended to that profile's log timeline.
type LogHandler struct {
	next slog.Handler
	svc  *profiler.Service
}

// NewLogCapture returns a logger.Wrap installing the capture handler.
func NewLogCapture(svc *profiler.Service) logger.Wrap {
	return func(next slog.Handler) slog.Handler {
		return &LogHandler{next: next, svc: svc}
	}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, rec slog.Record) error {
	err := h.next.Handle(ctx, rec)

	msg := strings.TrimSpace(rec.Message)
	if msg == "" {
		return err
	}
	h.svc.AddLog(ctx, &model.LogEvent{
		Level:     levelString(rec.Level),
		Message:   msg,
		Timestamp: rec.Time.UnixMilli(),
	})
	return err
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{next: h.next.WithAttrs(attrs), svc: h.svc}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name), svc: h.svc}
}

func levelString(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "log"
	default:
		return "debug"
	}
}
