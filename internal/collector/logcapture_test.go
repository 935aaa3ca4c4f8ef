package collector

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogHandler_AttributesToActiveProfile(t *testing.T) {
	svc, p, ctx := newCollectorService()

	var buf bytes.Buffer
	wrap := NewLogCapture(svc)
	log := slog.New(wrap(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	log.InfoContext(ctx, "user fetched", "id", 42)
	log.ErrorContext(ctx, "lookup failed")
	log.DebugContext(ctx, "verbose detail")
	log.WarnContext(ctx, "")

	require.Len(t, p.Logs, 3, "blank messages are dropped")
	assert.Equal(t, "log", p.Logs[0].Level)
	assert.Equal(t, "user fetched", p.Logs[0].Message)
	assert.Equal(t, "error", p.Logs[1].Level)
	assert.Equal(t, "debug", p.Logs[2].Level)
	assert.NotZero(t, p.Logs[0].Timestamp)

	// The wrapped handler still receives every record.
	assert.Contains(t, buf.String(), "user fetched")
	assert.Contains(t, buf.String(), "lookup failed")
}

func TestLogHandler_NoContextForwardsOnly(t *testing.T) {
	svc, p, _ := newCollectorService()

	var buf bytes.Buffer
	wrap := NewLogCapture(svc)
	log := slog.New(wrap(slog.NewTextHandler(&buf, nil)))

	log.Info("background job done")

	assert.Empty(t, p.Logs)
	assert.Contains(t, buf.String(), "background job done")
}

func TestLogHandler_WithAttrsKeepsCapture(t *testing.T) {
	svc, p, ctx := newCollectorService()

	var buf bytes.Buffer
	wrap := NewLogCapture(svc)
	log := slog.New(wrap(slog.NewTextHandler(&buf, nil))).With("component", "billing")

	log.InfoContext(ctx, "invoice created")

	require.Len(t, p.Logs, 1)
	assert.Equal(t, "invoice created", p.Logs[0].Message)
	assert.Contains(t, buf.String(), "component=billing")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "error", levelString(slog.LevelError))
	assert.Equal(t, "warn", levelString(slog.LevelWarn))
	assert.Equal(t, "log", levelString(slog.LevelInfo))
	assert.Equal(t, "debug", levelString(slog.LevelDebug))
}
