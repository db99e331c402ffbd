package peer

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	level   slog.Level
	records []slog.Record
}

func (h *recordingHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler           { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler                { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func TestLoggerFactory_MapsLevels(t *testing.T) {
	h := &recordingHandler{level: slog.LevelInfo}
	l := NewLoggerFactory(slog.New(h)).NewLogger("ice")

	l.Trace("trace")
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warn("warn")
	l.Errorf("error %s", "x")

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.records, 3)
	require.Equal(t, "info 2", h.records[0].Message)
	require.Equal(t, slog.LevelInfo, h.records[0].Level)
	require.Equal(t, slog.LevelWarn, h.records[1].Level)
	require.Equal(t, "error x", h.records[2].Message)
	require.Equal(t, slog.LevelError, h.records[2].Level)
}
