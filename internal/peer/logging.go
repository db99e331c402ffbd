package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging to logger, tagging each
// record with the pion scope (ice, dtls, sctp, ...).
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogFactory{log: logger}
}

type slogFactory struct {
	log *slog.Logger
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLogger{log: f.log.With("pion_scope", scope)}
}

type slogLogger struct {
	log *slog.Logger
}

func (l slogLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.emit(level, fmt.Sprintf(format, args...))
}

func (l slogLogger) Trace(msg string)                          { l.emit(levelTrace, msg) }
func (l slogLogger) Tracef(format string, args ...interface{}) { l.emitf(levelTrace, format, args...) }
func (l slogLogger) Debug(msg string)                          { l.emit(slog.LevelDebug, msg) }
func (l slogLogger) Debugf(format string, args ...interface{}) { l.emitf(slog.LevelDebug, format, args...) }
func (l slogLogger) Info(msg string)                           { l.emit(slog.LevelInfo, msg) }
func (l slogLogger) Infof(format string, args ...interface{})  { l.emitf(slog.LevelInfo, format, args...) }
func (l slogLogger) Warn(msg string)                           { l.emit(slog.LevelWarn, msg) }
func (l slogLogger) Warnf(format string, args ...interface{})  { l.emitf(slog.LevelWarn, format, args...) }
func (l slogLogger) Error(msg string)                          { l.emit(slog.LevelError, msg) }
func (l slogLogger) Errorf(format string, args ...interface{}) { l.emitf(slog.LevelError, format, args...) }
