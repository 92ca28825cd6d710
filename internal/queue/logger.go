package queue

import (
	"log/slog"

	"github.com/gogpu/rtdenoise/internal/logging"
)

var logger logging.Var

func slogger() *slog.Logger { return logger.Load() }

// SetLogger sets the package logger. Pass nil to silence it.
func SetLogger(l *slog.Logger) { logger.Store(l) }
