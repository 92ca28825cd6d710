package gpu

import (
	"log/slog"

	"github.com/gogpu/rtdenoise/internal/logging"
)

// logger is the package logger, silent until SetLogger is called.
var logger logging.Var

// slogger returns the current package logger.
// All logging in internal/gpu goes through this function.
func slogger() *slog.Logger { return logger.Load() }

// SetLogger updates the package-level logger. Pass nil to silence it.
// Called from rtdenoise.SetLogger.
func SetLogger(l *slog.Logger) { logger.Store(l) }
