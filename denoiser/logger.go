package denoiser

import (
	"log/slog"

	"github.com/gogpu/rtdenoise/internal/logging"
)

var logger logging.Var

// Logger returns the package logger. Backends log through it.
func Logger() *slog.Logger { return logger.Load() }

func slogger() *slog.Logger { return logger.Load() }

// SetLogger sets the logger shared by the package and its backends.
// Pass nil to silence it.
func SetLogger(l *slog.Logger) { logger.Store(l) }
