package rtdenoise

import (
	"log/slog"

	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/framegraph"
	"github.com/gogpu/rtdenoise/internal/gpu"
	"github.com/gogpu/rtdenoise/internal/logging"
	"github.com/gogpu/rtdenoise/internal/queue"
	"github.com/gogpu/rtdenoise/orchestrator"
	"github.com/gogpu/rtdenoise/transfer"
)

// logger stores the active logger. Accessed atomically so that SetLogger
// can be called concurrently with logging from any goroutine.
var logger logging.Var

// SetLogger configures the logger for rtdenoise and all its sub-packages.
// By default, rtdenoise produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by rtdenoise:
//   - [slog.LevelDebug]: per-frame plans and timeline values
//   - [slog.LevelInfo]: lifecycle events (session opened, resize)
//   - [slog.LevelWarn]: non-fatal issues (denoiser unavailable, dropped work)
//   - [slog.LevelError]: device submission failures
//
// Example:
//
//	rtdenoise.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	l = logger.Load()

	queue.SetLogger(l)
	denoiser.SetLogger(l)
	orchestrator.SetLogger(l)
	framegraph.SetLogger(l)
	transfer.SetLogger(l)
	gpu.SetLogger(l)
}

// Logger returns the current logger used by rtdenoise.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logger.Load()
}
