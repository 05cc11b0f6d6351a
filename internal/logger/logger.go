// Package logger wires structured logging for ReelStudio.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Driftwald/ReelStudio/internal/config"
)

// asyncBufferSize is the queue capacity used when async logging is enabled.
const asyncBufferSize = 1024

// New builds the service logger: JSON to stdout, a "service" attribute on
// every record, and the request correlation ID injected from context.
// With cfg.Async set, writes happen on a background worker and the
// returned Closer flushes them at shutdown; otherwise the Closer is a
// no-op.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	closer := Closer(nopCloser{})
	if cfg.Async {
		ah := NewAsyncHandler(handler, asyncBufferSize, 1)
		handler = ah
		closer = ah
	}

	return slog.New(contextHandler{handler}).With("service", cfg.Service), closer
}

// parseLevel maps cfg.Level onto slog.Level, defaulting to info.
// "warning" is accepted as an alias for warn.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if level.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return level
}
