package server

import (
	"context"
	"log/slog"
	"net/http"

	"relaycast/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with the request id from the
// context, the HTTP path, and the resolved client IP.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	logger := loggerWithRequestContext(r.Context(), base)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", extractClientIP(r),
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
