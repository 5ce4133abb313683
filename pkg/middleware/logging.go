package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/portfoliohub/portfolio/pkg/logger"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 64

func correlationID(r *http.Request) string {
	id := r.Header.Get(CorrelationHeader)
	if id == "" || len(id) > maxCorrelationIDLength {
		return uuid.NewString()
	}
	return id
}

// RequestLogging assigns a correlation id, echoes it back and writes one
// access line per request. 5xx responses log at warn.
func RequestLogging(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := correlationID(r)
			w.Header().Set(CorrelationHeader, id)

			ctx := logger.WithCorrelationID(r.Context(), id)
			rec := record(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			level := slog.LevelInfo
			if rec.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			l.LogAttrs(ctx, level, "http request",
				slog.String("correlation_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routePattern(r, "")),
				slog.Int("status", rec.Status()),
				slog.Int64("request_bytes", r.ContentLength),
				slog.Int64("response_bytes", rec.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
