package middleware

import (
	"log/slog"
	"net/http"

	"github.com/portfoliohub/portfolio/pkg/logger"
)

// RequestLogger stores a request-scoped logger carrying correlation_id,
// owner_id, trace_id and span_id in the context. Mount it after
// RequestLogging and Tracing, and inside Auth when owner_id is wanted.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if ownerID := OwnerIDFromContext(ctx); ownerID != "" {
				ctx = logger.WithOwnerID(ctx, ownerID)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
