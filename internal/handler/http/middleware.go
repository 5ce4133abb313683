package http

import (
	"net/http"
	"strings"

	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/httputil"
)

// RequireContentType rejects requests carrying a body whose Content-Type is
// not one of the allowed media types.
func RequireContentType(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
				ct := r.Header.Get("Content-Type")
				if !hasAllowedPrefix(ct, allowed) {
					httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{
						Error: &httputil.ErrorResponse{
							Code:    "UNSUPPORTED_MEDIA_TYPE",
							Message: "Content-Type must be one of: " + strings.Join(allowed, ", "),
						},
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAllowedPrefix(ct string, allowed []string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, a := range allowed {
		if strings.HasPrefix(ct, a) {
			return true
		}
	}
	return false
}

// requireCaller fails with 401 when no caller was resolved.
func requireCaller(ownerID string) error {
	if ownerID == "" {
		return apperrors.Unauthorized("authentication required")
	}
	return nil
}
