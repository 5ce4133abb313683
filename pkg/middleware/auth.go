package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/httputil"
)

type contextKeyType string

const ownerIDKey contextKeyType = "owner_id"

// ErrNoIdentity is returned by a TokenValidator for tokens without a subject.
var ErrNoIdentity = errors.New("token carries no user identity")

// Claims is the caller identity resolved from a bearer token.
type Claims struct {
	OwnerID string
}

// TokenValidator validates a raw bearer token and returns the caller.
type TokenValidator func(token string) (*Claims, error)

// JWTValidator returns a TokenValidator for HMAC-signed tokens issued by the
// identity provider. The owner id comes from the "user_id" claim, falling
// back to "sub".
func JWTValidator(secret string) TokenValidator {
	key := []byte(secret)
	return func(tokenString string) (*Claims, error) {
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		})
		if err != nil {
			return nil, err
		}
		if !token.Valid {
			return nil, jwt.ErrTokenInvalidClaims
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, jwt.ErrTokenInvalidClaims
		}
		ownerID, _ := claims["user_id"].(string)
		if ownerID == "" {
			ownerID, _ = claims["sub"].(string)
		}
		if ownerID == "" {
			return nil, ErrNoIdentity
		}
		return &Claims{OwnerID: ownerID}, nil
	}
}

// Auth rejects requests without a valid bearer token and stores the caller
// in the request context.
func Auth(validate TokenValidator) func(http.Handler) http.Handler {
	return authenticate(validate, true)
}

// OptionalAuth resolves the caller when a token is present and lets
// anonymous requests through. A malformed or invalid token is still rejected.
func OptionalAuth(validate TokenValidator) func(http.Handler) http.Handler {
	return authenticate(validate, false)
}

func authenticate(validate TokenValidator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					httputil.WriteError(w, r, apperrors.Unauthorized("missing authorization header"), nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httputil.WriteError(w, r, apperrors.Unauthorized("invalid authorization header format"), nil)
				return
			}

			claims, err := validate(strings.TrimSpace(parts[1]))
			if err != nil {
				httputil.WriteError(w, r, apperrors.Unauthorized("invalid or expired token"), nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), claims.OwnerID)))
		})
	}
}

// WithOwnerID stores the authenticated caller in ctx.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// OwnerIDFromContext returns the authenticated caller, or "" for anonymous requests.
func OwnerIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ownerIDKey).(string); ok {
		return id
	}
	return ""
}
