package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const OperatorContextKey contextKey = "operator"

func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid authorization header format")
				return
			}

			claims, err := authService.ValidateToken(parts[1])
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "access token has expired")
					return
				}
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, claims.Operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator name, or ""
// when the request did not pass the middleware.
func OperatorFromContext(ctx context.Context) string {
	operator, ok := ctx.Value(OperatorContextKey).(string)
	if !ok {
		return ""
	}
	return operator
}
