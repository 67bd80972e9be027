package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/voteflow/auth-service/internal/auth"
	"github.com/voteflow/auth-service/internal/domain"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller resolved from a bearer token.
type Identity struct {
	Username string
	Scopes   []domain.UserScope
}

// BearerAuthMiddleware validates the Authorization bearer token and
// injects the resolved identity into the request context. Missing,
// malformed, or expired tokens end the request with 401 before any
// handler runs.
func BearerAuthMiddleware(tokens *auth.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			tokenString, ok := bearerToken(authHeader)
			if !ok {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Parse(tokenString)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			identity := Identity{Username: claims.Username(), Scopes: claims.Scopes}
			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScopes gates the wrapped handlers on the caller holding at least
// one of the given roles. Runs after BearerAuthMiddleware; a valid
// identity without a matching scope gets 403 and the handler never
// executes.
func RequireScopes(scopes ...domain.UserScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}
			if !auth.HasAnyScope(scopes, identity.Scopes) {
				http.Error(w, "Insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext returns the authenticated identity stored by
// BearerAuthMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
