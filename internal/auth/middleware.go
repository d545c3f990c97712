package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const identityKey ctxKey = iota

// FromContext returns the Identity attached by Middleware, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// Middleware resolves the Authorization: Bearer <credential> header to an
// Identity and attaches it to the request context. It does not itself
// reject unauthenticated requests — RequirePermission does that — so public
// routes can share the same chain.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			id, err := svc.ResolveIdentity(r.Context(), credential)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects requests whose resolved identity lacks
// (resource, action), with 401 for missing credentials and 403 for an
// authenticated-but-unauthorized principal.
func RequirePermission(svc *Service, resource Resource, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "authFailed", "authentication required")
				return
			}
			if !svc.Authorize(r.Context(), id, resource, action) {
				writeAuthError(w, http.StatusForbidden, "policyViolation", "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes the same JSON error envelope internal/httpserver
// uses (ErrorResponse: error/message), duplicated here rather than
// imported since internal/httpserver imports internal/auth and importing
// back would cycle.
func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message,omitempty"`
	}{Error: kind, Message: message})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}
