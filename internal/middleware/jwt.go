package myMiddleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"roomchat/internal/auth"
)

type contextKey string

const IdentityKey contextKey = "identity"

// TokenVerifier turns a bearer token into a verified identity. It is
// satisfied by *auth.Verifier (shared secret) and by the remote auth client.
type TokenVerifier interface {
	Authorize(ctx context.Context, token string) (auth.Identity, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(v TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: v}
}

// Handle rejects the request with 401 before next runs unless it carries a
// valid token. On success the identity is available through IdentityFrom.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		id, err := am.verifier.Authorize(r.Context(), tokenString)
		if err != nil {
			log.Printf("rejected %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole must be mounted after Handle. An empty role lets everyone through.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role != "" {
				id, ok := IdentityFrom(r.Context())
				if !ok || !id.HasRole(role) {
					http.Error(w, "Permission denied", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken reads the Authorization header, falling back to the token
// query parameter for browser WebSocket clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(auth.Identity)
	return id, ok && id.Username != ""
}
