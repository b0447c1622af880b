package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pliu/relaychat/internal/auth"
)

type contextKey string

const IdentityKey contextKey = "identity"

// Verifier checks a session token. *auth.Issuer is the production Verifier.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// IdentityFromContext returns the identity stored by AuthMiddleware.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(auth.Identity)
	return id, ok
}

// AuthMiddleware rejects requests without a valid bearer token before they
// reach next.
func AuthMiddleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r)
			if token == "" {
				Unauthorized(w, "No token")
				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				Unauthorized(w, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Unauthorized writes a 401 with a JSON {"message": ...} body.
func Unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
