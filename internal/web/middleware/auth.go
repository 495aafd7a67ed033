package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/znz-systems/mailpost/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

// TokenVerifier resolves an Authorization header to a principal.
type TokenVerifier interface {
	Verify(header string) (*auth.Principal, error)
}

// RequireBearer rejects requests without a valid bearer token. Failures are
// answered with 400 and a JSON error, matching the trigger's error contract.
func RequireBearer(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(r.Header.Get("Authorization"))
			if err != nil {
				slog.Warn("rejected request", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns nil when the request was not authenticated.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalContextKey).(*auth.Principal)
	return p
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
