package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stepwise.studio/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticate resolves the bearer token to a user and makes sure the user
// has a credit account before any handler runs.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		if a.Tokens == nil {
			writeError(w, r, http.StatusUnauthorized, "authentication is not configured")
			return
		}
		claims, err := a.Tokens.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		userID := claims.Subject
		if _, done := a.provisioned.Load(userID); !done && a.Counter != nil {
			if _, err := a.Counter.Provision(r.Context(), userID, ""); err != nil {
				handleDomainError(w, r, err)
				return
			}
			a.provisioned.Store(userID, struct{}{})
		}

		ctx := auth.ContextWithUser(r.Context(), userID, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID is only called behind authenticate.
func userID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// RequireRole admits only authenticated users that carry role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !auth.HasRole(r.Context(), role) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "missing role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
