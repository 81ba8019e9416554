// Package middleware implements the HTTP auth chain: a public-path
// allowlist, then Basic (htpasswd) or Bearer (API token) authentication,
// challenging unauthenticated requests the way a Docker registry does.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/registryx/nora-registryx/internal/htpasswd"
	"github.com/registryx/nora-registryx/internal/tokens"
)

type contextKey int

const (
	userKey contextKey = iota
)

// UserFromContext returns the authenticated username, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey).(string)
	return u, ok
}

// Auth builds an auth middleware that allows requests under any of
// publicPaths through unauthenticated, and otherwise requires either HTTP
// Basic credentials checked against htpasswdFile or a Bearer API token
// checked against tokenStore.
func Auth(htpasswdFile *htpasswd.File, tokenStore *tokens.Store, publicPaths []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range publicPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if user, ok := authenticate(r, htpasswdFile, tokenStore); ok {
				ctx := context.WithValue(r.Context(), userKey, user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			sendChallenge(w, r)
		})
	}
}

func authenticate(r *http.Request, htpasswdFile *htpasswd.File, tokenStore *tokens.Store) (string, bool) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", false
	}

	if strings.HasPrefix(authz, "Bearer ") {
		token := strings.TrimPrefix(authz, "Bearer ")
		if tokenStore == nil {
			return "", false
		}
		info, err := tokenStore.Verify(token)
		if err != nil {
			return "", false
		}
		return info.User, true
	}

	if user, pass, ok := r.BasicAuth(); ok {
		if htpasswdFile == nil {
			return "", false
		}
		if htpasswdFile.Authenticate(user, pass) {
			return user, true
		}
	}

	return "", false
}

// sendChallenge writes a 401 advertising both supported schemes, matching
// the Www-Authenticate shape Docker clients expect from a registry.
func sendChallenge(w http.ResponseWriter, r *http.Request) {
	realm := "https://" + r.Host + "/auth/token"
	w.Header().Set("Www-Authenticate", `Bearer realm="`+realm+`",service="nora-registryx"`)
	w.Header().Add("Www-Authenticate", `Basic realm="Nora"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
}
