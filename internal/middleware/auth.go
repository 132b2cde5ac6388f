package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/config"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal names who authenticated a request.
type Principal string

const (
	PrincipalAnonymous Principal = "anonymous" // auth disabled
	PrincipalClient    Principal = "client"
	PrincipalHQ        Principal = "hq"
	PrincipalAdmin     Principal = "admin"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Credentials are the credentials the session API accepts. Zero fields are
// not accepted.
type Credentials struct {
	Client auth.ClientToken
	// Bearer is this Remote's token, presented by HQ on proxied calls.
	Bearer auth.BearerToken
	// Admin lets HQ admin credentials reach the session API too.
	Admin *auth.AdminVerifier
}

// RequireClient guards the session API.
func RequireClient(creds Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				next.ServeHTTP(w, withPrincipal(r, PrincipalAnonymous))
				return
			}

			if presented := auth.BearerFromRequest(r); presented != "" {
				switch {
				case creds.Bearer.Matches(presented):
					next.ServeHTTP(w, withPrincipal(r, PrincipalHQ))
					return
				case creds.Client.Matches(presented):
					next.ServeHTTP(w, withPrincipal(r, PrincipalClient))
					return
				}
			}
			if admin, ok := auth.AdminFromRequest(r); ok && creds.Admin.Verify(admin) {
				next.ServeHTTP(w, withPrincipal(r, PrincipalAdmin))
				return
			}

			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
		})
	}
}

// RequireAdmin guards HQ's remote administration API. It is not bypassed by
// AuthDisabled: remotes always present admin credentials.
func RequireAdmin(verifier *auth.AdminVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin, ok := auth.AdminFromRequest(r)
			if !ok || !verifier.Verify(admin) {
				w.Header().Set("WWW-Authenticate", `Basic realm="vibetunnel-hq"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Admin credentials required"})
				return
			}
			next.ServeHTTP(w, withPrincipal(r, PrincipalAdmin))
		})
	}
}

func withPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalContextKey, p))
}

// GetPrincipal returns who authenticated r, or "" outside the middleware.
func GetPrincipal(r *http.Request) Principal {
	p, _ := r.Context().Value(principalContextKey).(Principal)
	return p
}
