package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// Access is what a credential may do.
type Access int

const (
	AccessNone Access = iota
	AccessRead        // GET and HEAD only: status, stats, events
	AccessAdmin       // switch, port and program changes too
)

// AuthConfig holds the credentials accepted by the API.
type AuthConfig struct {
	Users  map[string]string // username -> password, admin access
	Tokens map[string]Access // bearer or X-API-Key token -> access
}

// authMiddleware checks Basic, Bearer and X-API-Key credentials. Read-only
// credentials are refused any request that changes a switch. /health and
// /metrics are open.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		switch access := cfg.access(r); {
		case access == AccessNone:
			w.Header().Set("WWW-Authenticate", `Basic realm="p4rt API"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
		case access == AccessRead && !readOnlyMethod(r.Method):
			writeError(w, http.StatusForbidden, "read-only credentials")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func readOnlyMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead
}

// access returns the best access granted by the request's credentials.
func (cfg AuthConfig) access(r *http.Request) Access {
	best := AccessNone
	if auth := r.Header.Get("Authorization"); auth != "" {
		best = max(best, cfg.checkAuthorization(auth))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		best = max(best, cfg.tokenAccess(key))
	}
	return best
}

func (cfg AuthConfig) checkAuthorization(auth string) Access {
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return cfg.tokenAccess(token)
	}

	if enc, ok := strings.CutPrefix(auth, "Basic "); ok {
		payload, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return AccessNone
		}
		user, pass, ok := strings.Cut(string(payload), ":")
		if !ok {
			return AccessNone
		}
		expected, exists := cfg.Users[user]
		if !exists || subtle.ConstantTimeCompare([]byte(pass), []byte(expected)) != 1 {
			return AccessNone
		}
		return AccessAdmin
	}
	return AccessNone
}

// tokenAccess compares token against every configured token in constant
// time.
func (cfg AuthConfig) tokenAccess(token string) Access {
	found := AccessNone
	for t, a := range cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			found = a
		}
	}
	return found
}
