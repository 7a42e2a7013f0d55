package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
)

// CSRFCookie is the double-submit cookie. It is issued at login and refresh
// by the auth handlers, readable by JavaScript so the client can mirror it
// into the X-CSRF-Token header.
const CSRFCookie = "csrf_token"

// CSRF enforces the double-submit cookie pattern on state-changing methods.
// Safe methods pass through untouched. The token itself is minted by the
// login and refresh handlers, never here.
func CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		// Bearer-authenticated requests carry no cookies a browser could
		// attach cross-site, so there is nothing to forge.
		if c, err := r.Cookie(AccessCookie); err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookie)
		if err != nil || cookie.Value == "" {
			helpers.RespondError(w, http.StatusForbidden, "CSRF token missing")
			return
		}

		header := r.Header.Get("X-CSRF-Token")
		if header == "" || !secureCompare(header, cookie.Value) {
			helpers.RespondError(w, http.StatusForbidden, "CSRF token mismatch")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// secureCompare is a constant-time equality check to keep response timing
// independent of how much of the token matches.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
