package middleware

import (
	"net/http"

	"github.com/getsentry/sentry-go"
)

// SentryUser tags the request's Sentry scope with the authenticated
// principal. Mounted behind the auth middleware.
func SentryUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, err := GetPrincipal(r.Context()); err == nil {
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.ConfigureScope(func(scope *sentry.Scope) {
					scope.SetUser(sentry.User{
						ID:        principal.ID.String(),
						IPAddress: r.RemoteAddr,
					})
					scope.SetTag("role", principal.Role)
				})
			}
		}
		next.ServeHTTP(w, r)
	})
}
