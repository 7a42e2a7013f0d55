package api

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custom "github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/store"
)

// RouterConfig carries the knobs the router needs beyond the handlers.
type RouterConfig struct {
	FrontendURL           string
	AdditionalCORSOrigins []string

	// Requests per minute per IP, global and for credential endpoints.
	RateLimitPerMinute     int
	AuthRateLimitPerMinute int
}

// NewRouter wires the full HTTP surface.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(custom.RequestLogger)
	r.Use(custom.PanicRecovery)
	r.Use(custom.CORS(cfg.FrontendURL, cfg.AdditionalCORSOrigins))

	limiter := custom.NewIPRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute/10+1)
	r.Use(limiter.Middleware)

	// Credential endpoints get a much tighter per-IP budget.
	authLimiter := custom.NewIPRateLimiter(cfg.AuthRateLimitPerMinute, 5)

	requireAuth := custom.Auth(h.mint, h.store)

	r.Get("/health", h.Health)

	r.Route("/auth", func(r chi.Router) {
		// Public, brute-forceable: extra rate limit.
		r.Group(func(r chi.Router) {
			r.Use(authLimiter.Middleware)

			r.Post("/login", h.Login)
			r.Post("/mfa-login", h.MFALogin)
			r.Post("/mfa-setup-login", h.MFASetupLogin)
			r.Post("/mfa-enable-login", h.MFAEnableLogin)

			r.Post("/password-reset/request", h.RequestPasswordReset)
			r.Post("/password-reset/complete", h.CompletePasswordReset)
			r.Post("/mfa-reset/request", h.RequestMFAReset)
			r.Post("/mfa-reset/complete", h.CompleteMFAReset)
			r.Post("/invitation/validate", h.ValidateInvitation)
			r.Post("/invitation/accept", h.AcceptInvitation)
		})

		// Public, not credential-bearing.
		r.Post("/logout", h.Logout)
		r.Post("/refresh", h.Refresh)
		r.Get("/providers", h.Providers)
		r.Post("/oauth/authorize", h.OAuthAuthorize)
		r.Get("/oauth/callback", h.OAuthCallback)
		r.Post("/oauth/logout", h.OAuthLogout)

		// Authenticated, full scope.
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(custom.SentryUser)
			r.Use(custom.CSRF)
			r.Use(custom.RequireFullScope)

			r.Get("/me", h.Me)
			r.Get("/sse-token", h.SSEToken)
			r.Post("/change-password", h.ChangePassword)
			r.Post("/oauth/connect", h.OAuthConnect)

			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/others", h.RevokeOtherSessions)
			r.Delete("/sessions/{id}", h.RevokeSession)
		})

		// MFA management also accepts recovery-scoped tokens, so a user who
		// lost their factor can re-enrol and nothing else.
		r.Route("/mfa", func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(custom.SentryUser)
			r.Use(custom.CSRF)

			r.Post("/setup", h.MFASetup)
			r.Post("/verify-setup", h.MFAVerifySetup)
			r.Post("/enable", h.MFAVerifySetup)
			r.Post("/disable", h.MFADisable)
			r.Post("/regenerate-backup-codes", h.MFARegenerate)
			r.Get("/status", h.MFAStatus)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(custom.SentryUser)
		r.Use(custom.CSRF)
		r.Use(custom.RequireFullScope)
		r.Use(custom.RequireRole(store.RoleAdmin))

		r.Post("/users/invite", h.InviteUser)
		r.Patch("/users/{id}/role", h.UpdateRole)
		r.Delete("/users/{id}", h.DeleteUser)
		r.Post("/directory-sync", h.SyncDirectory)

		r.Post("/backup/export", h.ExportBackup)
		r.Post("/backup/restore", h.RestoreBackup)
	})

	return r
}
