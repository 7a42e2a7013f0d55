// Package api is the HTTP surface of the identity core. Handlers stay thin:
// decode, call a service, map sentinel errors to generic client messages,
// encode. Anything security-relevant lives in the services underneath.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/backup"
	"github.com/nosdesk/nosdesk/internal/federation"
	"github.com/nosdesk/nosdesk/internal/lifecycle"
	"github.com/nosdesk/nosdesk/internal/mfa"
	"github.com/nosdesk/nosdesk/internal/session"
	"github.com/nosdesk/nosdesk/internal/store"
	"github.com/nosdesk/nosdesk/internal/token"
)

// Handler carries the wired services for every endpoint group.
type Handler struct {
	store     *store.Store
	mint      *token.Mint
	sessions  *session.Registry
	mfa       *mfa.Engine
	lifecycle *lifecycle.Service
	providers map[string]*federation.Provider
	rec       *federation.Reconciler
	syncer    *federation.Syncer
	backup    *backup.Service
	recorder  audit.Recorder
	logger    *slog.Logger

	frontendURL string
	production  bool
}

// Config bundles the handler dependencies.
type Config struct {
	Store     *store.Store
	Mint      *token.Mint
	Sessions  *session.Registry
	MFA       *mfa.Engine
	Lifecycle *lifecycle.Service
	Providers map[string]*federation.Provider
	Rec       *federation.Reconciler
	Syncer    *federation.Syncer
	Backup    *backup.Service
	Recorder  audit.Recorder
	Logger    *slog.Logger

	FrontendURL string
	Production  bool
}

// NewHandler creates the handler set.
func NewHandler(cfg Config) *Handler {
	if cfg.Providers == nil {
		cfg.Providers = map[string]*federation.Provider{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		store:       cfg.Store,
		mint:        cfg.Mint,
		sessions:    cfg.Sessions,
		mfa:         cfg.MFA,
		lifecycle:   cfg.Lifecycle,
		providers:   cfg.Providers,
		rec:         cfg.Rec,
		syncer:      cfg.Syncer,
		backup:      cfg.Backup,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		frontendURL: cfg.FrontendURL,
		production:  cfg.Production,
	}
}

// Cookie names.
const (
	accessCookie  = middleware.AccessCookie
	refreshCookie = "refresh_token"
	csrfCookie    = middleware.CSRFCookie
)

// refreshCookiePath scopes the refresh cookie to the single endpoint that
// consumes it, so it never rides along on ordinary API calls.
const refreshCookiePath = "/auth/refresh"

// UserView is the principal summary returned by login and /auth/me.
type UserView struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	MFAEnabled  bool    `json:"mfa_enabled"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Theme       *string `json:"theme,omitempty"`
}

func userView(p *store.Principal) UserView {
	return UserView{
		ID:          p.ID.String(),
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		MFAEnabled:  p.MFAEnabled,
		AvatarURL:   p.AvatarURL,
		Theme:       p.Theme,
	}
}

// setAuthCookies installs the three session cookies. The raw refresh value
// only ever travels inside its narrowly scoped cookie.
func (h *Handler) setAuthCookies(w http.ResponseWriter, accessToken, refreshRaw, csrfToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(token.AccessTokenTTL / time.Second),
		HttpOnly: true,
		Secure:   h.production,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    refreshRaw,
		Path:     refreshCookiePath,
		MaxAge:   int(session.DefaultRefreshTTL / time.Second),
		HttpOnly: true,
		Secure:   h.production,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    csrfToken,
		Path:     "/",
		MaxAge:   int(token.AccessTokenTTL / time.Second),
		HttpOnly: false,
		Secure:   h.production,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	for _, c := range []struct {
		name, path string
		httpOnly   bool
	}{
		{accessCookie, "/", true},
		{refreshCookie, refreshCookiePath, true},
		{csrfCookie, "/", false},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: c.httpOnly,
			Secure:   h.production,
		})
	}
}

// openSession allocates a session for the principal and writes the cookies.
// Returns the CSRF token handed back in the response body.
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request, p *store.Principal, scope string) (string, error) {
	sess, refreshRaw, err := h.sessions.Open(r.Context(), p.ID, session.DeviceInfo{
		Device:    deviceLabel(r.UserAgent()),
		IP:        helpers.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		return "", err
	}

	accessToken, err := h.mint.IssueAccessToken(p.ID, sess.ID, p.DisplayName, p.Email, p.Role, scope)
	if err != nil {
		return "", err
	}
	csrfToken, err := token.NewCSRFToken()
	if err != nil {
		return "", err
	}

	h.setAuthCookies(w, accessToken, refreshRaw, csrfToken)
	return csrfToken, nil
}

func (h *Handler) requestInfo(r *http.Request) lifecycle.RequestInfo {
	return lifecycle.RequestInfo{IP: helpers.ClientIP(r), UserAgent: r.UserAgent()}
}

// deviceLabel derives a coarse device name from the user agent for the
// session list. Best effort only.
func deviceLabel(userAgent string) string {
	ua := strings.ToLower(userAgent)
	var browser, os string

	switch {
	case strings.Contains(ua, "edg/"):
		browser = "Edge"
	case strings.Contains(ua, "firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "chrome/"):
		browser = "Chrome"
	case strings.Contains(ua, "safari/"):
		browser = "Safari"
	default:
		browser = "Unknown browser"
	}
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "mac os"):
		os = "macOS"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	default:
		return browser
	}
	return browser + " on " + os
}
