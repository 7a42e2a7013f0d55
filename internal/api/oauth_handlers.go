package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/crypto"
	"github.com/nosdesk/nosdesk/internal/federation"
	"github.com/nosdesk/nosdesk/internal/store"
	"github.com/nosdesk/nosdesk/internal/token"
)

// OAuthAuthorizeRequest is the body for POST /auth/oauth/authorize.
type OAuthAuthorizeRequest struct {
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirect_uri"`
}

// OAuthAuthorize starts the Authorization Code + PKCE flow. The nonce and
// verifier never reach the client unsigned: they travel inside the state JWT.
func (h *Handler) OAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	h.authorize(w, r, uuid.Nil)
}

// OAuthConnect starts the same flow for linking an additional identity to
// the authenticated principal.
func (h *Handler) OAuthConnect(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())
	h.authorize(w, r, p.ID)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, connectAs uuid.UUID) {
	var req OAuthAuthorizeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	provider, ok := h.providers[req.Provider]
	if !ok {
		helpers.RespondError(w, http.StatusNotFound, "Unknown provider")
		return
	}

	nonce, err := crypto.GenerateSecureToken(16)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	pkceVerifier := federation.GenerateVerifier()

	claims := token.StateClaims{
		Provider:     provider.Name,
		RedirectURI:  req.RedirectURI,
		Nonce:        nonce,
		PKCEVerifier: pkceVerifier,
		Connect:      connectAs != uuid.Nil,
	}
	if connectAs != uuid.Nil {
		claims.Subject = connectAs.String()
	}

	state, err := h.mint.IssueStateToken(claims)
	if err != nil {
		h.logger.Error("state_token_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"auth_url": provider.AuthCodeURL(state, nonce, pkceVerifier),
		"state":    state,
	})
}

// OAuthCallback handles GET /auth/oauth/callback: the provider redirect.
// Outcomes are communicated to the frontend through redirect query
// parameters; the session rides in cookies set on the redirect response.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("oauth_provider_error", "error", errCode, "description", q.Get("error_description"))
		h.redirectError(w, r, "provider_denied")
		return
	}

	claims, err := h.mint.VerifyStateToken(q.Get("state"))
	if err != nil {
		h.redirectError(w, r, "invalid_state")
		return
	}
	provider, ok := h.providers[claims.Provider]
	if !ok {
		h.redirectError(w, r, "unknown_provider")
		return
	}

	ext, err := provider.Exchange(r.Context(), q.Get("code"), claims.PKCEVerifier, claims.Nonce)
	if err != nil {
		h.logger.Warn("oauth_exchange_failed", "provider", claims.Provider, "error", err)
		h.redirectError(w, r, "exchange_failed")
		return
	}

	if claims.Connect {
		h.finishConnect(w, r, claims, ext)
		return
	}

	p, created, err := h.rec.Reconcile(r.Context(), ext)
	if err != nil {
		h.logger.Warn("oauth_reconcile_failed", "provider", claims.Provider, "error", err)
		h.redirectError(w, r, "account_link_failed")
		return
	}

	if _, err := h.openSession(w, r, p, token.ScopeFull); err != nil {
		h.logger.Error("session_open_failed", "error", err)
		h.redirectError(w, r, "internal")
		return
	}

	h.recorder.Record(r.Context(), audit.EventLoginSuccess, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"provider": claims.Provider, "created": created},
	})

	target := claims.RedirectURI
	if target == "" {
		target = h.frontendURL
	}
	http.Redirect(w, r, target+"?login=success", http.StatusFound)
}

func (h *Handler) finishConnect(w http.ResponseWriter, r *http.Request, claims *token.StateClaims, ext *federation.ExternalIdentity) {
	principalID, err := uuid.Parse(claims.Subject)
	if err != nil {
		h.redirectError(w, r, "invalid_state")
		return
	}

	if err := h.rec.Connect(r.Context(), principalID, ext); err != nil {
		if errors.Is(err, store.ErrAlreadyLinked) {
			h.redirectError(w, r, "already_linked")
			return
		}
		h.logger.Warn("oauth_connect_failed", "provider", claims.Provider, "error", err)
		h.redirectError(w, r, "account_link_failed")
		return
	}

	h.recorder.Record(r.Context(), audit.EventIdentityLinked, audit.Entry{
		PrincipalID: principalID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"provider": claims.Provider},
	})
	http.Redirect(w, r, h.frontendURL+"/profile?connected="+url.QueryEscape(claims.Provider), http.StatusFound)
}

func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.frontendURL+"/login?error="+url.QueryEscape(code), http.StatusFound)
}

// OAuthLogoutRequest is the body for POST /auth/oauth/logout.
type OAuthLogoutRequest struct {
	Provider string `json:"provider"`
}

// OAuthLogout builds the RP-initiated logout URL for a provider that
// advertises an end-session endpoint.
func (h *Handler) OAuthLogout(w http.ResponseWriter, r *http.Request) {
	var req OAuthLogoutRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	provider, ok := h.providers[req.Provider]
	if !ok || provider.LogoutURI == "" {
		helpers.RespondError(w, http.StatusNotFound, "Provider does not support logout")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"logout_url": provider.LogoutURI + "?post_logout_redirect_uri=" + url.QueryEscape(h.frontendURL),
	})
}
