package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/crypto"
	"github.com/nosdesk/nosdesk/internal/lifecycle"
	"github.com/nosdesk/nosdesk/internal/mfa"
	"github.com/nosdesk/nosdesk/internal/session"
	"github.com/nosdesk/nosdesk/internal/store"
	"github.com/nosdesk/nosdesk/internal/token"
)

const invalidCredentialsMsg = "Invalid email or password"

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req *LoginRequest) Validate() error {
	if req.Password == "" {
		return errors.New("email and password required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return errors.New("invalid email format")
	}
	return nil
}

// LoginResponse covers the three outcomes of password authentication: a
// session, an MFA challenge, or a forced-setup challenge.
type LoginResponse struct {
	Success          bool      `json:"success"`
	CSRFToken        string    `json:"csrf_token,omitempty"`
	User             *UserView `json:"user,omitempty"`
	MFARequired      bool      `json:"mfa_required,omitempty"`
	MFASetupRequired bool      `json:"mfa_setup_required,omitempty"`
	UserUUID         string    `json:"user_uuid,omitempty"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Validation failed")
		return
	}

	p, err := h.authenticatePassword(w, r, req.Email, req.Password)
	if err != nil {
		return
	}

	// MFA gate: an enabled second factor or a role that mandates one blocks
	// session establishment here.
	if p.MFAEnabled {
		helpers.RespondJSON(w, http.StatusOK, LoginResponse{
			MFARequired: true,
			UserUUID:    p.ID.String(),
		})
		return
	}
	if h.mfa != nil && h.mfa.RequiredForRole(p.Role) {
		helpers.RespondJSON(w, http.StatusOK, LoginResponse{
			MFASetupRequired: true,
			UserUUID:         p.ID.String(),
		})
		return
	}

	h.finishLogin(w, r, p, nil)
}

// MFALoginRequest is the body for POST /auth/mfa-login. The token field
// accepts either a 6-digit TOTP or a backup code.
type MFALoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFAToken string `json:"mfa_token"`
}

// MFALogin handles POST /auth/mfa-login, completing the MFA gate.
func (h *Handler) MFALogin(w http.ResponseWriter, r *http.Request) {
	var req MFALoginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MFAToken == "" {
		helpers.RespondError(w, http.StatusBadRequest, "Validation failed")
		return
	}

	if h.mfa == nil {
		helpers.RespondError(w, http.StatusServiceUnavailable, "MFA is not configured")
		return
	}

	p, err := h.authenticatePassword(w, r, req.Email, req.Password)
	if err != nil {
		return
	}
	if !p.MFAEnabled {
		helpers.RespondError(w, http.StatusBadRequest, "MFA is not enabled for this account")
		return
	}

	result, err := h.mfa.VerifyCode(r.Context(), p, req.MFAToken)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrTooManyAttempts):
			h.recorder.Record(r.Context(), audit.EventMFAFailed, audit.Entry{
				PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
				Severity: audit.SeverityWarning,
				Metadata: map[string]any{"reason": "locked"},
			})
			helpers.RespondError(w, http.StatusTooManyRequests, "Too many failed attempts, try again later")
		case errors.Is(err, mfa.ErrInvalidCode):
			h.recorder.Record(r.Context(), audit.EventMFAFailed, audit.Entry{
				PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
				Severity: audit.SeverityWarning,
			})
			helpers.RespondError(w, http.StatusUnauthorized, "Invalid verification code")
		default:
			h.logger.Error("mfa_verify_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	var extra map[string]any
	if result.UsedBackupCode {
		h.recorder.Record(r.Context(), audit.EventMFABackupUsed, audit.Entry{
			PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
			Severity: audit.SeverityWarning,
			Metadata: map[string]any{"remaining": result.Remaining},
		})
		extra = map[string]any{
			"backup_code_used":                  true,
			"backup_codes_remaining":            result.Remaining,
			"requires_backup_code_regeneration": result.Regenerate,
		}
	}

	h.finishLogin(w, r, p, extra)
}

// MFASetupLoginRequest is the body for POST /auth/mfa-setup-login.
type MFASetupLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// MFASetupLogin handles the forced-enrolment path: a password-authenticated
// principal whose role mandates MFA fetches provisioning material without
// holding a session.
func (h *Handler) MFASetupLogin(w http.ResponseWriter, r *http.Request) {
	if h.mfa == nil {
		helpers.RespondError(w, http.StatusServiceUnavailable, "MFA is not configured")
		return
	}

	var req MFASetupLoginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.authenticatePassword(w, r, req.Email, req.Password)
	if err != nil {
		return
	}
	if p.MFAEnabled {
		helpers.RespondError(w, http.StatusBadRequest, "MFA is already enabled")
		return
	}

	result, err := h.mfa.BeginSetup(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("mfa_setup_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, setupView(result))
}

// MFAEnableLoginRequest is the body for POST /auth/mfa-enable-login. The
// provisioning material round-trips through the client; nothing was stored
// at setup time.
type MFAEnableLoginRequest struct {
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	Secret      string   `json:"secret"`
	Code        string   `json:"code"`
	BackupCodes []string `json:"backup_codes"`
}

// MFAEnableLogin verifies the offered secret, persists the MFA material and
// establishes the session in one step.
func (h *Handler) MFAEnableLogin(w http.ResponseWriter, r *http.Request) {
	if h.mfa == nil {
		helpers.RespondError(w, http.StatusServiceUnavailable, "MFA is not configured")
		return
	}

	var req MFAEnableLoginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.authenticatePassword(w, r, req.Email, req.Password)
	if err != nil {
		return
	}

	if err := h.mfa.VerifySetup(r.Context(), p.ID, req.Secret, req.Code, req.BackupCodes); err != nil {
		switch {
		case errors.Is(err, mfa.ErrAlreadyEnabled):
			helpers.RespondError(w, http.StatusBadRequest, "MFA is already enabled")
		case errors.Is(err, mfa.ErrInvalidSetup):
			helpers.RespondError(w, http.StatusBadRequest, "Incomplete setup material")
		case errors.Is(err, mfa.ErrInvalidCode):
			helpers.RespondError(w, http.StatusUnauthorized, "Invalid verification code")
		default:
			h.logger.Error("mfa_enable_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.recorder.Record(r.Context(), audit.EventMFAEnabled, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
	})
	p.MFAEnabled = true
	h.finishLogin(w, r, p, nil)
}

// Logout handles POST /auth/logout. The current session is resolved through
// the access token's sid claim; an unverifiable token still gets its cookies
// cleared.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var principalID uuid.UUID

	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		if claims, err := h.mint.VerifyAccessToken(c.Value); err == nil {
			if userID, err := claims.UserID(); err == nil {
				principalID = userID
				if sessionID, err := uuid.Parse(claims.SessionID); err == nil {
					if err := h.sessions.Revoke(r.Context(), sessionID, userID); err != nil {
						h.logger.Warn("logout_revoke_failed", "error", err)
					}
				}
			}
		}
	}

	resp := map[string]any{"success": true}

	// RP-initiated logout: when the principal carries an OIDC identity and
	// the provider advertises an end-session endpoint, hand the client the
	// provider logout URL.
	if principalID != uuid.Nil {
		if logoutURL := h.providerLogoutURL(r, principalID); logoutURL != "" {
			resp["logout_url"] = logoutURL
		}
		h.recorder.Record(r.Context(), audit.EventLogout, audit.Entry{
			PrincipalID: principalID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
			Severity: audit.SeverityInfo,
		})
	}

	h.clearAuthCookies(w)
	helpers.RespondJSON(w, http.StatusOK, resp)
}

// Refresh handles POST /auth/refresh: rotate the refresh token, reissue the
// access cookie and CSRF token.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		helpers.RespondError(w, http.StatusUnauthorized, "Refresh token required")
		return
	}

	rotation, err := h.sessions.Rotate(r.Context(), c.Value)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRefresh) {
			slog.Warn("refresh_rejected", "ip", helpers.ClientIP(r))
			h.clearAuthCookies(w)
			helpers.RespondError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
			return
		}
		h.logger.Error("refresh_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	p, err := h.store.GetPrincipal(r.Context(), rotation.PrincipalID)
	if err != nil {
		h.clearAuthCookies(w)
		helpers.RespondError(w, http.StatusUnauthorized, "Account no longer exists")
		return
	}

	accessToken, err := h.mint.IssueAccessToken(p.ID, rotation.SessionID, p.DisplayName, p.Email, p.Role, token.ScopeFull)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	csrfToken, err := token.NewCSRFToken()
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.setAuthCookies(w, accessToken, rotation.RefreshRaw, csrfToken)
	h.recorder.Record(r.Context(), audit.EventTokenRefreshed, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"csrf_token": csrfToken,
	})
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"user": userView(p)})
}

// ChangePasswordRequest is the body for POST /auth/change-password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword handles the authenticated password change. Other sessions
// are revoked; the current one survives.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())

	var req ChangePasswordRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	keepSessionID := currentSessionID(r)

	err := h.lifecycle.ChangePassword(r.Context(), p.ID, keepSessionID, req.CurrentPassword, req.NewPassword, h.requestInfo(r))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrWrongPassword), errors.Is(err, lifecycle.ErrNoLocalCredential):
			helpers.RespondError(w, http.StatusUnauthorized, "Current password is incorrect")
		case errors.Is(err, lifecycle.ErrWeakPassword):
			helpers.RespondError(w, http.StatusBadRequest, "Password must be between 8 and 128 characters")
		default:
			h.logger.Error("change_password_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ProviderView describes an enabled external provider, without secrets.
type ProviderView struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Providers handles GET /auth/providers.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	views := make([]ProviderView, 0, len(h.providers))
	for _, p := range h.providers {
		views = append(views, ProviderView{Name: p.Name, DisplayName: p.DisplayName})
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"providers": views})
}

// SSEToken handles GET /auth/sse-token. EventSource cannot set headers, so
// the stream authenticates with this short-lived token instead.
func (h *Handler) SSEToken(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())

	t, err := h.mint.IssueSSEToken(p.ID, p.Role)
	if err != nil {
		h.logger.Error("sse_token_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"token":      t,
		"expires_in": int(token.SSETokenTTL.Seconds()),
	})
}

// authenticatePassword resolves the email to a principal and verifies the
// local password. On failure it writes the generic 401 itself and returns an
// error; the caller just returns.
func (h *Handler) authenticatePassword(w http.ResponseWriter, r *http.Request, email, password string) (*store.Principal, error) {
	fail := func(principalID uuid.UUID, reason string) (*store.Principal, error) {
		h.recorder.Record(r.Context(), audit.EventLoginFailed, audit.Entry{
			PrincipalID: principalID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
			Severity: audit.SeverityWarning,
			Metadata: map[string]any{"reason": reason},
		})
		helpers.RespondError(w, http.StatusUnauthorized, invalidCredentialsMsg)
		return nil, errors.New(reason)
	}

	p, err := h.store.GetPrincipalByPrimaryEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(uuid.Nil, "unknown_email")
		}
		h.logger.Error("login_lookup_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return nil, err
	}

	identity, err := h.store.GetLocalIdentity(r.Context(), p.ID)
	if err != nil || identity.PasswordHash == nil {
		return fail(p.ID, "no_local_credential")
	}

	hasher := crypto.NewBcryptHasher()
	if err := hasher.Compare(*identity.PasswordHash, password); err != nil {
		return fail(p.ID, "wrong_password")
	}
	return p, nil
}

// finishLogin opens the session and writes the success response.
func (h *Handler) finishLogin(w http.ResponseWriter, r *http.Request, p *store.Principal, extra map[string]any) {
	csrfToken, err := h.openSession(w, r, p, token.ScopeFull)
	if err != nil {
		h.logger.Error("session_open_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.recorder.Record(r.Context(), audit.EventLoginSuccess, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
	})

	resp := map[string]any{
		"success":    true,
		"csrf_token": csrfToken,
		"user":       userView(p),
	}
	for k, v := range extra {
		resp[k] = v
	}
	helpers.RespondJSON(w, http.StatusOK, resp)
}

// currentSessionID reads the caller's session ID from the verified access
// claims. uuid.Nil when unresolvable, which makes revoke-others revoke
// everything.
func currentSessionID(r *http.Request) uuid.UUID {
	claims, err := middleware.GetClaims(r.Context())
	if err != nil {
		return uuid.Nil
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil
	}
	return sessionID
}

// providerLogoutURL builds the RP-initiated logout URL for the principal's
// linked OIDC provider, empty when not applicable.
func (h *Handler) providerLogoutURL(r *http.Request, principalID uuid.UUID) string {
	identities, err := h.store.ListIdentities(r.Context(), principalID)
	if err != nil {
		return ""
	}
	for _, id := range identities {
		p, ok := h.providers[id.Provider]
		if !ok || p.LogoutURI == "" {
			continue
		}
		return p.LogoutURI + "?post_logout_redirect_uri=" + h.frontendURL
	}
	return ""
}
