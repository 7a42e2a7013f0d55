package api

import (
	"errors"
	"net/http"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/crypto"
	"github.com/nosdesk/nosdesk/internal/mfa"
	"github.com/nosdesk/nosdesk/internal/store"
)

// SetupView is the one-time provisioning material returned by MFA setup.
// Nothing in it is persisted until verification succeeds.
type SetupView struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	QRCode      string   `json:"qr_code"` // data URL
	QRMatrix    [][]bool `json:"qr_matrix"`
	BackupCodes []string `json:"backup_codes"`
}

func setupView(r *mfa.SetupResult) SetupView {
	return SetupView{
		Secret:      r.Secret,
		OTPAuthURL:  r.OTPAuthURL,
		QRCode:      "data:image/png;base64," + r.QRPNG,
		QRMatrix:    r.QRMatrix,
		BackupCodes: r.BackupCodes,
	}
}

// mfaAvailable rejects MFA operations when no encryption key was
// configured. Production startup refuses to run in that state; this is the
// development-mode answer.
func (h *Handler) mfaAvailable(w http.ResponseWriter) bool {
	if h.mfa == nil {
		helpers.RespondError(w, http.StatusServiceUnavailable, "MFA is not configured")
		return false
	}
	return true
}

// MFASetup handles POST /auth/mfa/setup for an authenticated principal.
func (h *Handler) MFASetup(w http.ResponseWriter, r *http.Request) {
	if !h.mfaAvailable(w) {
		return
	}
	p := middleware.MustGetPrincipal(r.Context())

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

// MFAVerifySetupRequest carries the provisioning material back from the
// client together with a live TOTP proving possession.
type MFAVerifySetupRequest struct {
	Secret      string   `json:"secret"`
	Code        string   `json:"code"`
	BackupCodes []string `json:"backup_codes"`
}

// MFAVerifySetup handles POST /auth/mfa/verify-setup (and its /enable
// alias): the verify half of the two-step enrolment.
func (h *Handler) MFAVerifySetup(w http.ResponseWriter, r *http.Request) {
	if !h.mfaAvailable(w) {
		return
	}
	p := middleware.MustGetPrincipal(r.Context())

	var req MFAVerifySetupRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
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
			h.logger.Error("mfa_verify_setup_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.recorder.Record(r.Context(), audit.EventMFAEnabled, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// MFADisableRequest requires the current password to retire the factor.
type MFADisableRequest struct {
	Password string `json:"password"`
}

// MFADisable handles POST /auth/mfa/disable. Disabling a second factor is a
// credential mutation: every session dies, including the caller's.
func (h *Handler) MFADisable(w http.ResponseWriter, r *http.Request) {
	if !h.mfaAvailable(w) {
		return
	}
	p := middleware.MustGetPrincipal(r.Context())

	var req MFADisableRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.verifyPassword(w, r, p, req.Password) {
		return
	}
	if !p.MFAEnabled {
		helpers.RespondError(w, http.StatusBadRequest, "MFA is not enabled")
		return
	}

	if err := h.mfa.Disable(r.Context(), p.ID); err != nil {
		h.logger.Error("mfa_disable_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	revoked, err := h.sessions.RevokeAll(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("mfa_disable_revoke_failed", "error", err)
	}

	h.recorder.Record(r.Context(), audit.EventMFADisabled, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityWarning,
		Metadata: map[string]any{"sessions_revoked": revoked},
	})

	h.clearAuthCookies(w)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// MFARegenerateRequest requires the current password.
type MFARegenerateRequest struct {
	Password string `json:"password"`
}

// MFARegenerate handles POST /auth/mfa/regenerate-backup-codes. The old
// codes stop working immediately; the new set is shown exactly once.
func (h *Handler) MFARegenerate(w http.ResponseWriter, r *http.Request) {
	if !h.mfaAvailable(w) {
		return
	}
	p := middleware.MustGetPrincipal(r.Context())

	var req MFARegenerateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.verifyPassword(w, r, p, req.Password) {
		return
	}

	codes, err := h.mfa.RegenerateBackupCodes(r.Context(), p.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			helpers.RespondError(w, http.StatusBadRequest, "MFA is not enabled")
			return
		}
		h.logger.Error("mfa_regenerate_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

// MFAStatus handles GET /auth/mfa/status.
func (h *Handler) MFAStatus(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())

	required := h.mfa != nil && h.mfa.RequiredForRole(p.Role)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"enabled":                p.MFAEnabled,
		"required":               required,
		"backup_codes_remaining": len(p.BackupCodeHashes),
	})
}

// verifyPassword re-checks the caller's local password for sensitive
// self-service actions. Writes the 401 itself on failure.
func (h *Handler) verifyPassword(w http.ResponseWriter, r *http.Request, p *store.Principal, password string) bool {
	identity, err := h.store.GetLocalIdentity(r.Context(), p.ID)
	if err != nil || identity.PasswordHash == nil {
		helpers.RespondError(w, http.StatusUnauthorized, "Password verification failed")
		return false
	}
	if err := crypto.NewBcryptHasher().Compare(*identity.PasswordHash, password); err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "Password verification failed")
		return false
	}
	return true
}
