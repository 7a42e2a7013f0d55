package api

import (
	"errors"
	"net/http"
	"net/mail"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/lifecycle"
	"github.com/nosdesk/nosdesk/internal/token"
)

// Request/complete pairs below always answer 200 on the request half for
// unknown emails: account existence must not be discoverable here.

// ResetRequest is the body for both reset request endpoints.
type ResetRequest struct {
	Email string `json:"email"`
}

// RequestPasswordReset handles POST /auth/password-reset/request.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid email format")
		return
	}

	if err := h.lifecycle.RequestPasswordReset(r.Context(), req.Email, h.requestInfo(r)); err != nil {
		h.logger.Error("password_reset_request_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "If the email exists, a reset link has been sent",
	})
}

// CompletePasswordResetRequest is the body for POST /auth/password-reset/complete.
type CompletePasswordResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// CompletePasswordReset redeems the token. All sessions for the principal
// are gone afterwards; the user signs in again with the new password.
func (h *Handler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req CompletePasswordResetRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.lifecycle.CompletePasswordReset(r.Context(), req.Token, req.NewPassword, h.requestInfo(r))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidToken):
			helpers.RespondError(w, http.StatusBadRequest, "Invalid or expired token")
		case errors.Is(err, lifecycle.ErrWeakPassword):
			helpers.RespondError(w, http.StatusBadRequest, "Password must be between 8 and 128 characters")
		default:
			h.logger.Error("password_reset_complete_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RequestMFAReset handles POST /auth/mfa-reset/request.
func (h *Handler) RequestMFAReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid email format")
		return
	}

	if err := h.lifecycle.RequestMFAReset(r.Context(), req.Email, h.requestInfo(r)); err != nil {
		h.logger.Error("mfa_reset_request_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "If the email exists, a reset link has been sent",
	})
}

// CompleteMFAResetRequest is the body for POST /auth/mfa-reset/complete.
type CompleteMFAResetRequest struct {
	Token string `json:"token"`
}

// CompleteMFAReset disables the factor and hands back a recovery-scoped
// token. The recovery token only opens the MFA management endpoints, so the
// user can re-enrol but touch nothing else until they do.
func (h *Handler) CompleteMFAReset(w http.ResponseWriter, r *http.Request) {
	var req CompleteMFAResetRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.lifecycle.CompleteMFAReset(r.Context(), req.Token, h.requestInfo(r))
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidToken) {
			helpers.RespondError(w, http.StatusBadRequest, "Invalid or expired token")
			return
		}
		h.logger.Error("mfa_reset_complete_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	recoveryToken, err := h.mint.IssueAccessToken(p.ID, uuid.Nil, p.DisplayName, p.Email, p.Role, token.ScopeMFARecovery)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"recovery_token": recoveryToken,
	})
}

// ValidateInvitationRequest is the body for POST /auth/invitation/validate.
type ValidateInvitationRequest struct {
	Token string `json:"token"`
}

// ValidateInvitation checks an invitation without consuming it, so the
// accept form can be prefilled.
func (h *Handler) ValidateInvitation(w http.ResponseWriter, r *http.Request) {
	var req ValidateInvitationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.lifecycle.ValidateInvitation(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidToken) {
			helpers.RespondError(w, http.StatusBadRequest, "Invalid or expired invitation")
			return
		}
		h.logger.Error("invitation_validate_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"valid":        true,
		"email":        p.Email,
		"display_name": p.DisplayName,
		"role":         p.Role,
	})
}

// AcceptInvitationRequest is the body for POST /auth/invitation/accept.
type AcceptInvitationRequest struct {
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// AcceptInvitation consumes the invitation, sets the first password and
// signs the new user in.
func (h *Handler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req AcceptInvitationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.lifecycle.AcceptInvitation(r.Context(), req.Token, req.DisplayName, req.Password, h.requestInfo(r))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidToken):
			helpers.RespondError(w, http.StatusBadRequest, "Invalid or expired invitation")
		case errors.Is(err, lifecycle.ErrWeakPassword):
			helpers.RespondError(w, http.StatusBadRequest, "Password must be between 8 and 128 characters")
		default:
			h.logger.Error("invitation_accept_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	// The MFA gate applies to first login too: a technician invitee goes
	// straight to forced setup instead of a session.
	if h.mfa != nil && h.mfa.RequiredForRole(p.Role) && !p.MFAEnabled {
		helpers.RespondJSON(w, http.StatusOK, LoginResponse{
			MFASetupRequired: true,
			UserUUID:         p.ID.String(),
		})
		return
	}
	h.finishLogin(w, r, p, nil)
}
