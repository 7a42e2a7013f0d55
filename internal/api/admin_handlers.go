package api

import (
	"errors"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/store"
)

// InviteRequest is the body for POST /admin/users/invite.
type InviteRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (req *InviteRequest) Validate() error {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return errors.New("invalid email format")
	}
	if !store.ValidRole(req.Role) {
		return errors.New("unknown role")
	}
	return nil
}

// InviteUser creates a passwordless principal and mails the invitation link.
func (h *Handler) InviteUser(w http.ResponseWriter, r *http.Request) {
	actor := middleware.MustGetPrincipal(r.Context())

	var req InviteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rawToken, err := h.lifecycle.CreateInvitation(r.Context(), actor.ID, req.Email, req.DisplayName, req.Role, h.requestInfo(r))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			helpers.RespondError(w, http.StatusConflict, "Email already in use")
			return
		}
		h.logger.Error("invite_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"invite_url": h.frontendURL + "/accept-invitation?token=" + rawToken,
	})
}

// UpdateRoleRequest is the body for PATCH /admin/users/{id}/role.
type UpdateRoleRequest struct {
	Role string `json:"role"`
}

// UpdateRole changes a principal's role. The new role is effective on the
// target's next request because authorization reads the stored role.
func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	actor := middleware.MustGetPrincipal(r.Context())

	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	var req UpdateRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !store.ValidRole(req.Role) {
		helpers.RespondError(w, http.StatusBadRequest, "Unknown role")
		return
	}

	if err := h.store.SetRole(r.Context(), targetID, req.Role); err != nil {
		h.logger.Error("set_role_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.recorder.Record(r.Context(), audit.EventRoleChanged, audit.Entry{
		PrincipalID: targetID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityWarning,
		Metadata: map[string]any{"role": req.Role, "changed_by": actor.ID.String()},
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// DeleteUser removes a principal. Refused while it is the last admin.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := middleware.MustGetPrincipal(r.Context())

	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	// Sessions first, so nothing survives the row.
	if _, err := h.sessions.RevokeAll(r.Context(), targetID); err != nil {
		h.logger.Warn("delete_user_revoke_failed", "error", err)
	}

	if err := h.store.DeletePrincipal(r.Context(), targetID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			helpers.RespondError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, store.ErrLastAdmin):
			helpers.RespondError(w, http.StatusConflict, "Cannot delete the last admin")
		default:
			h.logger.Error("delete_user_failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.recorder.Record(r.Context(), audit.EventAccountDeleted, audit.Entry{
		PrincipalID: targetID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityCritical,
		Metadata: map[string]any{"deleted_by": actor.ID.String()},
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// SyncDirectory triggers a Microsoft Graph reconciliation run and waits for
// the stats. 503 when no directory is configured.
func (h *Handler) SyncDirectory(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		helpers.RespondError(w, http.StatusServiceUnavailable, "Directory sync is not configured")
		return
	}

	stats, err := h.syncer.Sync(r.Context())
	if err != nil {
		h.logger.Error("directory_sync_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Directory sync failed")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"seen":    stats.Seen,
		"created": stats.Created,
		"updated": stats.Updated,
		"skipped": stats.Skipped,
	})
}
