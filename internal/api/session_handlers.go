package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/session"
)

// SessionView is one row of the device list.
type SessionView struct {
	ID         string    `json:"id"`
	Device     string    `json:"device"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsCurrent  bool      `json:"is_current"`
}

// ListSessions handles GET /auth/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())

	current := currentSessionID(r)
	sessions, err := h.sessions.List(r.Context(), p.ID, "")
	if err != nil {
		h.logger.Error("list_sessions_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:         s.ID.String(),
			Device:     s.Device,
			IP:         s.IP,
			UserAgent:  s.UserAgent,
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive,
			ExpiresAt:  s.ExpiresAt,
			IsCurrent:  s.ID == current,
		})
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// RevokeSession handles DELETE /auth/sessions/{id}. Scoped to the owner.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())

	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	if err := h.sessions.Revoke(r.Context(), sessionID, p.ID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error("revoke_session_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.recorder.Record(r.Context(), audit.EventSessionRevoked, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"session_id": sessionID.String()},
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RevokeOtherSessions handles DELETE /auth/sessions/others: log out
// everywhere else, keep the current device.
func (h *Handler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.MustGetPrincipal(r.Context())

	count, err := h.sessions.RevokeOthers(r.Context(), p.ID, currentSessionID(r))
	if err != nil {
		h.logger.Error("revoke_others_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.recorder.Record(r.Context(), audit.EventSessionRevoked, audit.Entry{
		PrincipalID: p.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"revoked": count, "scope": "others"},
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": count})
}
