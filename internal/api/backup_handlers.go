package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/backup"
)

// maxRestoreBytes caps uploaded archives.
const maxRestoreBytes = 512 << 20

// ExportBackup handles POST /admin/backup/export. The archive streams
// straight into the response.
func (h *Handler) ExportBackup(w http.ResponseWriter, r *http.Request) {
	actor := middleware.MustGetPrincipal(r.Context())

	var req struct {
		IncludeSensitive bool   `json:"include_sensitive"`
		Password         string `json:"password"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IncludeSensitive && req.Password == "" {
		helpers.RespondError(w, http.StatusBadRequest, "Sensitive export requires a password")
		return
	}

	filename := "nosdesk-backup-" + time.Now().UTC().Format("20060102-150405") + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	_, err := h.backup.Export(r.Context(), w, backup.ExportOptions{
		IncludeSensitive: req.IncludeSensitive,
		Password:         req.Password,
	})
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		h.logger.Error("backup_export_failed", "error", err)
		return
	}

	h.recorder.Record(r.Context(), audit.EventBackupExported, audit.Entry{
		PrincipalID: actor.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityWarning,
		Metadata: map[string]any{"include_sensitive": req.IncludeSensitive},
	})
}

// RestoreBackup handles POST /admin/backup/restore: multipart upload with
// an "archive" file and a "password" field.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	actor := middleware.MustGetPrincipal(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRestoreBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Invalid multipart upload")
		return
	}

	file, header, err := r.FormFile("archive")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "Archive file required")
		return
	}
	defer file.Close()

	stats, err := h.backup.Restore(r.Context(), file, header.Size, r.FormValue("password"))
	if err != nil {
		if errors.Is(err, backup.ErrInvalidPassword) {
			helpers.RespondError(w, http.StatusUnauthorized, "Wrong archive password")
			return
		}
		h.logger.Error("backup_restore_failed", "error", err)
		helpers.RespondError(w, http.StatusBadRequest, "Restore failed: invalid archive")
		return
	}

	h.recorder.Record(r.Context(), audit.EventBackupRestored, audit.Entry{
		PrincipalID: actor.ID, IP: helpers.ClientIP(r), UserAgent: r.UserAgent(),
		Severity: audit.SeverityCritical,
		Metadata: map[string]any{
			"inserted":         stats.Inserted,
			"sensitive_fixed":  stats.SensitiveFixed,
			"sensitive_missed": stats.SensitiveMissed,
			"files":            stats.FilesRestored,
		},
	})
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"inserted":         stats.Inserted,
		"sensitive_fixed":  stats.SensitiveFixed,
		"sensitive_missed": stats.SensitiveMissed,
		"files_restored":   stats.FilesRestored,
	})
}
