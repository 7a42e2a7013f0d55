// Package audit records security-relevant events to an append-only table
// and to the structured log.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType categorizes a security event.
type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailed        EventType = "login_failed"
	EventLogout             EventType = "logout"
	EventTokenRefreshed     EventType = "token_refreshed"
	EventRefreshReuse       EventType = "refresh_reuse_detected"
	EventSessionRevoked     EventType = "session_revoked"
	EventPasswordChanged    EventType = "password_changed"
	EventPasswordResetSent  EventType = "password_reset_requested"
	EventPasswordResetDone  EventType = "password_reset_completed"
	EventMFAEnabled         EventType = "mfa_enabled"
	EventMFADisabled        EventType = "mfa_disabled"
	EventMFAFailed          EventType = "mfa_verification_failed"
	EventMFABackupUsed      EventType = "mfa_backup_code_used"
	EventMFAResetSent       EventType = "mfa_reset_requested"
	EventMFAResetDone       EventType = "mfa_reset_completed"
	EventInvitationCreated  EventType = "invitation_created"
	EventInvitationAccepted EventType = "invitation_accepted"
	EventIdentityLinked     EventType = "identity_linked"
	EventDirectorySync      EventType = "directory_sync"
	EventBackupExported     EventType = "backup_exported"
	EventBackupRestored     EventType = "backup_restored"
	EventRoleChanged        EventType = "role_changed"
	EventAccountDeleted     EventType = "account_deleted"
)

// Severity levels for security events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Entry is one security event. PrincipalID may be uuid.Nil for events with
// no resolved account, such as failed logins against unknown emails.
type Entry struct {
	PrincipalID uuid.UUID
	IP          string
	UserAgent   string
	Severity    string
	Metadata    map[string]any
}

// Recorder is the contract for recording security events. Recording never
// fails the calling operation; implementations swallow and log errors.
type Recorder interface {
	Record(ctx context.Context, event EventType, entry Entry)
}

// DBRecorder persists events to PostgreSQL and mirrors them to slog.
type DBRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewDBRecorder(pool *pgxpool.Pool, logger *slog.Logger) *DBRecorder {
	return &DBRecorder{pool: pool, logger: logger}
}

func (r *DBRecorder) Record(ctx context.Context, event EventType, entry Entry) {
	severity := entry.Severity
	if severity == "" {
		severity = SeverityInfo
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		r.logger.Error("audit_metadata_marshal_failed", "event", event, "error", err)
		metadata = []byte("{}")
	}

	var principalID *uuid.UUID
	if entry.PrincipalID != uuid.Nil {
		principalID = &entry.PrincipalID
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO security_events (principal_id, event_type, severity, ip, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		principalID, string(event), severity, entry.IP, entry.UserAgent, metadata)
	if err != nil {
		// Never lose the event entirely: fall back to stdout.
		r.logger.Error("audit_db_insert_failed",
			"event", event,
			"principal_id", entry.PrincipalID,
			"error", err,
		)
	}

	r.logger.Info("security_event",
		"event", event,
		"severity", severity,
		"principal_id", entry.PrincipalID,
		"ip", entry.IP,
	)
}

// NopRecorder discards events. Used in tests.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, event EventType, entry Entry) {}
