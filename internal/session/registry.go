// Package session is the server-side record of every live session and
// refresh token. Revocation becomes real here: access tokens are stateless,
// so anything security-critical runs through this registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nosdesk/nosdesk/internal/crypto"
)

var (
	// ErrInvalidRefresh covers unknown, expired, revoked and already
	// rotated refresh tokens. Concurrent rotations race on a conditional
	// update; the losers all see this error.
	ErrInvalidRefresh = errors.New("invalid or expired refresh token")

	// ErrSessionNotFound is returned by scoped revocation when the session
	// does not exist or belongs to someone else.
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultRefreshTTL is used when no TTL is configured.
const DefaultRefreshTTL = 30 * 24 * time.Hour

const rawTokenBytes = 32

// DeviceInfo is what we record about the client at login.
type DeviceInfo struct {
	Device    string
	IP        string
	UserAgent string
}

// Session is one device's authenticated presence.
type Session struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	TokenHash   string
	Device      string
	IP          string
	UserAgent   string
	CreatedAt   time.Time
	LastActive  time.Time
	ExpiresAt   time.Time
	IsCurrent   bool
}

// RotationResult is what a successful refresh rotation yields.
type RotationResult struct {
	PrincipalID uuid.UUID
	SessionID   uuid.UUID
	RefreshRaw  string
}

// Registry tracks sessions and refresh tokens in PostgreSQL.
type Registry struct {
	pool       *pgxpool.Pool
	refreshTTL time.Duration
}

// NewRegistry creates a registry. A zero ttl selects DefaultRefreshTTL.
func NewRegistry(pool *pgxpool.Pool, refreshTTL time.Duration) *Registry {
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Registry{pool: pool, refreshTTL: refreshTTL}
}

// Open creates a session and its root refresh token. The raw refresh value
// is returned exactly once, here; only its SHA-256 is stored.
func (r *Registry) Open(ctx context.Context, principalID uuid.UUID, device DeviceInfo) (*Session, string, error) {
	raw, err := crypto.GenerateSecureToken(rawTokenBytes)
	if err != nil {
		return nil, "", err
	}
	hash := crypto.HashToken(raw)
	expiresAt := time.Now().Add(r.refreshTTL)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sess := &Session{
		ID:          uuid.New(),
		PrincipalID: principalID,
		TokenHash:   hash,
		Device:      device.Device,
		IP:          device.IP,
		UserAgent:   device.UserAgent,
		ExpiresAt:   expiresAt,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO sessions (id, principal_id, token_hash, device, ip, user_agent, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, last_active`,
		sess.ID, principalID, hash, device.Device, device.IP, device.UserAgent, expiresAt,
	).Scan(&sess.CreatedAt, &sess.LastActive)
	if err != nil {
		return nil, "", fmt.Errorf("insert session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, principal_id, session_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), principalID, sess.ID, hash, expiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}
	return sess, raw, nil
}

// Rotate exchanges a presented refresh token for a fresh one. The old row is
// revoked by a conditional update keyed on revoked_at IS NULL, so out of N
// concurrent rotations of the same token exactly one wins; the rest get
// ErrInvalidRefresh and must re-authenticate.
func (r *Registry) Rotate(ctx context.Context, presentedRaw string) (*RotationResult, error) {
	oldHash := crypto.HashToken(presentedRaw)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var principalID, sessionID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()
		RETURNING principal_id, session_id`,
		oldHash).Scan(&principalID, &sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidRefresh
		}
		return nil, fmt.Errorf("revoke old refresh token: %w", err)
	}

	newRaw, err := crypto.GenerateSecureToken(rawTokenBytes)
	if err != nil {
		return nil, err
	}
	newHash := crypto.HashToken(newRaw)
	expiresAt := time.Now().Add(r.refreshTTL)

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, principal_id, session_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), principalID, sessionID, newHash, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert refresh token: %w", err)
	}

	// The session must still be live for the rotation to count.
	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET token_hash = $2, last_active = now(), expires_at = $3
		WHERE id = $1 AND expires_at > now()`,
		sessionID, newHash, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInvalidRefresh
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &RotationResult{PrincipalID: principalID, SessionID: sessionID, RefreshRaw: newRaw}, nil
}

// List returns the live sessions for a principal. currentHash, when
// non-empty, marks the caller's own session.
func (r *Registry) List(ctx context.Context, principalID uuid.UUID, currentHash string) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, principal_id, token_hash, device, ip, user_agent, created_at, last_active, expires_at
		FROM sessions
		WHERE principal_id = $1 AND expires_at > now()
		ORDER BY last_active DESC`,
		principalID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		err := rows.Scan(&s.ID, &s.PrincipalID, &s.TokenHash, &s.Device, &s.IP,
			&s.UserAgent, &s.CreatedAt, &s.LastActive, &s.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.IsCurrent = currentHash != "" && s.TokenHash == currentHash
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindByRefreshHash resolves a presented refresh cookie to its session
// without rotating it. Used to identify the caller's current session.
func (r *Registry) FindByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	s := &Session{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, principal_id, token_hash, device, ip, user_agent, created_at, last_active, expires_at
		FROM sessions
		WHERE token_hash = $1 AND expires_at > now()`,
		hash).Scan(&s.ID, &s.PrincipalID, &s.TokenHash, &s.Device, &s.IP,
		&s.UserAgent, &s.CreatedAt, &s.LastActive, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	s.IsCurrent = true
	return s, nil
}

// Revoke deletes one session and revokes its refresh tokens. Scoped to the
// owner: an admin path passes the target's principal ID explicitly.
func (r *Registry) Revoke(ctx context.Context, sessionID, principalID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND principal_id = $2`, sessionID, principalID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE session_id = $1 AND revoked_at IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return tx.Commit(ctx)
}

// RevokeOthers kills every session except keepSessionID. Used by logout-all
// and by authenticated password change. Returns the number of sessions
// removed.
func (r *Registry) RevokeOthers(ctx context.Context, principalID uuid.UUID, keepSessionID uuid.UUID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE principal_id = $1 AND session_id <> $2 AND revoked_at IS NULL`,
		principalID, keepSessionID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE principal_id = $1 AND id <> $2`, principalID, keepSessionID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeAll kills every session and refresh token for a principal. Every
// credential mutation calls it.
func (r *Registry) RevokeAll(ctx context.Context, principalID uuid.UUID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE principal_id = $1 AND revoked_at IS NULL`, principalID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE principal_id = $1`, principalID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReapExpired removes expired sessions and refresh tokens.
func (r *Registry) ReapExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("reap sessions: %w", err)
	}
	reaped := tag.RowsAffected()

	_, err = r.pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at <= now() OR revoked_at < now() - interval '7 days'`)
	if err != nil {
		return 0, fmt.Errorf("reap refresh tokens: %w", err)
	}
	return reaped, nil
}
