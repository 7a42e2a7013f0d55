package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateResetTokenParams describe a new single-use token row. TokenHash is
// the SHA-256 of the raw value; the raw value is only ever emailed.
type CreateResetTokenParams struct {
	TokenHash   string
	PrincipalID uuid.UUID
	TokenType   string
	IP          string
	UserAgent   string
	TTL         time.Duration
	Metadata    json.RawMessage
}

// CreateResetToken stores a hashed reset token and invalidates older unused
// tokens of the same type for the same principal, so only the latest email
// link works.
func (s *Store) CreateResetToken(ctx context.Context, params CreateResetTokenParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE reset_tokens SET is_used = TRUE, used_at = now()
		WHERE principal_id = $1 AND token_type = $2 AND NOT is_used`,
		params.PrincipalID, params.TokenType)
	if err != nil {
		return fmt.Errorf("invalidate prior tokens: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reset_tokens (token_hash, principal_id, token_type, ip, user_agent, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, now() + $6, $7)`,
		params.TokenHash, params.PrincipalID, params.TokenType,
		params.IP, params.UserAgent, params.TTL, params.Metadata)
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}

	return tx.Commit(ctx)
}

// GetResetToken looks a token up by hash without consuming it. Used by
// invitation validation, which must not burn the token.
func (s *Store) GetResetToken(ctx context.Context, tokenHash, tokenType string) (*ResetToken, error) {
	query := `
		SELECT token_hash, principal_id, token_type, ip, user_agent, created_at,
		       expires_at, used_at, is_used, metadata
		FROM reset_tokens
		WHERE token_hash = $1 AND token_type = $2`

	t := &ResetToken{}
	err := s.pool.QueryRow(ctx, query, tokenHash, tokenType).Scan(
		&t.TokenHash, &t.PrincipalID, &t.TokenType, &t.IP, &t.UserAgent,
		&t.CreatedAt, &t.ExpiresAt, &t.UsedAt, &t.IsUsed, &t.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reset token: %w", err)
	}
	return t, nil
}

// ConsumeResetToken atomically marks a token used. The conditional UPDATE is
// the arbiter: exactly one caller ever wins a given token, replays lose with
// ErrTokenConsumed regardless of interleaving.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash, tokenType string) (*ResetToken, error) {
	query := `
		UPDATE reset_tokens
		SET is_used = TRUE, used_at = now()
		WHERE token_hash = $1 AND token_type = $2 AND NOT is_used AND expires_at > now()
		RETURNING token_hash, principal_id, token_type, ip, user_agent, created_at,
		          expires_at, used_at, is_used, metadata`

	t := &ResetToken{}
	err := s.pool.QueryRow(ctx, query, tokenHash, tokenType).Scan(
		&t.TokenHash, &t.PrincipalID, &t.TokenType, &t.IP, &t.UserAgent,
		&t.CreatedAt, &t.ExpiresAt, &t.UsedAt, &t.IsUsed, &t.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenConsumed
		}
		return nil, fmt.Errorf("consume reset token: %w", err)
	}
	return t, nil
}

// CountRecentResetTokens counts issuances inside the rate-limit window.
func (s *Store) CountRecentResetTokens(ctx context.Context, principalID uuid.UUID, tokenType string, window time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM reset_tokens
		WHERE principal_id = $1 AND token_type = $2 AND created_at > now() - $3`,
		principalID, tokenType, window).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reset tokens: %w", err)
	}
	return n, nil
}

// DeleteExpiredResetTokens is periodic maintenance run by the reaper.
func (s *Store) DeleteExpiredResetTokens(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reset_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
