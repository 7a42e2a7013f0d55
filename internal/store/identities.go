package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const identityColumns = `
	id, principal_id, provider, external_id, email, claims, password_hash,
	created_at, updated_at`

func scanIdentity(row pgx.Row, a *AuthIdentity) error {
	return row.Scan(
		&a.ID, &a.PrincipalID, &a.Provider, &a.ExternalID, &a.Email,
		&a.Claims, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt,
	)
}

// GetIdentityByExternalID resolves (provider, external_id) to an identity.
func (s *Store) GetIdentityByExternalID(ctx context.Context, provider, externalID string) (*AuthIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM auth_identities WHERE provider = $1 AND external_id = $2`

	a := &AuthIdentity{}
	if err := scanIdentity(s.pool.QueryRow(ctx, query, provider, externalID), a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return a, nil
}

// GetIdentity resolves (principal, provider) to an identity.
func (s *Store) GetIdentity(ctx context.Context, principalID uuid.UUID, provider string) (*AuthIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM auth_identities WHERE principal_id = $1 AND provider = $2`

	a := &AuthIdentity{}
	if err := scanIdentity(s.pool.QueryRow(ctx, query, principalID, provider), a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return a, nil
}

// ListIdentities returns all identities for a principal.
func (s *Store) ListIdentities(ctx context.Context, principalID uuid.UUID) ([]AuthIdentity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM auth_identities WHERE principal_id = $1 ORDER BY id`,
		principalID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []AuthIdentity
	for rows.Next() {
		var a AuthIdentity
		if err := scanIdentity(rows, &a); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LinkIdentity binds an external account to a principal. The unique
// constraints on (principal, provider) and (provider, external_id) enforce
// one identity per provider per principal and one principal per external
// account; a violation surfaces as ErrAlreadyLinked.
func (s *Store) LinkIdentity(ctx context.Context, principalID uuid.UUID, provider, externalID, email string, claims json.RawMessage) (*AuthIdentity, error) {
	query := `
		INSERT INTO auth_identities (principal_id, provider, external_id, email, claims)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + identityColumns

	a := &AuthIdentity{}
	if err := scanIdentity(s.pool.QueryRow(ctx, query, principalID, provider, externalID, email, claims), a); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyLinked
		}
		return nil, fmt.Errorf("link identity: %w", err)
	}
	return a, nil
}

// UpdateIdentityClaims refreshes the raw claims blob after a login.
func (s *Store) UpdateIdentityClaims(ctx context.Context, identityID int64, claims json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE auth_identities SET claims = $2, updated_at = now() WHERE id = $1`,
		identityID, claims)
	if err != nil {
		return fmt.Errorf("update identity claims: %w", err)
	}
	return nil
}

// GetLocalIdentity fetches the local (password) identity for a principal.
func (s *Store) GetLocalIdentity(ctx context.Context, principalID uuid.UUID) (*AuthIdentity, error) {
	return s.GetIdentity(ctx, principalID, ProviderLocal)
}
