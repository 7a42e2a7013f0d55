package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

const principalColumns = `
	p.id, p.display_name, p.role, p.created_at, p.updated_at,
	p.password_changed_at, p.mfa_enabled, p.mfa_secret_enc, p.backup_code_hashes,
	p.avatar_url, p.banner_url, p.theme, p.external_directory_id`

const principalReturning = `
	id, display_name, role, created_at, updated_at,
	password_changed_at, mfa_enabled, mfa_secret_enc, backup_code_hashes,
	avatar_url, banner_url, theme, external_directory_id`

func scanPrincipal(row pgx.Row, p *Principal, withEmail bool) error {
	dest := []any{
		&p.ID, &p.DisplayName, &p.Role, &p.CreatedAt, &p.UpdatedAt,
		&p.PasswordChangedAt, &p.MFAEnabled, &p.MFASecretEnc, &p.BackupCodeHashes,
		&p.AvatarURL, &p.BannerURL, &p.Theme, &p.ExternalDirectoryID,
	}
	if withEmail {
		dest = append(dest, &p.Email)
	}
	return row.Scan(dest...)
}

// GetPrincipal fetches a principal by ID, including its primary email.
func (s *Store) GetPrincipal(ctx context.Context, id uuid.UUID) (*Principal, error) {
	query := `
		SELECT ` + principalColumns + `, e.email
		FROM principals p
		JOIN email_bindings e ON e.principal_id = p.id AND e.is_primary
		WHERE p.id = $1`

	p := &Principal{}
	if err := scanPrincipal(s.pool.QueryRow(ctx, query, id), p, true); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return p, nil
}

// GetPrincipalByPrimaryEmail resolves a login email. Only primary bindings
// are a login selector; secondary emails never match here.
func (s *Store) GetPrincipalByPrimaryEmail(ctx context.Context, email string) (*Principal, error) {
	query := `
		SELECT ` + principalColumns + `, e.email
		FROM principals p
		JOIN email_bindings e ON e.principal_id = p.id
		WHERE e.is_primary AND lower(e.email) = lower($1)`

	p := &Principal{}
	if err := scanPrincipal(s.pool.QueryRow(ctx, query, email), p, true); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get principal by email: %w", err)
	}
	return p, nil
}

// CreateParams describe a new principal and its primary email binding.
type CreateParams struct {
	DisplayName         string
	Role                string
	Email               string
	EmailVerified       bool
	EmailSource         string
	PasswordHash        *string // local identity created when set
	ExternalDirectoryID *string
}

// CreatePrincipal atomically creates the principal, its primary email binding
// and, when a password hash is supplied, the local auth identity.
func (s *Store) CreatePrincipal(ctx context.Context, params CreateParams) (*Principal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	p := &Principal{}
	err = scanPrincipal(tx.QueryRow(ctx, `
		INSERT INTO principals (id, display_name, role, external_directory_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+principalReturning,
		uuid.New(), params.DisplayName, params.Role, params.ExternalDirectoryID), p, false)
	if err != nil {
		return nil, fmt.Errorf("insert principal: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO email_bindings (principal_id, email, is_primary, is_verified, source)
		VALUES ($1, $2, TRUE, $3, $4)`,
		p.ID, params.Email, params.EmailVerified, params.EmailSource)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("insert email binding: %w", err)
	}
	p.Email = params.Email

	if params.PasswordHash != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO auth_identities (principal_id, provider, external_id, email, password_hash)
			VALUES ($1, $2, $3, $4, $5)`,
			p.ID, ProviderLocal, p.ID.String(), params.Email, *params.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("insert local identity: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// SetPassword writes a new local password hash and bumps password_changed_at.
// Session revocation is the caller's responsibility; the lifecycle service
// wraps this call and revokes.
func (s *Store) SetPassword(ctx context.Context, principalID uuid.UUID, newHash string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE auth_identities SET password_hash = $2, updated_at = now()
		WHERE principal_id = $1 AND provider = $3`,
		principalID, newHash, ProviderLocal)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Invited or OIDC-created account without a local credential yet.
		_, err = tx.Exec(ctx, `
			INSERT INTO auth_identities (principal_id, provider, external_id, email, password_hash)
			SELECT p.id, $2, p.id::text, e.email, $3
			FROM principals p
			JOIN email_bindings e ON e.principal_id = p.id AND e.is_primary
			WHERE p.id = $1`,
			principalID, ProviderLocal, newHash)
		if err != nil {
			return fmt.Errorf("insert local identity: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE principals SET password_changed_at = now(), updated_at = now() WHERE id = $1`,
		principalID)
	if err != nil {
		return fmt.Errorf("update principal: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateProfile updates display fields sourced from an external directory.
func (s *Store) UpdateProfile(ctx context.Context, principalID uuid.UUID, displayName string, avatarURL *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE principals
		SET display_name = COALESCE(NULLIF($2, ''), display_name),
		    avatar_url   = COALESCE($3, avatar_url),
		    updated_at   = now()
		WHERE id = $1`,
		principalID, displayName, avatarURL)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// VerifyPrimaryEmail marks a principal's primary email binding verified.
// Accepting an invitation proves control of the address the invite was
// delivered to, so the lifecycle service calls this on acceptance.
func (s *Store) VerifyPrimaryEmail(ctx context.Context, principalID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_bindings SET is_verified = TRUE
		WHERE principal_id = $1 AND is_primary`,
		principalID)
	if err != nil {
		return fmt.Errorf("verify primary email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRole changes a principal's role.
func (s *Store) SetRole(ctx context.Context, principalID uuid.UUID, role string) error {
	if !ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE principals SET role = $2, updated_at = now() WHERE id = $1`, principalID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

// EnableMFA atomically flips the enabled flag together with the material.
// The secret arrives already AEAD-encrypted and the codes already hashed.
func (s *Store) EnableMFA(ctx context.Context, principalID uuid.UUID, encryptedSecret string, hashedCodes []string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals
		SET mfa_enabled = TRUE, mfa_secret_enc = $2, backup_code_hashes = $3, updated_at = now()
		WHERE id = $1`,
		principalID, encryptedSecret, hashedCodes)
	if err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableMFA clears the flag and all material in one statement.
func (s *Store) DisableMFA(ctx context.Context, principalID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals
		SET mfa_enabled = FALSE, mfa_secret_enc = NULL, backup_code_hashes = '{}', updated_at = now()
		WHERE id = $1`,
		principalID)
	if err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceBackupCodes swaps in a freshly generated set of hashed codes.
func (s *Store) ReplaceBackupCodes(ctx context.Context, principalID uuid.UUID, hashedCodes []string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals SET backup_code_hashes = $2, updated_at = now()
		WHERE id = $1 AND mfa_enabled`,
		principalID, hashedCodes)
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeBackupCode compares the presented code against each stored bcrypt
// hash and, on match, removes that hash. The read-compare-write runs under a
// row lock so two concurrent presentations of the same code cannot both win.
func (s *Store) ConsumeBackupCode(ctx context.Context, principalID uuid.UUID, presented string) (consumed bool, remaining int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var hashes []string
	err = tx.QueryRow(ctx,
		`SELECT backup_code_hashes FROM principals WHERE id = $1 FOR UPDATE`,
		principalID).Scan(&hashes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrNotFound
		}
		return false, 0, fmt.Errorf("lock principal: %w", err)
	}

	matched := -1
	for i, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(presented)) == nil {
			matched = i
			break
		}
	}
	if matched < 0 {
		return false, len(hashes), tx.Commit(ctx)
	}

	hashes = append(hashes[:matched], hashes[matched+1:]...)
	_, err = tx.Exec(ctx,
		`UPDATE principals SET backup_code_hashes = $2, updated_at = now() WHERE id = $1`,
		principalID, hashes)
	if err != nil {
		return false, 0, fmt.Errorf("consume backup code: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("commit: %w", err)
	}
	return true, len(hashes), nil
}

// CountAdmins returns the number of admin principals.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM principals WHERE role = $1`, RoleAdmin).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}

// DeletePrincipal removes a principal. An admin may only be deleted while at
// least one other admin exists, so RESTRICT-constrained references (notably
// documentation authorship, owned by a collaborator subsystem) keep a
// reassignment target.
func (s *Store) DeletePrincipal(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var role string
	if err := tx.QueryRow(ctx, `SELECT role FROM principals WHERE id = $1 FOR UPDATE`, id).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock principal: %w", err)
	}

	var otherAdmins int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM principals WHERE role = $1 AND id <> $2`, RoleAdmin, id).Scan(&otherAdmins)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if otherAdmins == 0 {
		return ErrLastAdmin
	}

	if _, err := tx.Exec(ctx, `DELETE FROM principals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
