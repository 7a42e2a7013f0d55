// Package store is the single source of truth for principals, their email
// bindings, external identities, credentials and reset tokens. The invariants
// on primary emails, provider uniqueness and role changes are enforced here,
// inside transactions where a single statement is not enough.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Roles.
const (
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
	RoleUser       = "user"
)

// Auth providers.
const (
	ProviderLocal     = "local"
	ProviderMicrosoft = "microsoft"
	ProviderOIDC      = "oidc"
)

// Reset token types.
const (
	TokenPasswordReset = "password_reset"
	TokenMFAReset      = "mfa_reset"
	TokenInvitation    = "invitation"
)

// Sentinel errors surfaced to the service layer. Handlers map these to
// generic client messages; the concrete branch never leaks.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyLinked  = errors.New("identity already linked to another account")
	ErrDuplicateEmail = errors.New("email already in use")
	ErrLastAdmin      = errors.New("at least one other admin is required")
	ErrTokenConsumed  = errors.New("token already used or expired")
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleTechnician || role == RoleUser
}

// Principal is a user account. MFA material is stored encrypted (secret) and
// bcrypt-hashed (backup codes); neither ever leaves this package in plaintext.
type Principal struct {
	ID                  uuid.UUID
	DisplayName         string
	Role                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PasswordChangedAt   *time.Time
	MFAEnabled          bool
	MFASecretEnc        *string
	BackupCodeHashes    []string
	AvatarURL           *string
	BannerURL           *string
	Theme               *string
	ExternalDirectoryID *string

	// Email is the primary email, populated by lookups that join the
	// binding table. Empty on rows fetched without the join.
	Email string
}

// EmailBinding binds an email address to a principal. Exactly one binding per
// principal is primary, and only primary bindings resolve logins.
type EmailBinding struct {
	ID          int64
	PrincipalID uuid.UUID
	Email       string
	IsPrimary   bool
	IsVerified  bool
	Source      string
}

// AuthIdentity binds a principal to one authentication provider.
// PasswordHash is set only for the local provider.
type AuthIdentity struct {
	ID           int64
	PrincipalID  uuid.UUID
	Provider     string
	ExternalID   string
	Email        string
	Claims       json.RawMessage
	PasswordHash *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ResetToken is a single-use, hashed credential-changing token.
// The raw value exists only in the email that delivered it.
type ResetToken struct {
	TokenHash   string
	PrincipalID uuid.UUID
	TokenType   string
	IP          string
	UserAgent   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UsedAt      *time.Time
	IsUsed      bool
	Metadata    json.RawMessage
}

// Expired reports whether the token is past its expiry.
func (t *ResetToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}
