// Package backup exports the identity state as a password-protected zip
// archive and restores it. Non-sensitive rows travel as plain JSON;
// credential material is sealed under a key derived from the operator's
// password.
package backup

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/crypto"
)

// ErrInvalidPassword is returned when the sensitive blob does not decrypt
// with the supplied password. It is deliberately distinguishable from other
// restore failures so the operator can retry instead of debugging.
var ErrInvalidPassword = errors.New("backup password is incorrect")

// FormatVersion identifies the archive layout.
const FormatVersion = "1.0"

const (
	manifestPath  = "manifest.json"
	dataDir       = "data/"
	filesDir      = "files/"
	sensitivePath = dataDir + "sensitive.json.enc"

	saltLen = 32
)

// tableOrder is both the export order and the restore dependency order.
var tableOrder = []string{"principals", "email_bindings", "auth_identities", "security_events"}

// Manifest describes the archive contents.
type Manifest struct {
	Version          string                `json:"version"`
	CreatedAt        time.Time             `json:"created_at"`
	NosdeskVersion   string                `json:"nosdesk_version"`
	IncludeSensitive bool                  `json:"include_sensitive"`
	Tables           map[string]TableEntry `json:"tables"`
	Files            FilesSummary          `json:"files"`
	Encryption       *EncryptionParams     `json:"encryption"`
}

type TableEntry struct {
	Count int `json:"count"`
}

type FilesSummary struct {
	TotalCount     int   `json:"total_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// EncryptionParams records how the sensitive blob was sealed.
type EncryptionParams struct {
	Algorithm string `json:"algorithm"`
	KDF       string `json:"kdf"`
	Salt      string `json:"salt"`
	Nonce     string `json:"nonce"`
}

// sensitivePayload is the plaintext of data/sensitive.json.enc: per table,
// the primary key plus only the credential columns.
type sensitivePayload struct {
	Principals     []principalSensitiveRow `json:"principals"`
	AuthIdentities []identitySensitiveRow  `json:"auth_identities"`
}

type principalRow struct {
	ID                  uuid.UUID  `json:"id"`
	DisplayName         string     `json:"display_name"`
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	PasswordChangedAt   *time.Time `json:"password_changed_at"`
	MFAEnabled          bool       `json:"mfa_enabled"`
	AvatarURL           *string    `json:"avatar_url"`
	BannerURL           *string    `json:"banner_url"`
	Theme               *string    `json:"theme"`
	ExternalDirectoryID *string    `json:"external_directory_id"`
}

type principalSensitiveRow struct {
	ID               uuid.UUID `json:"id"`
	MFASecretEnc     *string   `json:"mfa_secret_enc"`
	BackupCodeHashes []string  `json:"backup_code_hashes"`
}

type emailBindingRow struct {
	ID          int64     `json:"id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	Email       string    `json:"email"`
	IsPrimary   bool      `json:"is_primary"`
	IsVerified  bool      `json:"is_verified"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

type identityRow struct {
	ID          int64           `json:"id"`
	PrincipalID uuid.UUID       `json:"principal_id"`
	Provider    string          `json:"provider"`
	ExternalID  string          `json:"external_id"`
	Email       string          `json:"email"`
	Claims      json.RawMessage `json:"claims"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type identitySensitiveRow struct {
	ID           int64   `json:"id"`
	PasswordHash *string `json:"password_hash"`
}

type securityEventRow struct {
	ID          int64           `json:"id"`
	PrincipalID *uuid.UUID      `json:"principal_id"`
	EventType   string          `json:"event_type"`
	Severity    string          `json:"severity"`
	IP          string          `json:"ip"`
	UserAgent   string          `json:"user_agent"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

// sealSensitive encrypts the payload with a password-derived key and
// returns the nonce-prefixed ciphertext plus the manifest parameters.
func sealSensitive(payload *sensitivePayload, password string) ([]byte, *EncryptionParams, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal sensitive payload: %w", err)
	}

	salt, err := crypto.RandomBytes(saltLen)
	if err != nil {
		return nil, nil, err
	}
	key := crypto.DeriveKey(password, salt, crypto.KDFIterations)

	blob, nonce, err := crypto.SealBytes(plaintext, key)
	if err != nil {
		return nil, nil, fmt.Errorf("seal sensitive payload: %w", err)
	}

	params := &EncryptionParams{
		Algorithm: "AES-256-GCM",
		KDF:       "PBKDF2-HMAC-SHA256",
		Salt:      hex.EncodeToString(salt),
		Nonce:     hex.EncodeToString(nonce),
	}
	return blob, params, nil
}

// openSensitive reverses sealSensitive. A failed decryption maps to
// ErrInvalidPassword: with GCM there is no way to tell a wrong key from a
// corrupted blob, and the wrong password is by far the common case.
func openSensitive(blob []byte, params *EncryptionParams, password string) (*sensitivePayload, error) {
	if params == nil {
		return nil, fmt.Errorf("manifest has no encryption parameters")
	}
	salt, err := hex.DecodeString(params.Salt)
	if err != nil || len(salt) != saltLen {
		return nil, fmt.Errorf("malformed salt in manifest")
	}

	key := crypto.DeriveKey(password, salt, crypto.KDFIterations)
	plaintext, err := crypto.OpenBytes(blob, key)
	if err != nil {
		return nil, ErrInvalidPassword
	}

	payload := &sensitivePayload{}
	if err := json.Unmarshal(plaintext, payload); err != nil {
		return nil, fmt.Errorf("unmarshal sensitive payload: %w", err)
	}
	return payload, nil
}
