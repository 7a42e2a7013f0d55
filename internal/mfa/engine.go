// Package mfa implements TOTP second factors and single-use backup codes.
// Secrets are AEAD-encrypted before they reach the database; backup codes
// are stored only as bcrypt hashes.
package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math/big"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/nosdesk/nosdesk/internal/crypto"
	"github.com/nosdesk/nosdesk/internal/ratelimit"
	"github.com/nosdesk/nosdesk/internal/store"
)

var (
	ErrNotEnabled      = errors.New("mfa not enabled")
	ErrAlreadyEnabled  = errors.New("mfa already enabled")
	ErrInvalidSetup    = errors.New("incomplete mfa setup material")
	ErrInvalidCode     = errors.New("invalid mfa code")
	ErrTooManyAttempts = errors.New("too many mfa attempts")
)

const (
	// BackupCodeCount codes are issued per generation; when the remaining
	// count drops to RegenerateThreshold or below, clients are told to
	// regenerate.
	BackupCodeCount     = 8
	RegenerateThreshold = 2
	maxAttempts         = 5
	attemptWindow       = 15 * time.Minute
	backupCodeLen       = 8
	backupCodeCharset   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	qrImageSize         = 200
	backupCodeCost      = 10
)

// PrincipalStore is the slice of the identity store the engine needs.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (*store.Principal, error)
	EnableMFA(ctx context.Context, principalID uuid.UUID, encryptedSecret string, hashedCodes []string) error
	DisableMFA(ctx context.Context, principalID uuid.UUID) error
	ReplaceBackupCodes(ctx context.Context, principalID uuid.UUID, hashedCodes []string) error
	ConsumeBackupCode(ctx context.Context, principalID uuid.UUID, presented string) (bool, int, error)
}

// Engine drives MFA enrollment and verification.
type Engine struct {
	store    PrincipalStore
	attempts ratelimit.Store
	key      []byte
	issuer   string
	required map[string]bool
}

// NewEngine constructs the engine. key is the 32-byte AES key protecting
// stored secrets; requiredRoles lists roles for which MFA is mandatory.
func NewEngine(st PrincipalStore, attempts ratelimit.Store, key []byte, issuer string, requiredRoles []string) (*Engine, error) {
	if len(key) != 32 {
		return nil, errors.New("mfa encryption key must be 32 bytes")
	}
	required := make(map[string]bool, len(requiredRoles))
	for _, r := range requiredRoles {
		required[r] = true
	}
	return &Engine{store: st, attempts: attempts, key: key, issuer: issuer, required: required}, nil
}

// RequiredForRole reports whether policy mandates MFA for the given role.
func (e *Engine) RequiredForRole(role string) bool {
	return e.required[role]
}

// SetupResult carries everything the enrollment UI needs. Nothing is
// persisted at this point: the secret and backup codes come back with the
// confirmation request, and only then reach the database.
type SetupResult struct {
	Secret      string
	OTPAuthURL  string
	QRPNG       string // base64-encoded PNG, ready for a data URL
	QRMatrix    [][]bool
	BackupCodes []string
}

// BeginSetup generates a fresh secret and backup codes and returns the
// provisioning material for one-time display.
func (e *Engine) BeginSetup(ctx context.Context, principalID uuid.UUID) (*SetupResult, error) {
	p, err := e.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if p.MFAEnabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: p.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode qr png: %w", err)
	}

	matrix, err := qrMatrix(key.URL())
	if err != nil {
		return nil, err
	}

	codes, _, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}

	return &SetupResult{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRPNG:       base64.StdEncoding.EncodeToString(buf.Bytes()),
		QRMatrix:    matrix,
		BackupCodes: codes,
	}, nil
}

// VerifySetup activates MFA once the user proves possession of the offered
// secret with a valid code. The secret is encrypted and the backup codes
// bcrypt-hashed before anything is stored; the enabled flag and the
// material land in one atomic write.
func (e *Engine) VerifySetup(ctx context.Context, principalID uuid.UUID, secret, code string, backupCodes []string) error {
	p, err := e.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	if p.MFAEnabled {
		return ErrAlreadyEnabled
	}
	if secret == "" || len(backupCodes) != BackupCodeCount {
		return ErrInvalidSetup
	}
	if !validateTOTP(code, secret) {
		return ErrInvalidCode
	}

	hashed := make([]string, len(backupCodes))
	for i, c := range backupCodes {
		norm := normalizeBackupCode(c)
		if len(norm) != backupCodeLen {
			return ErrInvalidSetup
		}
		h, err := bcrypt.GenerateFromPassword([]byte(norm), backupCodeCost)
		if err != nil {
			return fmt.Errorf("hash backup code: %w", err)
		}
		hashed[i] = string(h)
	}

	enc, err := crypto.EncryptSecret(secret, e.key)
	if err != nil {
		return fmt.Errorf("encrypt totp secret: %w", err)
	}
	return e.store.EnableMFA(ctx, principalID, enc, hashed)
}

// VerifyResult reports how a login token verified. Remaining and
// Regenerate are meaningful only when a backup code was spent.
type VerifyResult struct {
	UsedBackupCode bool
	Remaining      int
	Regenerate     bool
}

// VerifyCode validates a submitted login token: TOTP first, backup code as
// fallback. The whole submission costs exactly one attempt against the
// lockout budget no matter how many checks run underneath.
func (e *Engine) VerifyCode(ctx context.Context, p *store.Principal, code string) (*VerifyResult, error) {
	if !p.MFAEnabled || p.MFASecretEnc == nil {
		return nil, ErrNotEnabled
	}

	n, err := e.attempts.Incr(ctx, attemptKey(p.ID), attemptWindow)
	if err != nil {
		return nil, fmt.Errorf("count mfa attempts: %w", err)
	}
	if n > maxAttempts {
		return nil, ErrTooManyAttempts
	}

	secret, err := crypto.DecryptSecret(*p.MFASecretEnc, e.key)
	if err != nil {
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}
	if validateTOTP(code, secret) {
		if err := e.attempts.Reset(ctx, attemptKey(p.ID)); err != nil {
			return nil, fmt.Errorf("reset mfa attempts: %w", err)
		}
		return &VerifyResult{}, nil
	}

	ok, remaining, err := e.store.ConsumeBackupCode(ctx, p.ID, normalizeBackupCode(code))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	if err := e.attempts.Reset(ctx, attemptKey(p.ID)); err != nil {
		return nil, fmt.Errorf("reset mfa attempts: %w", err)
	}
	return &VerifyResult{
		UsedBackupCode: true,
		Remaining:      remaining,
		Regenerate:     remaining <= RegenerateThreshold,
	}, nil
}

// VerifyTOTP validates a login or step-up code against the active secret.
// Failures count toward a per-principal lockout of maxAttempts per window.
func (e *Engine) VerifyTOTP(ctx context.Context, p *store.Principal, code string) error {
	if !p.MFAEnabled || p.MFASecretEnc == nil {
		return ErrNotEnabled
	}

	n, err := e.attempts.Incr(ctx, attemptKey(p.ID), attemptWindow)
	if err != nil {
		return fmt.Errorf("count mfa attempts: %w", err)
	}
	if n > maxAttempts {
		return ErrTooManyAttempts
	}

	secret, err := crypto.DecryptSecret(*p.MFASecretEnc, e.key)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !validateTOTP(code, secret) {
		return ErrInvalidCode
	}

	if err := e.attempts.Reset(ctx, attemptKey(p.ID)); err != nil {
		return fmt.Errorf("reset mfa attempts: %w", err)
	}
	return nil
}

// ConsumeBackupCode redeems a backup code. Each code works exactly once;
// regenerate reports whether the remaining pool is low enough that the
// client should prompt for regeneration.
func (e *Engine) ConsumeBackupCode(ctx context.Context, p *store.Principal, code string) (remaining int, regenerate bool, err error) {
	if !p.MFAEnabled {
		return 0, false, ErrNotEnabled
	}

	n, err := e.attempts.Incr(ctx, attemptKey(p.ID), attemptWindow)
	if err != nil {
		return 0, false, fmt.Errorf("count mfa attempts: %w", err)
	}
	if n > maxAttempts {
		return 0, false, ErrTooManyAttempts
	}

	ok, remaining, err := e.store.ConsumeBackupCode(ctx, p.ID, normalizeBackupCode(code))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return remaining, false, ErrInvalidCode
	}

	if err := e.attempts.Reset(ctx, attemptKey(p.ID)); err != nil {
		return remaining, false, fmt.Errorf("reset mfa attempts: %w", err)
	}
	return remaining, remaining <= RegenerateThreshold, nil
}

// RegenerateBackupCodes replaces the full set and returns the new raw codes.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, principalID uuid.UUID) ([]string, error) {
	raw, hashed, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, principalID, hashed); err != nil {
		return nil, err
	}
	return raw, nil
}

// Disable turns MFA off and destroys all material.
func (e *Engine) Disable(ctx context.Context, principalID uuid.UUID) error {
	return e.store.DisableMFA(ctx, principalID)
}

func attemptKey(id uuid.UUID) string {
	return "mfa:" + id.String()
}

// validateTOTP accepts one 30s step of clock drift in either direction.
func validateTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// generateBackupCodes returns display codes (XXXX-XXXX) alongside bcrypt
// hashes of their normalized form.
func generateBackupCodes(count int) (raw []string, hashed []string, err error) {
	raw = make([]string, count)
	hashed = make([]string, count)
	for i := 0; i < count; i++ {
		code := make([]byte, backupCodeLen)
		for j := range code {
			num, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeCharset))))
			if err != nil {
				return nil, nil, fmt.Errorf("generate backup code: %w", err)
			}
			code[j] = backupCodeCharset[num.Int64()]
		}
		raw[i] = string(code[:4]) + "-" + string(code[4:])

		h, err := bcrypt.GenerateFromPassword(code, backupCodeCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		hashed[i] = string(h)
	}
	return raw, hashed, nil
}

// normalizeBackupCode strips formatting so AB12-CD34 and ab12cd34 compare
// equal against the stored hash.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

// qrMatrix renders the otpauth URL as a boolean module grid for clients
// that draw their own QR code.
func qrMatrix(url string) ([][]bool, error) {
	code, err := qr.Encode(url, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr matrix: %w", err)
	}
	return matrixFromBarcode(code), nil
}

func matrixFromBarcode(code barcode.Barcode) [][]bool {
	bounds := code.Bounds()
	matrix := make([][]bool, bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		row := make([]bool, bounds.Dx())
		for x := 0; x < bounds.Dx(); x++ {
			gray := color.GrayModel.Convert(code.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			row[x] = gray.Y < 128
		}
		matrix[y] = row
	}
	return matrix
}
