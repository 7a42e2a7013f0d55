// Package lifecycle implements credential lifecycle flows: password reset,
// MFA reset, invitations and authenticated password change. Every flow that
// replaces a credential also revokes sessions, so stolen cookies die with
// the old credential.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/audit"
	"github.com/nosdesk/nosdesk/internal/crypto"
	"github.com/nosdesk/nosdesk/internal/mailer"
	"github.com/nosdesk/nosdesk/internal/session"
	"github.com/nosdesk/nosdesk/internal/store"
)

var (
	// ErrInvalidToken covers unknown, expired and already redeemed recovery
	// tokens. Deliberately indistinct so callers cannot tell which.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrWeakPassword is returned when a password fails policy.
	ErrWeakPassword = errors.New("password must be between 8 and 128 characters")

	// ErrWrongPassword is returned on password change with a bad current
	// password.
	ErrWrongPassword = errors.New("current password is incorrect")

	// ErrNoLocalCredential is returned when a flow needs a local password
	// and the account has none.
	ErrNoLocalCredential = errors.New("account has no local credential")
)

const (
	PasswordResetTTL = time.Hour
	MFAResetTTL      = 15 * time.Minute
	InvitationTTL    = 7 * 24 * time.Hour

	// resetRequestLimit issuances per principal per window; requests beyond
	// it are silently dropped.
	resetRequestLimit  = 3
	resetRequestWindow = time.Hour

	rawTokenBytes = 32
)

// ValidatePassword enforces the password policy.
func ValidatePassword(password string) error {
	if len(password) < 8 || len(password) > 128 {
		return ErrWeakPassword
	}
	return nil
}

// RequestInfo carries client metadata recorded with issued tokens.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// Service wires the lifecycle flows together.
type Service struct {
	store       *store.Store
	sessions    *session.Registry
	hasher      crypto.PasswordHasher
	mail        mailer.Sender
	recorder    audit.Recorder
	logger      *slog.Logger
	frontendURL string
}

func NewService(st *store.Store, sessions *session.Registry, hasher crypto.PasswordHasher,
	mail mailer.Sender, recorder audit.Recorder, logger *slog.Logger, frontendURL string) *Service {
	return &Service{
		store:       st,
		sessions:    sessions,
		hasher:      hasher,
		mail:        mail,
		recorder:    recorder,
		logger:      logger,
		frontendURL: frontendURL,
	}
}

// RequestPasswordReset issues a reset token and mails the link. Unknown
// emails and rate-limited accounts return success anyway; the endpoint must
// not leak which addresses exist.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, info RequestInfo) error {
	p, err := s.store.GetPrincipalByPrimaryEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Info("password_reset_unknown_email", "ip", info.IP)
			return nil
		}
		return err
	}

	raw, err := s.issueToken(ctx, p.ID, store.TokenPasswordReset, PasswordResetTTL, info, nil)
	if err != nil {
		if errors.Is(err, errTokenRateLimited) {
			s.logger.Warn("password_reset_rate_limited", "principal_id", p.ID, "ip", info.IP)
			return nil
		}
		return err
	}

	s.recorder.Record(ctx, audit.EventPasswordResetSent, audit.Entry{
		PrincipalID: p.ID, IP: info.IP, UserAgent: info.UserAgent,
	})
	return s.mail.SendPasswordReset(ctx, p.Email, s.frontendURL+"/reset-password?token="+raw)
}

// CompletePasswordReset redeems the token and installs the new password.
// The token works exactly once; all sessions are revoked afterwards.
func (s *Service) CompletePasswordReset(ctx context.Context, rawToken, newPassword string, info RequestInfo) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	t, err := s.store.ConsumeResetToken(ctx, crypto.HashToken(rawToken), store.TokenPasswordReset)
	if err != nil {
		if errors.Is(err, store.ErrTokenConsumed) {
			return ErrInvalidToken
		}
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.SetPassword(ctx, t.PrincipalID, hash); err != nil {
		return err
	}

	revoked, err := s.sessions.RevokeAll(ctx, t.PrincipalID)
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	s.recorder.Record(ctx, audit.EventPasswordResetDone, audit.Entry{
		PrincipalID: t.PrincipalID, IP: info.IP, UserAgent: info.UserAgent,
		Metadata: map[string]any{"sessions_revoked": revoked},
	})

	if p, err := s.store.GetPrincipal(ctx, t.PrincipalID); err == nil {
		if err := s.mail.SendPasswordChanged(ctx, p.Email); err != nil {
			s.logger.Warn("password_changed_mail_failed", "error", err)
		}
	}
	return nil
}

// RequestMFAReset issues a short-lived MFA reset token. Only accounts with
// MFA enabled get one; everyone gets the same success response.
func (s *Service) RequestMFAReset(ctx context.Context, email string, info RequestInfo) error {
	p, err := s.store.GetPrincipalByPrimaryEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !p.MFAEnabled {
		return nil
	}

	raw, err := s.issueToken(ctx, p.ID, store.TokenMFAReset, MFAResetTTL, info, nil)
	if err != nil {
		if errors.Is(err, errTokenRateLimited) {
			s.logger.Warn("mfa_reset_rate_limited", "principal_id", p.ID, "ip", info.IP)
			return nil
		}
		return err
	}

	s.recorder.Record(ctx, audit.EventMFAResetSent, audit.Entry{
		PrincipalID: p.ID, IP: info.IP, UserAgent: info.UserAgent,
		Severity: audit.SeverityWarning,
	})
	return s.mail.SendMFAReset(ctx, p.Email, s.frontendURL+"/mfa-reset?token="+raw)
}

// CompleteMFAReset redeems the token, disables MFA and revokes all
// sessions. The returned principal lets the caller establish a recovery
// session so the user can re-enroll.
func (s *Service) CompleteMFAReset(ctx context.Context, rawToken string, info RequestInfo) (*store.Principal, error) {
	t, err := s.store.ConsumeResetToken(ctx, crypto.HashToken(rawToken), store.TokenMFAReset)
	if err != nil {
		if errors.Is(err, store.ErrTokenConsumed) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if err := s.store.DisableMFA(ctx, t.PrincipalID); err != nil {
		return nil, err
	}
	if _, err := s.sessions.RevokeAll(ctx, t.PrincipalID); err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}

	s.recorder.Record(ctx, audit.EventMFAResetDone, audit.Entry{
		PrincipalID: t.PrincipalID, IP: info.IP, UserAgent: info.UserAgent,
		Severity: audit.SeverityCritical,
	})
	return s.store.GetPrincipal(ctx, t.PrincipalID)
}

// invitationMetadata is stored alongside invitation tokens.
type invitationMetadata struct {
	Role      string    `json:"role"`
	InvitedBy uuid.UUID `json:"invited_by"`
}

// CreateInvitation provisions a passwordless principal and returns the raw
// invitation token for the emailed link.
func (s *Service) CreateInvitation(ctx context.Context, actorID uuid.UUID, email, displayName, role string, info RequestInfo) (string, error) {
	if !store.ValidRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if displayName == "" {
		displayName = email
	}

	p, err := s.store.CreatePrincipal(ctx, store.CreateParams{
		DisplayName: displayName,
		Role:        role,
		Email:       email,
		EmailSource: "invitation",
	})
	if err != nil {
		return "", err
	}

	meta, _ := json.Marshal(invitationMetadata{Role: role, InvitedBy: actorID})
	raw, err := s.issueToken(ctx, p.ID, store.TokenInvitation, InvitationTTL, info, meta)
	if err != nil {
		return "", err
	}

	s.recorder.Record(ctx, audit.EventInvitationCreated, audit.Entry{
		PrincipalID: actorID, IP: info.IP, UserAgent: info.UserAgent,
		Metadata: map[string]any{"invited_principal_id": p.ID, "role": role},
	})

	link := s.frontendURL + "/accept-invitation?token=" + raw
	if err := s.mail.SendInvitation(ctx, email, role, link); err != nil {
		s.logger.Warn("invitation_mail_failed", "principal_id", p.ID, "error", err)
	}
	return raw, nil
}

// ValidateInvitation checks an invitation token without consuming it, so
// the acceptance form can render before the user commits a password.
func (s *Service) ValidateInvitation(ctx context.Context, rawToken string) (*store.Principal, error) {
	t, err := s.store.GetResetToken(ctx, crypto.HashToken(rawToken), store.TokenInvitation)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if t.IsUsed || t.Expired() {
		return nil, ErrInvalidToken
	}
	return s.store.GetPrincipal(ctx, t.PrincipalID)
}

// AcceptInvitation consumes the token and sets the account's first
// password.
func (s *Service) AcceptInvitation(ctx context.Context, rawToken, displayName, password string, info RequestInfo) (*store.Principal, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	t, err := s.store.ConsumeResetToken(ctx, crypto.HashToken(rawToken), store.TokenInvitation)
	if err != nil {
		if errors.Is(err, store.ErrTokenConsumed) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.SetPassword(ctx, t.PrincipalID, hash); err != nil {
		return nil, err
	}
	// Redeeming the token proves control of the invited address.
	if err := s.store.VerifyPrimaryEmail(ctx, t.PrincipalID); err != nil {
		return nil, err
	}
	if displayName != "" {
		if err := s.store.UpdateProfile(ctx, t.PrincipalID, displayName, nil); err != nil {
			s.logger.Warn("invitation_profile_update_failed", "principal_id", t.PrincipalID, "error", err)
		}
	}

	s.recorder.Record(ctx, audit.EventInvitationAccepted, audit.Entry{
		PrincipalID: t.PrincipalID, IP: info.IP, UserAgent: info.UserAgent,
	})
	return s.store.GetPrincipal(ctx, t.PrincipalID)
}

// ChangePassword verifies the current password and installs the new one.
// Other sessions are revoked; the session performing the change survives.
func (s *Service) ChangePassword(ctx context.Context, principalID uuid.UUID, keepSessionID uuid.UUID, current, newPassword string, info RequestInfo) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	identity, err := s.store.GetLocalIdentity(ctx, principalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoLocalCredential
		}
		return err
	}
	if identity.PasswordHash == nil {
		return ErrNoLocalCredential
	}
	if err := s.hasher.Compare(*identity.PasswordHash, current); err != nil {
		return ErrWrongPassword
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.SetPassword(ctx, principalID, hash); err != nil {
		return err
	}

	revoked, err := s.sessions.RevokeOthers(ctx, principalID, keepSessionID)
	if err != nil {
		return fmt.Errorf("revoke other sessions: %w", err)
	}

	s.recorder.Record(ctx, audit.EventPasswordChanged, audit.Entry{
		PrincipalID: principalID, IP: info.IP, UserAgent: info.UserAgent,
		Metadata: map[string]any{"sessions_revoked": revoked},
	})

	if p, err := s.store.GetPrincipal(ctx, principalID); err == nil {
		if err := s.mail.SendPasswordChanged(ctx, p.Email); err != nil {
			s.logger.Warn("password_changed_mail_failed", "error", err)
		}
	}
	return nil
}

var errTokenRateLimited = errors.New("token issuance rate limited")

func (s *Service) issueToken(ctx context.Context, principalID uuid.UUID, tokenType string,
	ttl time.Duration, info RequestInfo, metadata json.RawMessage) (string, error) {
	n, err := s.store.CountRecentResetTokens(ctx, principalID, tokenType, resetRequestWindow)
	if err != nil {
		return "", err
	}
	if n >= resetRequestLimit {
		return "", errTokenRateLimited
	}

	raw, err := crypto.GenerateSecureToken(rawTokenBytes)
	if err != nil {
		return "", err
	}
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}

	err = s.store.CreateResetToken(ctx, store.CreateResetTokenParams{
		TokenHash:   crypto.HashToken(raw),
		PrincipalID: principalID,
		TokenType:   tokenType,
		IP:          info.IP,
		UserAgent:   info.UserAgent,
		TTL:         ttl,
		Metadata:    metadata,
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Reaper periodically clears expired sessions and recovery tokens.
type Reaper struct {
	store    *store.Store
	sessions *session.Registry
	logger   *slog.Logger
	interval time.Duration
}

func NewReaper(st *store.Store, sessions *session.Registry, logger *slog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{store: st, sessions: sessions, logger: logger, interval: interval}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	sessions, err := r.sessions.ReapExpired(ctx)
	if err != nil {
		r.logger.Error("reap_sessions_failed", "error", err)
	}
	tokens, err := r.store.DeleteExpiredResetTokens(ctx)
	if err != nil {
		r.logger.Error("reap_tokens_failed", "error", err)
	}
	if sessions > 0 || tokens > 0 {
		r.logger.Info("reaper_sweep", "sessions", sessions, "tokens", tokens)
	}
}
