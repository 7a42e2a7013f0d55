package federation

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
	"github.com/nosdesk/nosdesk/internal/store"
)

// ErrNoEmail is returned when an external identity carries no usable email
// address; without one a principal can neither be matched nor created.
var ErrNoEmail = errors.New("external identity has no email address")

// IdentityStore is the slice of the identity store the reconciler needs.
type IdentityStore interface {
	GetIdentityByExternalID(ctx context.Context, provider, externalID string) (*store.AuthIdentity, error)
	GetPrincipal(ctx context.Context, id uuid.UUID) (*store.Principal, error)
	GetPrincipalByPrimaryEmail(ctx context.Context, email string) (*store.Principal, error)
	CreatePrincipal(ctx context.Context, params store.CreateParams) (*store.Principal, error)
	LinkIdentity(ctx context.Context, principalID uuid.UUID, provider, externalID, email string, claims json.RawMessage) (*store.AuthIdentity, error)
	UpdateIdentityClaims(ctx context.Context, identityID int64, claims json.RawMessage) error
	UpdateProfile(ctx context.Context, principalID uuid.UUID, displayName string, avatarURL *string) error
}

// Reconciler maps external identities onto principals. Interactive OIDC
// logins and the background directory sync both run through it, so the
// matching rules cannot drift apart.
type Reconciler struct {
	store  IdentityStore
	hasher crypto.PasswordHasher
	logger *slog.Logger
}

func NewReconciler(st IdentityStore, hasher crypto.PasswordHasher, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, hasher: hasher, logger: logger}
}

// Reconcile resolves an external identity to a principal. The identity link
// is checked before any email match: once an external account is bound to a
// principal it stays bound, even if the email on the provider side changes.
// An unmatched identity whose email matches an existing principal is linked
// to it; otherwise a new principal is created.
func (r *Reconciler) Reconcile(ctx context.Context, ext *ExternalIdentity) (p *store.Principal, created bool, err error) {
	identity, err := r.store.GetIdentityByExternalID(ctx, ext.Provider, ext.Subject)
	if err == nil {
		if err := r.store.UpdateIdentityClaims(ctx, identity.ID, ext.Claims); err != nil {
			r.logger.Warn("identity_claims_update_failed", "provider", ext.Provider, "error", err)
		}
		p, err := r.store.GetPrincipal(ctx, identity.PrincipalID)
		return p, false, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if ext.Email == "" {
		return nil, false, ErrNoEmail
	}

	p, err = r.store.GetPrincipalByPrimaryEmail(ctx, ext.Email)
	if err == nil {
		if _, err := r.store.LinkIdentity(ctx, p.ID, ext.Provider, ext.Subject, ext.Email, ext.Claims); err != nil {
			return nil, false, fmt.Errorf("link identity to %s: %w", p.ID, err)
		}
		r.logger.Info("identity_linked", "provider", ext.Provider, "principal_id", p.ID)
		return p, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	p, err = r.createPrincipal(ctx, ext)
	if err != nil {
		return nil, false, err
	}
	r.logger.Info("principal_provisioned", "provider", ext.Provider, "principal_id", p.ID)
	return p, true, nil
}

// createPrincipal provisions a new account for a first-time external login.
// A local identity with an unguessable random password is created alongside,
// so the account can later adopt a local credential through password reset.
func (r *Reconciler) createPrincipal(ctx context.Context, ext *ExternalIdentity) (*store.Principal, error) {
	randomPassword, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return nil, err
	}
	hash, err := r.hasher.Hash(randomPassword)
	if err != nil {
		return nil, fmt.Errorf("hash placeholder password: %w", err)
	}

	name := ext.Name
	if name == "" {
		name = ext.Email
	}

	var dirID *string
	if ext.Provider == store.ProviderMicrosoft {
		dirID = &ext.Subject
	}

	p, err := r.store.CreatePrincipal(ctx, store.CreateParams{
		DisplayName:         name,
		Role:                store.RoleUser,
		Email:               ext.Email,
		EmailVerified:       ext.EmailVerified,
		EmailSource:         ext.Provider,
		PasswordHash:        &hash,
		ExternalDirectoryID: dirID,
	})
	if err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}

	if _, err := r.store.LinkIdentity(ctx, p.ID, ext.Provider, ext.Subject, ext.Email, ext.Claims); err != nil {
		return nil, fmt.Errorf("link identity: %w", err)
	}
	return p, nil
}

// Connect binds an external identity to an already authenticated principal.
// Unlike Reconcile it never creates accounts and never matches by email.
func (r *Reconciler) Connect(ctx context.Context, principalID uuid.UUID, ext *ExternalIdentity) error {
	existing, err := r.store.GetIdentityByExternalID(ctx, ext.Provider, ext.Subject)
	if err == nil {
		if existing.PrincipalID == principalID {
			return r.store.UpdateIdentityClaims(ctx, existing.ID, ext.Claims)
		}
		return store.ErrAlreadyLinked
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = r.store.LinkIdentity(ctx, principalID, ext.Provider, ext.Subject, ext.Email, ext.Claims)
	return err
}

// SyncStats summarizes one directory sync run.
type SyncStats struct {
	Seen    int
	Created int
	Updated int
	Skipped int
}

// Syncer imports the Microsoft directory into the principal store.
type Syncer struct {
	graph    *GraphClient
	rec      *Reconciler
	recorder audit.Recorder
	logger   *slog.Logger
}

func NewSyncer(graph *GraphClient, rec *Reconciler, recorder audit.Recorder, logger *slog.Logger) *Syncer {
	return &Syncer{graph: graph, rec: rec, recorder: recorder, logger: logger}
}

// Sync lists every directory user and reconciles each one. Disabled
// accounts and accounts without email are skipped; individual failures are
// logged and do not abort the run.
func (s *Syncer) Sync(ctx context.Context) (*SyncStats, error) {
	users, err := s.graph.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list directory users: %w", err)
	}

	stats := &SyncStats{Seen: len(users)}
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !u.AccountEnabled || u.Email() == "" {
			stats.Skipped++
			continue
		}

		claims, _ := json.Marshal(u)
		p, created, err := s.rec.Reconcile(ctx, &ExternalIdentity{
			Provider:      store.ProviderMicrosoft,
			Subject:       u.ID,
			Email:         u.Email(),
			EmailVerified: true,
			Name:          u.DisplayName,
			Claims:        claims,
		})
		if err != nil {
			s.logger.Error("directory_sync_user_failed", "graph_id", u.ID, "error", err)
			stats.Skipped++
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}

		s.syncProfile(ctx, p, u)

		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-time.After(photoDelay):
		}
	}

	s.recorder.Record(ctx, audit.EventDirectorySync, audit.Entry{
		Metadata: map[string]any{
			"seen":    stats.Seen,
			"created": stats.Created,
			"updated": stats.Updated,
			"skipped": stats.Skipped,
		},
	})
	s.logger.Info("directory_sync_complete",
		"seen", stats.Seen, "created", stats.Created, "updated", stats.Updated, "skipped", stats.Skipped)
	return stats, nil
}

func (s *Syncer) syncProfile(ctx context.Context, p *store.Principal, u GraphUser) {
	var avatar *string
	photo, err := s.graph.FetchPhotoDataURL(ctx, u.ID)
	if err != nil {
		s.logger.Warn("directory_sync_photo_failed", "graph_id", u.ID, "error", err)
	} else if photo != "" {
		avatar = &photo
	}

	if err := s.rec.store.UpdateProfile(ctx, p.ID, u.DisplayName, avatar); err != nil {
		s.logger.Warn("directory_sync_profile_failed", "principal_id", p.ID, "error", err)
	}
}
