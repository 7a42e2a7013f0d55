package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosdesk/nosdesk/internal/store"
)

// fakeIdentityStore keeps principals and identities in memory with the same
// uniqueness rules the database enforces.
type fakeIdentityStore struct {
	principals map[uuid.UUID]*store.Principal
	identities []*store.AuthIdentity
	nextID     int64
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{principals: make(map[uuid.UUID]*store.Principal)}
}

func (f *fakeIdentityStore) GetIdentityByExternalID(ctx context.Context, provider, externalID string) (*store.AuthIdentity, error) {
	for _, a := range f.identities {
		if a.Provider == provider && a.ExternalID == externalID {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeIdentityStore) GetPrincipal(ctx context.Context, id uuid.UUID) (*store.Principal, error) {
	if p, ok := f.principals[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeIdentityStore) GetPrincipalByPrimaryEmail(ctx context.Context, email string) (*store.Principal, error) {
	for _, p := range f.principals {
		if strings.EqualFold(p.Email, email) {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeIdentityStore) CreatePrincipal(ctx context.Context, params store.CreateParams) (*store.Principal, error) {
	for _, p := range f.principals {
		if strings.EqualFold(p.Email, params.Email) {
			return nil, store.ErrDuplicateEmail
		}
	}
	p := &store.Principal{
		ID:                  uuid.New(),
		DisplayName:         params.DisplayName,
		Role:                params.Role,
		Email:               params.Email,
		ExternalDirectoryID: params.ExternalDirectoryID,
	}
	f.principals[p.ID] = p
	if params.PasswordHash != nil {
		f.identities = append(f.identities, &store.AuthIdentity{
			ID: f.next(), PrincipalID: p.ID, Provider: store.ProviderLocal,
			ExternalID: p.ID.String(), PasswordHash: params.PasswordHash,
		})
	}
	return p, nil
}

func (f *fakeIdentityStore) LinkIdentity(ctx context.Context, principalID uuid.UUID, provider, externalID, email string, claims json.RawMessage) (*store.AuthIdentity, error) {
	for _, a := range f.identities {
		if a.Provider == provider && a.ExternalID == externalID {
			return nil, store.ErrAlreadyLinked
		}
		if a.Provider == provider && a.PrincipalID == principalID {
			return nil, store.ErrAlreadyLinked
		}
	}
	a := &store.AuthIdentity{
		ID: f.next(), PrincipalID: principalID, Provider: provider,
		ExternalID: externalID, Claims: claims,
	}
	f.identities = append(f.identities, a)
	return a, nil
}

func (f *fakeIdentityStore) UpdateIdentityClaims(ctx context.Context, identityID int64, claims json.RawMessage) error {
	for _, a := range f.identities {
		if a.ID == identityID {
			a.Claims = claims
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeIdentityStore) UpdateProfile(ctx context.Context, principalID uuid.UUID, displayName string, avatarURL *string) error {
	p, ok := f.principals[principalID]
	if !ok {
		return store.ErrNotFound
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if avatarURL != nil {
		p.AvatarURL = avatarURL
	}
	return nil
}

func (f *fakeIdentityStore) next() int64 {
	f.nextID++
	return f.nextID
}

type fixedHasher struct{}

func (fixedHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }
func (fixedHasher) Compare(hash, password string) error  { return nil }

func newTestReconciler() (*Reconciler, *fakeIdentityStore) {
	fs := newFakeIdentityStore()
	return NewReconciler(fs, fixedHasher{}, slog.Default()), fs
}

func ext(provider, subject, email, name string) *ExternalIdentity {
	return &ExternalIdentity{
		Provider: provider, Subject: subject, Email: email,
		EmailVerified: true, Name: name, Claims: json.RawMessage(`{}`),
	}
}

func TestReconcile_CreatesPrincipalOnFirstLogin(t *testing.T) {
	r, fs := newTestReconciler()
	ctx := context.Background()

	p, created, err := r.Reconcile(ctx, ext("oidc", "sub-1", "new@example.com", "New User"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "New User", p.DisplayName)
	assert.Equal(t, store.RoleUser, p.Role)

	// Provider identity plus a placeholder local identity.
	assert.Len(t, fs.identities, 2)
}

func TestReconcile_ExistingIdentityWins(t *testing.T) {
	r, fs := newTestReconciler()
	ctx := context.Background()

	p1, _, err := r.Reconcile(ctx, ext("oidc", "sub-1", "user@example.com", "User"))
	require.NoError(t, err)

	// Same subject, changed email upstream: still the same principal, and
	// no email-based rebinding happens.
	decoy := &store.Principal{ID: uuid.New(), Email: "changed@example.com"}
	fs.principals[decoy.ID] = decoy
	p2, created, err := r.Reconcile(ctx, ext("oidc", "sub-1", "changed@example.com", "User"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p1.ID, p2.ID)
}

func TestReconcile_LinksByPrimaryEmail(t *testing.T) {
	r, fs := newTestReconciler()
	ctx := context.Background()

	local := &store.Principal{ID: uuid.New(), Email: "tech@example.com", Role: store.RoleTechnician}
	fs.principals[local.ID] = local

	p, created, err := r.Reconcile(ctx, ext("microsoft", "graph-1", "tech@example.com", "Tech"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, local.ID, p.ID)

	a, err := fs.GetIdentityByExternalID(ctx, "microsoft", "graph-1")
	require.NoError(t, err)
	assert.Equal(t, local.ID, a.PrincipalID)
}

func TestReconcile_NoEmail(t *testing.T) {
	r, _ := newTestReconciler()
	_, _, err := r.Reconcile(context.Background(), ext("oidc", "sub-1", "", "Nameless"))
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestReconcile_RefreshesClaims(t *testing.T) {
	r, fs := newTestReconciler()
	ctx := context.Background()

	_, _, err := r.Reconcile(ctx, ext("oidc", "sub-1", "user@example.com", "User"))
	require.NoError(t, err)

	e := ext("oidc", "sub-1", "user@example.com", "User")
	e.Claims = json.RawMessage(`{"department":"support"}`)
	_, _, err = r.Reconcile(ctx, e)
	require.NoError(t, err)

	a, err := fs.GetIdentityByExternalID(ctx, "oidc", "sub-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"department":"support"}`, string(a.Claims))
}

func TestConnect(t *testing.T) {
	r, fs := newTestReconciler()
	ctx := context.Background()

	p := &store.Principal{ID: uuid.New(), Email: "me@example.com"}
	other := &store.Principal{ID: uuid.New(), Email: "other@example.com"}
	fs.principals[p.ID] = p
	fs.principals[other.ID] = other

	require.NoError(t, r.Connect(ctx, p.ID, ext("oidc", "sub-1", "me@example.com", "Me")))

	// The same external account cannot be connected to a second principal.
	err := r.Connect(ctx, other.ID, ext("oidc", "sub-1", "other@example.com", "Other"))
	assert.ErrorIs(t, err, store.ErrAlreadyLinked)

	// Reconnecting to the same principal refreshes claims instead of failing.
	e := ext("oidc", "sub-1", "me@example.com", "Me")
	e.Claims = json.RawMessage(`{"refreshed":true}`)
	require.NoError(t, r.Connect(ctx, p.ID, e))
}

func TestGraphUserEmail(t *testing.T) {
	u := GraphUser{Mail: "mail@example.com", UserPrincipalName: "upn@example.com"}
	assert.Equal(t, "mail@example.com", u.Email())

	u.Mail = ""
	assert.Equal(t, "upn@example.com", u.Email())
}
