package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosdesk/nosdesk/internal/crypto"
	"github.com/nosdesk/nosdesk/internal/store"
)

// testPool connects to the migrated database named by TEST_DATABASE_URL.
// Tests here hit real PostgreSQL; without the variable they are skipped.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := store.NewPool(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// createTestPrincipal inserts a principal with a unique email and removes it
// on cleanup; dependent rows cascade.
func createTestPrincipal(t *testing.T, st *store.Store, pool *pgxpool.Pool, emailVerified bool) *store.Principal {
	t.Helper()
	p, err := st.CreatePrincipal(context.Background(), store.CreateParams{
		DisplayName:   "Test User",
		Role:          store.RoleUser,
		Email:         uuid.NewString() + "@example.com",
		EmailVerified: emailVerified,
		EmailSource:   "invitation",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM principals WHERE id = $1`, p.ID)
	})
	return p
}

func TestConsumeResetToken_SingleUse(t *testing.T) {
	pool := testPool(t)
	st := store.New(pool)
	ctx := context.Background()

	p := createTestPrincipal(t, st, pool, false)

	raw, err := crypto.GenerateSecureToken(32)
	require.NoError(t, err)
	hash := crypto.HashToken(raw)

	err = st.CreateResetToken(ctx, store.CreateResetTokenParams{
		TokenHash:   hash,
		PrincipalID: p.ID,
		TokenType:   store.TokenPasswordReset,
		IP:          "198.51.100.7",
		UserAgent:   "test",
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	tok, err := st.ConsumeResetToken(ctx, hash, store.TokenPasswordReset)
	require.NoError(t, err)
	assert.Equal(t, p.ID, tok.PrincipalID)
	assert.True(t, tok.IsUsed)

	// A replay of the same token loses the conditional update.
	_, err = st.ConsumeResetToken(ctx, hash, store.TokenPasswordReset)
	assert.ErrorIs(t, err, store.ErrTokenConsumed)
}

func TestConsumeResetToken_WrongType(t *testing.T) {
	pool := testPool(t)
	st := store.New(pool)
	ctx := context.Background()

	p := createTestPrincipal(t, st, pool, false)

	raw, err := crypto.GenerateSecureToken(32)
	require.NoError(t, err)
	hash := crypto.HashToken(raw)

	err = st.CreateResetToken(ctx, store.CreateResetTokenParams{
		TokenHash:   hash,
		PrincipalID: p.ID,
		TokenType:   store.TokenMFAReset,
		IP:          "198.51.100.7",
		UserAgent:   "test",
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	// A valid MFA reset token never redeems as a password reset.
	_, err = st.ConsumeResetToken(ctx, hash, store.TokenPasswordReset)
	assert.ErrorIs(t, err, store.ErrTokenConsumed)
}

func TestVerifyPrimaryEmail(t *testing.T) {
	pool := testPool(t)
	st := store.New(pool)
	ctx := context.Background()

	p := createTestPrincipal(t, st, pool, false)

	var verified bool
	err := pool.QueryRow(ctx,
		`SELECT is_verified FROM email_bindings WHERE principal_id = $1 AND is_primary`,
		p.ID).Scan(&verified)
	require.NoError(t, err)
	require.False(t, verified)

	require.NoError(t, st.VerifyPrimaryEmail(ctx, p.ID))

	err = pool.QueryRow(ctx,
		`SELECT is_verified FROM email_bindings WHERE principal_id = $1 AND is_primary`,
		p.ID).Scan(&verified)
	require.NoError(t, err)
	assert.True(t, verified)

	// Unknown principal has no primary binding to verify.
	assert.ErrorIs(t, st.VerifyPrimaryEmail(ctx, uuid.New()), store.ErrNotFound)
}
