package session_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosdesk/nosdesk/internal/session"
	"github.com/nosdesk/nosdesk/internal/store"
)

// testRegistry connects to the migrated database named by TEST_DATABASE_URL
// and seeds one principal for sessions to hang off. Skipped without the
// variable.
func testRegistry(t *testing.T) (*session.Registry, uuid.UUID) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := store.NewPool(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p, err := store.New(pool).CreatePrincipal(context.Background(), store.CreateParams{
		DisplayName: "Session Tester",
		Role:        store.RoleUser,
		Email:       uuid.NewString() + "@example.com",
		EmailSource: "invitation",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM principals WHERE id = $1`, p.ID)
	})

	return session.NewRegistry(pool, time.Hour), p.ID
}

func testDevice() session.DeviceInfo {
	return session.DeviceInfo{Device: "Firefox on Linux", IP: "198.51.100.7", UserAgent: "test"}
}

func TestRotate_ReplayLoses(t *testing.T) {
	reg, principalID := testRegistry(t)
	ctx := context.Background()

	sess, raw, err := reg.Open(ctx, principalID, testDevice())
	require.NoError(t, err)

	res, err := reg.Rotate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, principalID, res.PrincipalID)
	assert.Equal(t, sess.ID, res.SessionID)
	assert.NotEqual(t, raw, res.RefreshRaw)

	// The rotated-away token is revoked; presenting it again loses.
	_, err = reg.Rotate(ctx, raw)
	assert.ErrorIs(t, err, session.ErrInvalidRefresh)

	// The fresh token still works, on the same session.
	res2, err := reg.Rotate(ctx, res.RefreshRaw)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, res2.SessionID)
}

func TestRotate_UnknownToken(t *testing.T) {
	reg, _ := testRegistry(t)

	_, err := reg.Rotate(context.Background(), "never-issued")
	assert.ErrorIs(t, err, session.ErrInvalidRefresh)
}

func TestRotate_AfterRevokeAll(t *testing.T) {
	reg, principalID := testRegistry(t)
	ctx := context.Background()

	_, raw, err := reg.Open(ctx, principalID, testDevice())
	require.NoError(t, err)

	n, err := reg.RevokeAll(ctx, principalID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = reg.Rotate(ctx, raw)
	assert.ErrorIs(t, err, session.ErrInvalidRefresh)
}
