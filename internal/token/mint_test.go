package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func newTestMint(t *testing.T) *Mint {
	t.Helper()
	m, err := NewMint(testSecret, "nosdesk")
	require.NoError(t, err)
	return m
}

func TestNewMint_EmptySecret(t *testing.T) {
	_, err := NewMint("", "nosdesk")
	assert.Error(t, err)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestMint(t)
	userID := uuid.New()
	sessionID := uuid.New()

	signed, err := m.IssueAccessToken(userID, sessionID, "Alice", "alice@example.com", "user", ScopeFull)
	require.NoError(t, err)

	claims, err := m.VerifyAccessToken(signed)
	require.NoError(t, err)

	got, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, got)
	assert.Equal(t, sessionID.String(), claims.SessionID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, ScopeFull, claims.Scope)
}

func TestAccessToken_RecoveryScope(t *testing.T) {
	m := newTestMint(t)

	signed, err := m.IssueAccessToken(uuid.New(), uuid.Nil, "Alice", "alice@example.com", "user", ScopeMFARecovery)
	require.NoError(t, err)

	claims, err := m.VerifyAccessToken(signed)
	require.NoError(t, err)
	assert.Equal(t, ScopeMFARecovery, claims.Scope)
	assert.Empty(t, claims.SessionID)
}

func TestVerify_WrongSecret(t *testing.T) {
	m := newTestMint(t)
	other, err := NewMint("another-secret-also-32-bytes-long!!!", "nosdesk")
	require.NoError(t, err)

	signed, err := m.IssueAccessToken(uuid.New(), uuid.New(), "A", "a@b.c", "user", ScopeFull)
	require.NoError(t, err)

	_, err = other.VerifyAccessToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	m := newTestMint(t)

	// Expired well beyond the 30s leeway.
	claims := AccessClaims{
		Scope: ScopeFull,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-3 * time.Minute)),
		},
	}
	signed, err := m.sign(claims)
	require.NoError(t, err)

	_, err = m.VerifyAccessToken(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_ExpiredWithinLeeway(t *testing.T) {
	m := newTestMint(t)

	claims := AccessClaims{
		Scope: ScopeFull,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := m.sign(claims)
	require.NoError(t, err)

	_, err = m.VerifyAccessToken(signed)
	assert.NoError(t, err)
}

func TestVerify_AlgorithmWhitelist(t *testing.T) {
	m := newTestMint(t)

	// alg=none must never pass, even with a matching payload shape.
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
		Scope: ScopeFull,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.VerifyAccessToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessToken_RejectsUnknownScope(t *testing.T) {
	m := newTestMint(t)

	claims := AccessClaims{
		Scope: "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := m.sign(claims)
	require.NoError(t, err)

	_, err = m.VerifyAccessToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSSETokenRoundTrip(t *testing.T) {
	m := newTestMint(t)
	userID := uuid.New()

	signed, err := m.IssueSSEToken(userID, "technician")
	require.NoError(t, err)

	claims, err := m.VerifySSEToken(signed)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, "technician", claims.Role)
}

func TestStateTokenRoundTrip(t *testing.T) {
	m := newTestMint(t)

	signed, err := m.IssueStateToken(StateClaims{
		Provider:     "oidc",
		RedirectURI:  "https://app.example.com/auth/oauth/callback",
		Nonce:        "nonce-123",
		PKCEVerifier: "verifier-456",
		Connect:      true,
	})
	require.NoError(t, err)

	claims, err := m.VerifyStateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "oidc", claims.Provider)
	assert.Equal(t, "nonce-123", claims.Nonce)
	assert.Equal(t, "verifier-456", claims.PKCEVerifier)
	assert.True(t, claims.Connect)

	// State tokens expire after 10 minutes.
	assert.WithinDuration(t, time.Now().Add(StateTokenTTL), claims.ExpiresAt.Time, 5*time.Second)
}

func TestStateToken_NotAnAccessToken(t *testing.T) {
	m := newTestMint(t)

	signed, err := m.IssueStateToken(StateClaims{Provider: "microsoft", Nonce: "n"})
	require.NoError(t, err)

	// A state token has no valid scope claim and must not authenticate.
	_, err = m.VerifyAccessToken(signed)
	assert.Error(t, err)
}

func TestNewCSRFToken(t *testing.T) {
	a, err := NewCSRFToken()
	require.NoError(t, err)
	b, err := NewCSRFToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
