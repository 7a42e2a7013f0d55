// Package token issues and verifies the structured, signed tokens of the
// identity core: access tokens, SSE tokens and OAuth state tokens. Opaque
// refresh and reset tokens are minted elsewhere and stored hashed; they are
// not JWTs.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/crypto"
)

// Common errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Token scopes. A full-scope token authenticates any API call; an
// mfa_recovery token is accepted only by the MFA management endpoints.
const (
	ScopeFull        = "full"
	ScopeMFARecovery = "mfa_recovery"
)

// Default lifetimes.
const (
	AccessTokenTTL = 24 * time.Hour
	SSETokenTTL    = time.Hour
	StateTokenTTL  = 10 * time.Minute

	// Leeway tolerated on exp/nbf during verification.
	clockLeeway = 30 * time.Second
)

// AccessClaims are the claims carried by the access cookie. SessionID ties
// the token to its server-side session row; recovery-scoped tokens have no
// session and leave it empty.
type AccessClaims struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Scope     string `json:"scope"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a UUID.
func (c *AccessClaims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// SSEClaims authorize the event stream only. EventSource cannot set custom
// headers, so this token travels in a response body and is short-lived.
type SSEClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// StateClaims bind an in-flight OAuth exchange: the PKCE verifier and nonce
// never leave the server unsigned.
type StateClaims struct {
	Provider     string `json:"provider"`
	RedirectURI  string `json:"redirect_uri"`
	Nonce        string `json:"nonce"`
	PKCEVerifier string `json:"pkce_verifier"`
	Connect      bool   `json:"user_connection"`
	jwt.RegisteredClaims
}

// Mint signs and verifies tokens with the process-wide HS256 secret.
type Mint struct {
	secret []byte
	issuer string
}

// NewMint creates a token mint. The secret length is validated by config at
// startup; an empty secret is still rejected here as a last line of defense.
func NewMint(secret, issuer string) (*Mint, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &Mint{secret: []byte(secret), issuer: issuer}, nil
}

// IssueAccessToken creates a signed access token for the principal.
// sessionID may be uuid.Nil for sessionless recovery tokens.
func (m *Mint) IssueAccessToken(userID, sessionID uuid.UUID, name, email, role, scope string) (string, error) {
	now := time.Now()
	var sid string
	if sessionID != uuid.Nil {
		sid = sessionID.String()
	}
	claims := AccessClaims{
		Name:      name,
		Email:     email,
		Role:      role,
		Scope:     scope,
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
		},
	}
	return m.sign(claims)
}

// IssueSSEToken creates the short-lived event-stream token.
func (m *Mint) IssueSSEToken(userID uuid.UUID, role string) (string, error) {
	now := time.Now()
	claims := SSEClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SSETokenTTL)),
		},
	}
	return m.sign(claims)
}

// IssueStateToken packs an OAuth exchange into a signed state parameter.
func (m *Mint) IssueStateToken(state StateClaims) (string, error) {
	now := time.Now()
	state.Issuer = m.issuer
	state.IssuedAt = jwt.NewNumericDate(now)
	state.ExpiresAt = jwt.NewNumericDate(now.Add(StateTokenTTL))
	return m.sign(state)
}

// VerifyAccessToken parses and verifies an access token.
// Role/existence checks against the store are the caller's responsibility.
func (m *Mint) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Scope != ScopeFull && claims.Scope != ScopeMFARecovery {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifySSEToken parses and verifies an SSE token.
func (m *Mint) VerifySSEToken(tokenString string) (*SSEClaims, error) {
	claims := &SSEClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyStateToken parses and verifies an OAuth state token.
func (m *Mint) VerifyStateToken(tokenString string) (*StateClaims, error) {
	claims := &StateClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// NewCSRFToken mints the double-submit CSRF value issued alongside the access
// cookie. It is random, not signed; the defense is cookie/header equality.
func NewCSRFToken() (string, error) {
	return crypto.GenerateSecureToken(32)
}

func (m *Mint) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (m *Mint) verify(tokenString string, claims jwt.Claims) error {
	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(clockLeeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}
