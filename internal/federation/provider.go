// Package federation connects external identity to local principals: OIDC
// login with PKCE, Microsoft Entra sign-in and Graph directory sync. All
// paths converge on the reconciler, which owns the identity-to-principal
// mapping rules.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/nosdesk/nosdesk/internal/config"
)

var (
	// ErrNonceMismatch is returned when the ID token nonce does not match
	// the value bound into the state token at authorization time.
	ErrNonceMismatch = errors.New("id token nonce does not match expected value")

	// ErrNonceMissing is returned when a nonce was sent but the ID token
	// carries none.
	ErrNonceMissing = errors.New("id token missing nonce claim")

	// ErrExchangeFailed wraps failures of the code exchange or token
	// validation.
	ErrExchangeFailed = errors.New("authorization code exchange failed")
)

// ExternalIdentity is a provider-verified identity, normalized from an ID
// token or userinfo response.
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Claims        json.RawMessage
}

// Provider runs the Authorization Code + PKCE flow against one upstream IDP.
// Discovery mode validates ID tokens against the issuer's JWKS; manual mode
// has no verification keys and falls back to the userinfo endpoint.
type Provider struct {
	Name        string
	DisplayName string
	LogoutURI   string

	oauth         *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	userinfoURI   string
	usernameClaim string
	logger        *slog.Logger
}

// NewOIDCProvider builds the generic OIDC provider from configuration.
// With an issuer URL it performs discovery; otherwise it uses the explicit
// endpoints and logs a warning, since without a JWKS the ID token signature
// cannot be checked.
func NewOIDCProvider(ctx context.Context, cfg config.OIDCConfig, logger *slog.Logger) (*Provider, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	p := &Provider{
		Name:          "oidc",
		DisplayName:   cfg.DisplayName,
		LogoutURI:     cfg.LogoutURI,
		usernameClaim: cfg.UsernameClaim,
		logger:        logger,
	}

	if cfg.Manual() {
		p.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURI,
				TokenURL:  cfg.TokenURI,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		p.userinfoURI = cfg.UserinfoURI
		logger.Warn("oidc_manual_endpoints",
			"detail", "no issuer configured, id token signatures will not be verified; identity comes from the userinfo endpoint")
		return p, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	var doc struct {
		UserinfoEndpoint   string `json:"userinfo_endpoint"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&doc); err == nil {
		p.userinfoURI = doc.UserinfoEndpoint
		// Explicitly configured logout URIs win over the discovered one.
		if p.LogoutURI == "" {
			p.LogoutURI = doc.EndSessionEndpoint
		}
	}
	return p, nil
}

// NewMicrosoftProvider builds the Entra ID sign-in provider via the tenant's
// v2.0 issuer, which supports discovery.
func NewMicrosoftProvider(ctx context.Context, cfg config.MicrosoftConfig, logger *slog.Logger) (*Provider, error) {
	issuer := fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", cfg.TenantID)
	p, err := NewOIDCProvider(ctx, config.OIDCConfig{
		IssuerURL:    issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		DisplayName:  "Microsoft",
	}, logger)
	if err != nil {
		return nil, err
	}
	p.Name = "microsoft"
	return p, nil
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL builds the redirect to the upstream IDP. The state is an
// opaque signed token minted by the caller; the nonce ends up in the ID
// token and the PKCE challenge is derived from the verifier.
func (p *Provider) AuthCodeURL(state, nonce, pkceVerifier string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkceVerifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// Exchange redeems the authorization code and resolves the caller's
// identity. In discovery mode the ID token is signature-verified and its
// nonce checked against the expected value; in manual mode identity comes
// from the userinfo endpoint instead.
func (p *Provider) Exchange(ctx context.Context, code, pkceVerifier, nonce string) (*ExternalIdentity, error) {
	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	if p.verifier != nil {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			return nil, fmt.Errorf("%w: no id token in response", ErrExchangeFailed)
		}
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
		}
		if nonce != "" {
			if idToken.Nonce == "" {
				return nil, ErrNonceMissing
			}
			if idToken.Nonce != nonce {
				return nil, ErrNonceMismatch
			}
		}
		return p.identityFromIDToken(idToken)
	}

	return p.identityFromUserinfo(ctx, token)
}

func (p *Provider) identityFromIDToken(idToken *oidc.IDToken) (*ExternalIdentity, error) {
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}
	return p.normalize(idToken.Subject, claims)
}

func (p *Provider) identityFromUserinfo(ctx context.Context, token *oauth2.Token) (*ExternalIdentity, error) {
	if p.userinfoURI == "" {
		return nil, fmt.Errorf("%w: no userinfo endpoint configured", ErrExchangeFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURI, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %w", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode userinfo: %w", ErrExchangeFailed, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: userinfo has no subject", ErrExchangeFailed)
	}
	return p.normalize(sub, claims)
}

// normalize maps raw claims onto the fields the reconciler needs. Entra
// tokens often carry the address in preferred_username or upn rather than
// email, so those are fallbacks; a configured username claim wins.
func (p *Provider) normalize(subject string, claims map[string]any) (*ExternalIdentity, error) {
	str := func(key string) string {
		v, _ := claims[key].(string)
		return v
	}

	email := ""
	if p.usernameClaim != "" {
		email = str(p.usernameClaim)
	}
	for _, key := range []string{"email", "preferred_username", "upn"} {
		if email != "" {
			break
		}
		email = str(key)
	}

	verified := false
	if v, ok := claims["email_verified"].(bool); ok {
		verified = v
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("marshal claims: %w", err)
	}

	return &ExternalIdentity{
		Provider:      p.Name,
		Subject:       subject,
		Email:         email,
		EmailVerified: verified,
		Name:          str("name"),
		Claims:        raw,
	}, nil
}
