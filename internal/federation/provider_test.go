package federation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosdesk/nosdesk/internal/config"
)

// newDiscoveryServer serves a minimal OIDC discovery document whose issuer
// matches the server's own URL, which is what go-oidc validates.
func newDiscoveryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/keys",
			"userinfo_endpoint":      srv.URL + "/userinfo",
			"end_session_endpoint":   srv.URL + "/logout",
		})
	})
	return srv
}

func TestNewOIDCProvider_DiscoveredEndpoints(t *testing.T) {
	srv := newDiscoveryServer(t)

	p, err := NewOIDCProvider(context.Background(), config.OIDCConfig{
		IssuerURL:   srv.URL,
		ClientID:    "client",
		RedirectURI: "https://desk.example.com/auth/oauth/oidc/callback",
		DisplayName: "Single Sign-On",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/userinfo", p.userinfoURI)
	// The provider's end_session_endpoint becomes the logout target when none
	// is configured.
	assert.Equal(t, srv.URL+"/logout", p.LogoutURI)
	assert.NotNil(t, p.verifier)
}

func TestNewOIDCProvider_ConfiguredLogoutWins(t *testing.T) {
	srv := newDiscoveryServer(t)

	p, err := NewOIDCProvider(context.Background(), config.OIDCConfig{
		IssuerURL:   srv.URL,
		ClientID:    "client",
		RedirectURI: "https://desk.example.com/auth/oauth/oidc/callback",
		LogoutURI:   "https://idp.example.com/custom-logout",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, "https://idp.example.com/custom-logout", p.LogoutURI)
}

func TestNewOIDCProvider_ManualMode(t *testing.T) {
	p, err := NewOIDCProvider(context.Background(), config.OIDCConfig{
		AuthURI:     "https://idp.example.com/authorize",
		TokenURI:    "https://idp.example.com/token",
		UserinfoURI: "https://idp.example.com/userinfo",
		ClientID:    "client",
		RedirectURI: "https://desk.example.com/auth/oauth/oidc/callback",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	// No JWKS means no verifier; identity will come from userinfo.
	assert.Nil(t, p.verifier)
	assert.Equal(t, "https://idp.example.com/userinfo", p.userinfoURI)
}
