package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/federation"
	"github.com/nosdesk/nosdesk/internal/token"
)

func TestDeviceLabel(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36", "Chrome on Windows"},
		{"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0", "Edge on Windows"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", "Firefox on Linux"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15", "Safari on macOS"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Version/17.0 Mobile/15E148 Safari/604.1", "Safari on iOS"},
		{"curl/8.4.0", "Unknown browser"},
		{"", "Unknown browser"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, deviceLabel(tc.ua), "ua: %s", tc.ua)
	}
}

func TestSetAuthCookies_Attributes(t *testing.T) {
	h := NewHandler(Config{Production: true})

	rr := httptest.NewRecorder()
	h.setAuthCookies(rr, "access-jwt", "refresh-raw", "csrf-val")

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 3)

	byName := map[string]*http.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}

	access := byName["access_token"]
	require.NotNil(t, access)
	assert.Equal(t, "access-jwt", access.Value)
	assert.Equal(t, "/", access.Path)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, http.SameSiteLaxMode, access.SameSite)

	refresh := byName["refresh_token"]
	require.NotNil(t, refresh)
	assert.Equal(t, "/auth/refresh", refresh.Path, "refresh cookie must not ride on ordinary requests")
	assert.True(t, refresh.HttpOnly)
	assert.True(t, refresh.Secure)
	assert.Equal(t, http.SameSiteStrictMode, refresh.SameSite)

	csrf := byName["csrf_token"]
	require.NotNil(t, csrf)
	assert.False(t, csrf.HttpOnly, "client JavaScript must be able to read the CSRF token")
	assert.Equal(t, http.SameSiteStrictMode, csrf.SameSite)
}

func TestSetAuthCookies_DevIsNotSecure(t *testing.T) {
	h := NewHandler(Config{Production: false})

	rr := httptest.NewRecorder()
	h.setAuthCookies(rr, "a", "r", "c")

	for _, c := range rr.Result().Cookies() {
		assert.False(t, c.Secure, "cookie %s should not be Secure outside production", c.Name)
	}
}

func TestClearAuthCookies(t *testing.T) {
	h := NewHandler(Config{})

	rr := httptest.NewRecorder()
	h.clearAuthCookies(rr)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 3)
	for _, c := range cookies {
		assert.Empty(t, c.Value)
		assert.Less(t, c.MaxAge, 0, "cookie %s should be expired", c.Name)
	}
}

func TestLoginRequest_Validate(t *testing.T) {
	valid := LoginRequest{Email: "tech@example.com", Password: "hunter22"}
	assert.NoError(t, valid.Validate())

	noPassword := LoginRequest{Email: "tech@example.com"}
	assert.Error(t, noPassword.Validate())

	badEmail := LoginRequest{Email: "not-an-email", Password: "hunter22"}
	assert.Error(t, badEmail.Validate())
}

func TestLogin_MalformedBody_Returns400(t *testing.T) {
	h := NewHandler(Config{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.Login(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogin_UnknownField_Returns400(t *testing.T) {
	h := NewHandler(Config{})

	body := `{"email":"a@b.com","password":"x","extra":"field"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Login(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMFALogin_WithoutEngine_Returns503(t *testing.T) {
	h := NewHandler(Config{})

	body := `{"email":"a@b.com","password":"x","mfa_token":"123456"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/mfa-login", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.MFALogin(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMFASetupLogin_WithoutEngine_Returns503(t *testing.T) {
	h := NewHandler(Config{})

	req := httptest.NewRequest(http.MethodPost, "/auth/mfa-setup-login", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.MFASetupLogin(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLogout_WithoutCookies_StillClears(t *testing.T) {
	h := NewHandler(Config{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rr := httptest.NewRecorder()
	h.Logout(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"success":true`)
	assert.Len(t, rr.Result().Cookies(), 3, "all three cookies get expired")
}

func TestRefresh_WithoutCookie_Returns401(t *testing.T) {
	h := NewHandler(Config{})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	rr := httptest.NewRecorder()
	h.Refresh(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProviders_ListsEnabledProviders(t *testing.T) {
	h := NewHandler(Config{
		Providers: map[string]*federation.Provider{
			"authentik": {Name: "authentik", DisplayName: "Authentik"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/auth/providers", nil)
	rr := httptest.NewRecorder()
	h.Providers(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"authentik"`)
	assert.Contains(t, rr.Body.String(), `"display_name":"Authentik"`)
}

func TestProviders_EmptyIsAnArray(t *testing.T) {
	h := NewHandler(Config{})

	req := httptest.NewRequest(http.MethodGet, "/auth/providers", nil)
	rr := httptest.NewRecorder()
	h.Providers(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"providers":[]`)
}

func TestCurrentSessionID(t *testing.T) {
	// No claims in context.
	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	assert.Equal(t, uuid.Nil, currentSessionID(req))

	// Claims with a valid sid.
	sid := uuid.New()
	claims := &token.AccessClaims{Scope: token.ScopeFull, SessionID: sid.String()}
	ctx := context.WithValue(req.Context(), middleware.ClaimsKey, claims)
	assert.Equal(t, sid, currentSessionID(req.WithContext(ctx)))

	// Recovery tokens carry no sid.
	claims = &token.AccessClaims{Scope: token.ScopeMFARecovery}
	ctx = context.WithValue(req.Context(), middleware.ClaimsKey, claims)
	assert.Equal(t, uuid.Nil, currentSessionID(req.WithContext(ctx)))
}
