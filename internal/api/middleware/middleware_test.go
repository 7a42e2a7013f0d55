package middleware_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	customMiddleware "github.com/nosdesk/nosdesk/internal/api/middleware"
	"github.com/nosdesk/nosdesk/internal/store"
	"github.com/nosdesk/nosdesk/internal/token"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// fakePrincipals backs the Auth middleware in tests.
type fakePrincipals struct {
	principals map[uuid.UUID]*store.Principal
}

func (f *fakePrincipals) GetPrincipal(ctx context.Context, id uuid.UUID) (*store.Principal, error) {
	p, ok := f.principals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func newAuthFixture(t *testing.T, storedRole string) (func(http.Handler) http.Handler, *token.Mint, uuid.UUID) {
	t.Helper()
	mint, err := token.NewMint("test-secret-test-secret-test-sec", "nosdesk-test")
	require.NoError(t, err)

	id := uuid.New()
	src := &fakePrincipals{principals: map[uuid.UUID]*store.Principal{
		id: {ID: id, DisplayName: "Sam", Role: storedRole, Email: "sam@example.com"},
	}}
	return customMiddleware.Auth(mint, src), mint, id
}

func TestAuth_ValidToken_LoadsPrincipal(t *testing.T) {
	auth, mint, id := newAuthFixture(t, store.RoleTechnician)

	raw, err := mint.IssueAccessToken(id, uuid.New(), "Sam", "sam@example.com", store.RoleTechnician, token.ScopeFull)
	require.NoError(t, err)

	var seen *store.Principal
	handler := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = customMiddleware.MustGetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: customMiddleware.AccessCookie, Value: raw})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, seen)
	assert.Equal(t, id, seen.ID)
}

func TestAuth_StaleRoleClaim_Returns401(t *testing.T) {
	// Stored role is user, but the token was minted while the holder was an
	// admin. The mismatch forces a fresh login.
	auth, mint, id := newAuthFixture(t, store.RoleUser)

	raw, err := mint.IssueAccessToken(id, uuid.New(), "Sam", "sam@example.com", store.RoleAdmin, token.ScopeFull)
	require.NoError(t, err)

	handler := auth(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(&http.Cookie{Name: customMiddleware.AccessCookie, Value: raw})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid or expired token")
}

func TestAuth_UnknownPrincipal_Returns401(t *testing.T) {
	auth, mint, _ := newAuthFixture(t, store.RoleUser)

	raw, err := mint.IssueAccessToken(uuid.New(), uuid.New(), "Ghost", "ghost@example.com", store.RoleUser, token.ScopeFull)
	require.NoError(t, err)

	handler := auth(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: customMiddleware.AccessCookie, Value: raw})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuth_MissingToken_Returns401(t *testing.T) {
	auth, _, _ := newAuthFixture(t, store.RoleUser)

	handler := auth(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Authentication required")
}

func TestCSRF_SafeMethodsPass(t *testing.T) {
	handler := customMiddleware.CSRF(okHandler())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		req := httptest.NewRequest(method, "/auth/me", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "method %s should bypass CSRF", method)
	}
}

func TestCSRF_BearerRequestWithoutCookiesPasses(t *testing.T) {
	handler := customMiddleware.CSRF(okHandler())

	// No access cookie on the request means it cannot be a cross-site
	// cookie-riding attack, so no CSRF check applies.
	req := httptest.NewRequest(http.MethodPost, "/auth/mfa/setup", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCSRF_MissingToken_Returns403(t *testing.T) {
	handler := customMiddleware.CSRF(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", nil)
	req.AddCookie(&http.Cookie{Name: customMiddleware.AccessCookie, Value: "jwt"})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "CSRF token missing")
}

func TestCSRF_HeaderMismatch_Returns403(t *testing.T) {
	handler := customMiddleware.CSRF(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", nil)
	req.AddCookie(&http.Cookie{Name: customMiddleware.AccessCookie, Value: "jwt"})
	req.AddCookie(&http.Cookie{Name: customMiddleware.CSRFCookie, Value: "expected"})
	req.Header.Set("X-CSRF-Token", "forged")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "CSRF token mismatch")
}

func TestCSRF_MatchingTokenPasses(t *testing.T) {
	handler := customMiddleware.CSRF(okHandler())

	req := httptest.NewRequest(http.MethodDelete, "/auth/sessions/others", nil)
	req.AddCookie(&http.Cookie{Name: customMiddleware.AccessCookie, Value: "jwt"})
	req.AddCookie(&http.Cookie{Name: customMiddleware.CSRFCookie, Value: "tok-123"})
	req.Header.Set("X-CSRF-Token", "tok-123")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func withPrincipal(req *http.Request, role string) *http.Request {
	p := &store.Principal{ID: uuid.New(), Role: role}
	ctx := context.WithValue(req.Context(), customMiddleware.PrincipalKey, p)
	return req.WithContext(ctx)
}

func TestRequireRole_Hierarchy(t *testing.T) {
	tests := []struct {
		have string
		need string
		want int
	}{
		{store.RoleAdmin, store.RoleAdmin, http.StatusOK},
		{store.RoleAdmin, store.RoleUser, http.StatusOK},
		{store.RoleTechnician, store.RoleUser, http.StatusOK},
		{store.RoleTechnician, store.RoleAdmin, http.StatusForbidden},
		{store.RoleUser, store.RoleTechnician, http.StatusForbidden},
		{store.RoleUser, store.RoleAdmin, http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s_needs_%s", tc.have, tc.need), func(t *testing.T) {
			handler := customMiddleware.RequireRole(tc.need)(okHandler())

			req := withPrincipal(httptest.NewRequest(http.MethodGet, "/admin/users", nil), tc.have)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestRequireRole_NoPrincipal_Returns401(t *testing.T) {
	handler := customMiddleware.RequireRole(store.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func withClaims(req *http.Request, scope string) *http.Request {
	claims := &token.AccessClaims{Scope: scope}
	ctx := context.WithValue(req.Context(), customMiddleware.ClaimsKey, claims)
	return req.WithContext(ctx)
}

func TestRequireFullScope(t *testing.T) {
	handler := customMiddleware.RequireFullScope(okHandler())

	req := withClaims(httptest.NewRequest(http.MethodGet, "/auth/me", nil), token.ScopeFull)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = withClaims(httptest.NewRequest(http.MethodGet, "/auth/me", nil), token.ScopeMFARecovery)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// No claims in context at all.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCORS_AllowedOriginReflected(t *testing.T) {
	handler := customMiddleware.CORS("https://desk.example.com", nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/auth/providers", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://desk.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rr.Header().Get("Vary"))
}

func TestCORS_Preflight(t *testing.T) {
	handler := customMiddleware.CORS("https://desk.example.com", []string{"http://localhost:5173"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-CSRF-Token")
}

func TestCORS_RejectedOrigin(t *testing.T) {
	handler := customMiddleware.CORS("https://desk.example.com", nil)(okHandler())

	// Preflight from an unknown origin is refused outright.
	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// A plain request still reaches the handler but gets no CORS headers,
	// which makes the browser discard the response.
	req = httptest.NewRequest(http.MethodGet, "/auth/providers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_NoOriginHeaderPasses(t *testing.T) {
	handler := customMiddleware.CORS("https://desk.example.com", nil)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestIPRateLimiter_BurstExhaustion(t *testing.T) {
	// One request per minute with a burst of 2: the third immediate request
	// must be rejected.
	limiter := customMiddleware.NewIPRateLimiter(1, 2)
	handler := limiter.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "198.51.100.7:4431"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPRateLimiter_PerIPBuckets(t *testing.T) {
	limiter := customMiddleware.NewIPRateLimiter(1, 1)
	handler := limiter.Middleware(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	first.RemoteAddr = "198.51.100.8:1000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, first)
	require.Equal(t, http.StatusOK, rr.Code)

	// Same IP is now out of budget.
	again := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	again.RemoteAddr = "198.51.100.8:1001"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, again)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// A different IP has its own bucket.
	other := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	other.RemoteAddr = "198.51.100.9:1000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, other)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGetPrincipal_MissingFromContext(t *testing.T) {
	_, err := customMiddleware.GetPrincipal(context.Background())
	assert.Error(t, err)
}

func TestMustGetPrincipal_PanicsWithoutAuth(t *testing.T) {
	assert.Panics(t, func() {
		customMiddleware.MustGetPrincipal(context.Background())
	})
}

func TestGetClaims_RoundTrip(t *testing.T) {
	claims := &token.AccessClaims{Scope: token.ScopeFull, SessionID: uuid.NewString()}
	ctx := context.WithValue(context.Background(), customMiddleware.ClaimsKey, claims)

	got, err := customMiddleware.GetClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, claims.SessionID, got.SessionID)
}
