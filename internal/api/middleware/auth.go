package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
	"github.com/nosdesk/nosdesk/internal/store"
	"github.com/nosdesk/nosdesk/internal/token"
)

// AccessCookie is the name of the HttpOnly cookie carrying the access JWT.
const AccessCookie = "access_token"

// PrincipalSource loads the live principal record behind a verified token.
type PrincipalSource interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (*store.Principal, error)
}

// Auth validates the access cookie and loads the principal behind it.
// The role baked into the token must still match the stored role; a
// mismatch means the role changed after issuance, and the holder has to
// log in again rather than keep acting under stale claims.
func Auth(mint *token.Mint, st PrincipalSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				helpers.RespondError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			claims, err := mint.VerifyAccessToken(raw)
			if err != nil {
				slog.Warn("invalid_access_token", "error", err, "ip", helpers.ClientIP(r))
				helpers.RespondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			userID, err := claims.UserID()
			if err != nil {
				helpers.RespondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			principal, err := st.GetPrincipal(r.Context(), userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					helpers.RespondError(w, http.StatusUnauthorized, "Invalid or expired token")
					return
				}
				slog.Error("auth_principal_lookup_failed", "error", err)
				helpers.RespondError(w, http.StatusInternalServerError, "Internal server error")
				return
			}

			if claims.Role != principal.Role {
				slog.Warn("stale_role_claim",
					"principal", principal.ID,
					"token_role", claims.Role,
					"stored_role", principal.Role,
				)
				helpers.RespondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			ctx = context.WithValue(ctx, PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireFullScope rejects recovery-scoped tokens. The MFA management
// endpoints are the only surface that accepts an mfa_recovery token.
func RequireFullScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r.Context())
		if err != nil || claims.Scope != token.ScopeFull {
			helpers.RespondError(w, http.StatusForbidden, "Insufficient token scope")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole enforces a role hierarchy check against the stored role.
func RequireRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := GetPrincipal(r.Context())
			if err != nil {
				helpers.RespondError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			if roleWeight(principal.Role) < roleWeight(requiredRole) {
				slog.Warn("rbac_denied",
					"principal", principal.ID,
					"have", principal.Role,
					"need", requiredRole,
				)
				helpers.RespondError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var roleWeights = map[string]int{
	store.RoleAdmin:      3,
	store.RoleTechnician: 2,
	store.RoleUser:       1,
}

func roleWeight(role string) int {
	return roleWeights[role]
}

// extractToken prefers the access cookie and falls back to a bearer header
// for non-browser clients.
func extractToken(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
