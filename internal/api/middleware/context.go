package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nosdesk/nosdesk/internal/store"
	"github.com/nosdesk/nosdesk/internal/token"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// Context keys for request-scoped values.
const (
	PrincipalKey contextKey = "principal"
	ClaimsKey    contextKey = "claims"
)

// GetPrincipal extracts the authenticated principal from context.
// Returns an error if the value is missing or wrong type.
func GetPrincipal(ctx context.Context) (*store.Principal, error) {
	val := ctx.Value(PrincipalKey)
	if val == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	p, ok := val.(*store.Principal)
	if !ok {
		return nil, fmt.Errorf("principal has wrong type: %T", val)
	}
	return p, nil
}

// GetClaims extracts the verified access claims from context.
func GetClaims(ctx context.Context) (*token.AccessClaims, error) {
	val := ctx.Value(ClaimsKey)
	if val == nil {
		return nil, fmt.Errorf("claims not found in context")
	}
	c, ok := val.(*token.AccessClaims)
	if !ok {
		return nil, fmt.Errorf("claims have wrong type: %T", val)
	}
	return c, nil
}

// MustGetPrincipal extracts the principal and panics if not found.
// Use only behind the auth middleware.
func MustGetPrincipal(ctx context.Context) *store.Principal {
	p, err := GetPrincipal(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return p
}

// PrincipalID is a convenience accessor for the authenticated principal's ID.
func PrincipalID(ctx context.Context) (uuid.UUID, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}
