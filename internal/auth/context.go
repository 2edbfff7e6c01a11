// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithPrincipal/PrincipalFromContext for propagating identity via context

package auth

import (
	"context"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// principalContextKey is the key type for storing a domain.Principal in context.Context.
type principalContextKey struct{}

// WithPrincipal returns a new context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the principal attached by WithPrincipal,
// returning the zero Principal and false if none is present.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	val := ctx.Value(principalContextKey{})
	if val == nil {
		return domain.Principal{}, false
	}
	p, ok := val.(domain.Principal)
	return p, ok
}

// MustPrincipalFromContext retrieves the principal attached by WithPrincipal,
// panicking if none is present. Used deep in handlers already behind
// authentication middleware, where a missing principal is a programming error.
func MustPrincipalFromContext(ctx context.Context) domain.Principal {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		panic("auth: principal not found in context")
	}
	return p
}
