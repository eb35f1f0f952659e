package auth

import (
	"context"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const (
	// identityKey stores the authenticated Identity in the context.
	identityKey contextKey = iota

	// tenantKey stores an explicit tenant override.
	tenantKey
)

// ContextWithIdentity returns a new context with the given Identity attached.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the Identity from the context. It never
// returns a non-nil identity with false.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// MustIdentityFromContext retrieves the Identity from the context, panicking
// if no identity is present.
func MustIdentityFromContext(ctx context.Context) Identity {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; ensure authentication middleware is configured")
	}
	return identity
}

// ContextWithTenant returns a new context charging work to tenantID,
// regardless of the identity's own tenant. System jobs use it to run on
// behalf of a tenant.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant work in ctx is charged to: the
// explicit tenant set by [ContextWithTenant], else the tenant of the
// identity. It reports false when neither yields a non-empty tenant.
//
//	tenant, ok := auth.TenantFromContext(ctx)
//	if !ok {
//	    return sserr.New(sserr.CodeValidationRequired, "tenant is required")
//	}
func TenantFromContext(ctx context.Context) (string, bool) {
	if tenant, ok := ctx.Value(tenantKey).(string); ok && tenant != "" {
		return tenant, true
	}
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity == nil {
		return "", false
	}
	tenant := identity.TenantID()
	return tenant, tenant != ""
}
