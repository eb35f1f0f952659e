// Package auth carries the caller's identity and tenant through a
// request's context.
//
// The engine does not authenticate callers. A transport layer validates
// credentials, builds an [Identity] and attaches it with
// [ContextWithIdentity]; the orchestrator then charges executions to the
// tenant returned by [TenantFromContext] when none is passed explicitly.
//
// The identity model supports three types:
//   - User: a human user of a tenant
//   - Service: a service submitting pipelines on a tenant's behalf
//   - System: an internal process (scheduled runs, replays)
package auth

import "errors"

// IdentityType represents the type of authenticated identity.
type IdentityType string

const (
	// IdentityTypeUser represents a human user.
	IdentityTypeUser IdentityType = "user"

	// IdentityTypeService represents a calling service.
	IdentityTypeService IdentityType = "service"

	// IdentityTypeSystem represents an internal process.
	IdentityTypeSystem IdentityType = "system"
)

// TenantClaim is the claim holding an identity's tenant.
const TenantClaim = "tenant_id"

// String returns the string representation of the identity type.
func (t IdentityType) String() string {
	return string(t)
}

// Valid reports whether the identity type is one of the recognized values.
func (t IdentityType) Valid() bool {
	switch t {
	case IdentityTypeUser, IdentityTypeService, IdentityTypeSystem:
		return true
	default:
		return false
	}
}

// Identity is an authenticated caller.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Identity interface {
	// ID returns the unique identifier of the identity.
	ID() string

	// Type returns the category of identity.
	Type() IdentityType

	// TenantID returns the tenant the identity acts for, or "".
	TenantID() string

	// Claims returns a copy of the identity's claims.
	Claims() map[string]any
}

// BasicIdentity is an immutable [Identity]. Its tenant is read from the
// [TenantClaim] claim.
type BasicIdentity struct {
	id     string
	idType IdentityType
	claims map[string]any
}

var _ Identity = (*BasicIdentity)(nil)

// NewBasicIdentity creates a BasicIdentity. The claims map is copied.
func NewBasicIdentity(id string, idType IdentityType, claims map[string]any) *BasicIdentity {
	return &BasicIdentity{
		id:     id,
		idType: idType,
		claims: copyClaims(claims),
	}
}

// NewTenantIdentity creates a BasicIdentity acting for tenantID.
func NewTenantIdentity(id string, idType IdentityType, tenantID string) (*BasicIdentity, error) {
	if id == "" {
		return nil, errors.New("auth: identity id must not be empty")
	}
	if tenantID == "" {
		return nil, errors.New("auth: tenant id must not be empty")
	}
	if !idType.Valid() {
		return nil, errors.New("auth: unknown identity type " + string(idType))
	}
	return NewBasicIdentity(id, idType, map[string]any{TenantClaim: tenantID}), nil
}

// ID returns the unique identifier of the identity.
func (b *BasicIdentity) ID() string {
	return b.id
}

// Type returns the identity type.
func (b *BasicIdentity) Type() IdentityType {
	return b.idType
}

// TenantID returns the [TenantClaim] claim when it is a string.
func (b *BasicIdentity) TenantID() string {
	tenant, _ := b.claims[TenantClaim].(string)
	return tenant
}

// Claims returns a shallow copy of the identity's claims.
func (b *BasicIdentity) Claims() map[string]any {
	return copyClaims(b.claims)
}

func copyClaims(claims map[string]any) map[string]any {
	copied := make(map[string]any, len(claims))
	for k, v := range claims {
		copied[k] = v
	}
	return copied
}
