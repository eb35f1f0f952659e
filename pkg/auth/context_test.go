package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithIdentity_RoundTrip(t *testing.T) {
	t.Parallel()
	identity := NewBasicIdentity("user-42", IdentityTypeUser, map[string]any{"email": "test@example.com"})
	ctx := ContextWithIdentity(context.Background(), identity)

	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-42", got.ID())
	assert.Equal(t, IdentityTypeUser, got.Type())
}

func TestIdentityFromContext_Empty(t *testing.T) {
	t.Parallel()
	got, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestMustIdentityFromContext(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustIdentityFromContext(context.Background()) })

	ctx := ContextWithIdentity(context.Background(), NewBasicIdentity("user-1", IdentityTypeUser, nil))
	assert.Equal(t, "user-1", MustIdentityFromContext(ctx).ID())
}

func TestTenantFromContext(t *testing.T) {
	t.Parallel()
	member, err := NewTenantIdentity("user-1", IdentityTypeUser, "acme")
	require.NoError(t, err)

	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "empty context", ctx: context.Background()},
		{name: "identity tenant", ctx: ContextWithIdentity(context.Background(), member), want: "acme", wantOK: true},
		{
			name:   "explicit tenant wins",
			ctx:    ContextWithTenant(ContextWithIdentity(context.Background(), member), "globex"),
			want:   "globex",
			wantOK: true,
		},
		{
			name:   "empty explicit tenant falls back",
			ctx:    ContextWithTenant(ContextWithIdentity(context.Background(), member), ""),
			want:   "acme",
			wantOK: true,
		},
		{name: "identity without tenant", ctx: ContextWithIdentity(context.Background(), NewBasicIdentity("sys", IdentityTypeSystem, nil))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := TenantFromContext(tt.ctx)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
