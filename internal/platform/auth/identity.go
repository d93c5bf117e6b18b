package auth

import (
	"context"
)

// Identity is the caller as asserted by the gateway. TenantID scopes every
// read and write the caller performs.
type Identity struct {
	Subject  string
	Email    string
	TenantID string
	Roles    []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
