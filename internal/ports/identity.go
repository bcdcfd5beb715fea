package ports

import "context"

// Identity is the authenticated caller of a server-facing request, as
// extracted from a validated agent JWT-SVID by an inbound HTTP adapter.
type Identity struct {
	SPIFFEID    string
	TrustDomain string
	Path        string
	ExpiresAt   int64
}

// identityKey is the context key for storing Identity. Unexported so
// external packages can't fabricate one.
type identityKey struct{}

// WithIdentity stores an Identity in the context. Called by inbound
// adapters after authenticating the caller's SVID.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom retrieves the Identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
