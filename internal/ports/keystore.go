package ports

import "context"

// KeyStore generates and holds private signing material for a configured
// key type (canonical: ES256). Keys are never returned by value, only
// operations on them - SigningKeyMeta (internal/domain) is the only
// metadata callers see (spec §4.2).
type KeyStore interface {
	// CreateKey generates a new key pair and returns its kid.
	CreateKey(ctx context.Context) (kid string, createdAt int64, err error)

	// Sign produces a raw JWS signature over payload using the named key.
	// Returns domain.ErrKeyUnavailable (wrapped) if the key is missing.
	Sign(ctx context.Context, kid string, payload []byte) (signature []byte, err error)

	// PublicJWK returns the public JWK for a key, without the Use/ExpiresAt
	// fields KeyManager is responsible for stamping before publication.
	PublicJWK(ctx context.Context, kid string) (jwk PublicJWK, err error)

	// DeleteKey removes a key's private material. Deleting an unknown kid is a no-op.
	DeleteKey(ctx context.Context, kid string) error
}

// PublicJWK is the subset of domain.JWK a KeyStore can compute purely from
// key material, before KeyManager attaches trust-domain-scoped metadata.
type PublicJWK struct {
	Kty string
	Crv string
	X   string
	Y   string
}
