package domain

// JWK is a JSON Web Key as published into the trust bundle. The domain
// holds only the shape needed for bundle assembly and equality; actual
// cryptographic encode/decode of key material is a ports.KeyStore concern
// (internal/server/keystore uses go-jose for the wire representation).
type JWK struct {
	Kty       string // e.g. "EC"
	Kid       string // unique within a trust domain
	Crv       string // e.g. "P-256"
	X         string // base64url, EC x-coordinate
	Y         string // base64url, EC y-coordinate
	Use       string // always "jwt-svid"
	ExpiresAt int64  // unix seconds
}

// Key returns the (trust_domain, kid) composite key used by Catalog's
// TrustBundleStore.
func (k JWK) Key(trustDomain string) string {
	return trustDomain + "/" + k.Kid
}
