package domain

// KeyState tracks a signing key's position in its rotation lifecycle
// (spec §3 "SigningKey"). Exactly one key per trust domain is ACTIVE.
type KeyState int

const (
	// KeyStateActive marks the key SvidFactory currently signs with.
	KeyStateActive KeyState = iota
	// KeyStateRetired marks a key kept in the bundle until it expires so
	// in-flight tokens remain verifiable.
	KeyStateRetired
)

func (s KeyState) String() string {
	if s == KeyStateActive {
		return "ACTIVE"
	}
	return "RETIRED"
}

// SigningKeyMeta is the KeyManager's view of a key owned by a KeyStore
// adapter: identifying metadata without the private material itself,
// which KeyStore never returns by value (spec §4.2).
type SigningKeyMeta struct {
	Kid       string
	CreatedAt int64
	ExpiresAt int64
	State     KeyState
}

// IsExpired reports whether the key's published expiry has passed.
func (k SigningKeyMeta) IsExpired(now int64) bool {
	return k.ExpiresAt != 0 && k.ExpiresAt <= now
}
