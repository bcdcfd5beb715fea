package domain

// JWTSVID is the result of a successful SvidFactory signing operation
// (spec §4.5). Token is the compact-serialized JWS; the remaining fields
// are surfaced separately so callers don't need to re-parse the token.
type JWTSVID struct {
	Token     string
	SpiffeID  string
	Audiences []string
	IssuedAt  int64
	ExpiresAt int64
	Kid       string
}
