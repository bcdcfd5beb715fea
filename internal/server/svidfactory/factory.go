// Package svidfactory builds and signs JWT-SVIDs (spec §4.5 "New JWT-SVID").
package svidfactory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// Signer is the subset of keymanager.Manager a Factory needs: learn which
// key is currently active, then sign against that specific kid so the
// protected header and the signature always agree on which key was used
// even if rotation happens mid-mint.
type Signer interface {
	ActiveKid() (string, error)
	SignWithKid(ctx context.Context, kid string, payload []byte) ([]byte, error)
}

// Factory mints JWT-SVIDs for a registration entry and a requested set of
// audiences. It never touches private key material directly - signing is
// delegated to a Signer so key rotation stays entirely inside keymanager.
type Factory struct {
	signer Signer
	clock  ports.Clock
	keyTTL int64 // seconds; caps the token lifetime alongside the entry's own ttl
}

// New constructs a Factory. keyTTL is the configured jwt.key_ttl (spec §6);
// it upper-bounds every token's lifetime regardless of the entry's ttl so a
// token never outlives the key that could still be used to verify it.
func New(signer Signer, clock ports.Clock, keyTTL int64) *Factory {
	return &Factory{signer: signer, clock: clock, keyTTL: keyTTL}
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type jwtClaims struct {
	Sub string   `json:"sub"`
	Aud []string `json:"aud"`
	Iat int64    `json:"iat"`
	Exp int64    `json:"exp"`
	Jti string   `json:"jti"`
}

// Mint builds and signs a JWT-SVID for spiffeID, scoped to audiences, whose
// lifetime is the smaller of entry.TTL and the configured key TTL (spec
// Open Question decision in SPEC_FULL.md).
func (f *Factory) Mint(ctx context.Context, spiffeID string, entry *domain.RegistrationEntry, audiences []string) (*domain.JWTSVID, error) {
	if len(audiences) == 0 {
		return nil, domain.ErrEmptyAudience
	}
	now := f.clock.Now().Unix()
	if entry.IsExpired(now) {
		return nil, domain.ErrEntryExpired
	}

	ttl := entry.TTL
	if ttl <= 0 || ttl > f.keyTTL {
		ttl = f.keyTTL
	}
	exp := now + ttl

	kid, token, err := f.sign(ctx, spiffeID, audiences, now, exp)
	if err != nil {
		return nil, err
	}

	return &domain.JWTSVID{
		Token:     token,
		SpiffeID:  spiffeID,
		Audiences: audiences,
		IssuedAt:  now,
		ExpiresAt: exp,
		Kid:       kid,
	}, nil
}

// sign builds the signing input (base64url(header).base64url(claims)),
// signs it, and returns the complete compact-serialized token in place of
// a bare signature.
func (f *Factory) sign(ctx context.Context, spiffeID string, audiences []string, iat, exp int64) (kid string, token string, err error) {
	claims := jwtClaims{Sub: spiffeID, Aud: audiences, Iat: iat, Exp: exp, Jti: uuid.NewString()}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("svidfactory: marshal claims: %w", err)
	}

	kid, err = f.signer.ActiveKid()
	if err != nil {
		return "", "", fmt.Errorf("svidfactory: %w", err)
	}

	header := jwtHeader{Alg: "ES256", Typ: "JWT", Kid: kid}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", "", fmt.Errorf("svidfactory: marshal header: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	signature, err := f.signer.SignWithKid(ctx, kid, []byte(signingInput))
	if err != nil {
		return "", "", fmt.Errorf("svidfactory: %w", err)
	}
	return kid, signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
