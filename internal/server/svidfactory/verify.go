package svidfactory

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/pocket/hexagon/identityplane/internal/domain"
)

// coordByteLen is the fixed width of a P-256 coordinate in bytes; an ES256
// signature is r and s each padded to this width.
const coordByteLen = 32

// Claims is the decoded, verified payload of a JWT-SVID.
type Claims struct {
	Sub string
	Aud []string
	Iat int64
	Exp int64
	Jti string
}

// Verify checks a compact-serialized ES256 JWT-SVID against the supplied
// trust bundle keys, returning its claims if the signature is valid, the
// kid is known, and the token has not expired as of now.
func Verify(token string, keys []domain.JWK, now int64) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed token", domain.ErrUnauthenticated)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad header encoding", domain.ErrUnauthenticated)
	}
	var header jwtHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: bad header", domain.ErrUnauthenticated)
	}
	if header.Alg != "ES256" {
		return nil, fmt.Errorf("%w: unsupported alg %q", domain.ErrUnauthenticated, header.Alg)
	}

	jwk, ok := findKey(keys, header.Kid)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key %q", domain.ErrUnauthenticated, header.Kid)
	}
	pub, err := publicKeyFromJWK(jwk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(signature) != coordByteLen*2 {
		return nil, fmt.Errorf("%w: bad signature encoding", domain.ErrUnauthenticated)
	}
	r := new(big.Int).SetBytes(signature[:coordByteLen])
	s := new(big.Int).SetBytes(signature[coordByteLen:])

	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return nil, fmt.Errorf("%w: signature verification failed", domain.ErrUnauthenticated)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad claims encoding", domain.ErrUnauthenticated)
	}
	var claims jwtClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad claims", domain.ErrUnauthenticated)
	}
	if claims.Exp <= now {
		return nil, fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	}

	return &Claims{Sub: claims.Sub, Aud: claims.Aud, Iat: claims.Iat, Exp: claims.Exp, Jti: claims.Jti}, nil
}

func findKey(keys []domain.JWK, kid string) (domain.JWK, bool) {
	for _, k := range keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return domain.JWK{}, false
}

func publicKeyFromJWK(jwk domain.JWK) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}, nil
}
