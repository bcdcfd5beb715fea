package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	josejwk "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// Memory is a ports.KeyStore holding ES256 (P-256) private keys only in
// process memory. Restarting the server loses all keys - suitable for a
// single short-lived replica or tests, not for production rotation
// continuity (use keystore.Disk for that).
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
	now  ports.Clock
}

// NewMemory constructs an empty in-memory key store.
func NewMemory(clock ports.Clock) *Memory {
	return &Memory{
		keys: make(map[string]*ecdsa.PrivateKey),
		now:  clock,
	}
}

// CreateKey implements ports.KeyStore.
func (m *Memory) CreateKey(ctx context.Context) (string, int64, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", 0, fmt.Errorf("keystore: generate key: %w", err)
	}
	kid := uuid.NewString()

	m.mu.Lock()
	m.keys[kid] = priv
	m.mu.Unlock()

	return kid, m.now.Now().Unix(), nil
}

// Sign implements ports.KeyStore. It returns the ES256 (JWS) signature: the
// raw concatenation of the fixed-width r and s values, not ASN.1 DER.
func (m *Memory) Sign(ctx context.Context, kid string, payload []byte) ([]byte, error) {
	m.mu.RLock()
	priv, ok := m.keys[kid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keystore: %w: %s", domain.ErrKeyUnavailable, kid)
	}

	digest := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: sign with %s: %w", kid, err)
	}
	return encodeES256Signature(r, s), nil
}

// PublicJWK implements ports.KeyStore.
func (m *Memory) PublicJWK(ctx context.Context, kid string) (ports.PublicJWK, error) {
	m.mu.RLock()
	priv, ok := m.keys[kid]
	m.mu.RUnlock()
	if !ok {
		return ports.PublicJWK{}, fmt.Errorf("keystore: %w: %s", domain.ErrKeyUnavailable, kid)
	}
	return publicJWKFromKey(priv)
}

// DeleteKey implements ports.KeyStore.
func (m *Memory) DeleteKey(ctx context.Context, kid string) error {
	m.mu.Lock()
	delete(m.keys, kid)
	m.mu.Unlock()
	return nil
}

// coordByteLen is the fixed width of a P-256 coordinate/ordinate in bytes.
const coordByteLen = 32

func encodeES256Signature(r, s *big.Int) []byte {
	out := make([]byte, coordByteLen*2)
	r.FillBytes(out[:coordByteLen])
	s.FillBytes(out[coordByteLen:])
	return out
}

// publicJWKFromKey renders priv's public half as RFC 7517 JWK fields via
// go-jose's marshaling, rather than hand-rolling the base64url coordinate
// encoding (the wire representation the trust bundle publishes).
func publicJWKFromKey(priv *ecdsa.PrivateKey) (ports.PublicJWK, error) {
	raw, err := json.Marshal(josejwk.JSONWebKey{Key: &priv.PublicKey})
	if err != nil {
		return ports.PublicJWK{}, fmt.Errorf("marshal public jwk: %w", err)
	}
	var wire struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ports.PublicJWK{}, fmt.Errorf("unmarshal public jwk: %w", err)
	}
	return ports.PublicJWK{Kty: wire.Kty, Crv: wire.Crv, X: wire.X, Y: wire.Y}, nil
}

var _ ports.KeyStore = (*Memory)(nil)
