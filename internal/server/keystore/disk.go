package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// Disk is a ports.KeyStore that persists each private key as a PKCS#8 PEM
// file under dir, named "<kid>.pem". This lets a server restart without
// invalidating tokens signed by keys that are still ACTIVE or RETIRED
// (spec §4.4 "Key rotation" retention requirement).
type Disk struct {
	dir string
	mu  sync.RWMutex
	now ports.Clock
}

// NewDisk constructs a PKCS#8-backed key store rooted at dir. Keys already
// present on disk are not cached: each Sign/PublicJWK call reads the key's
// file again, so process memory holds no private material between calls.
func NewDisk(dir string, clock ports.Clock) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir %s: %w", dir, err)
	}
	return &Disk{dir: dir, now: clock}, nil
}

func (d *Disk) path(kid string) string {
	return filepath.Join(d.dir, kid+".pem")
}

func (d *Disk) load(kid string) (*ecdsa.PrivateKey, error) {
	// #nosec G304 - kid is always a uuid generated by CreateKey, never request input
	data, err := os.ReadFile(d.path(kid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore: %w: %s", domain.ErrKeyUnavailable, kid)
		}
		return nil, fmt.Errorf("keystore: read key %s: %w", kid, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keystore: key %s: not PEM encoded", kid)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse key %s: %w", kid, err)
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keystore: key %s: not an ECDSA key", kid)
	}
	return priv, nil
}

// CreateKey implements ports.KeyStore.
func (d *Disk) CreateKey(ctx context.Context) (string, int64, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", 0, fmt.Errorf("keystore: generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", 0, fmt.Errorf("keystore: marshal key: %w", err)
	}
	kid := uuid.NewString()
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.WriteFile(d.path(kid), pemBytes, 0o600); err != nil {
		return "", 0, fmt.Errorf("keystore: write key %s: %w", kid, err)
	}
	return kid, d.now.Now().Unix(), nil
}

// Sign implements ports.KeyStore.
func (d *Disk) Sign(ctx context.Context, kid string, payload []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	priv, err := d.load(kid)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: sign with %s: %w", kid, err)
	}
	return encodeES256Signature(r, s), nil
}

// PublicJWK implements ports.KeyStore.
func (d *Disk) PublicJWK(ctx context.Context, kid string) (ports.PublicJWK, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	priv, err := d.load(kid)
	if err != nil {
		return ports.PublicJWK{}, err
	}
	return publicJWKFromKey(priv)
}

// DeleteKey implements ports.KeyStore.
func (d *Disk) DeleteKey(ctx context.Context, kid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(d.path(kid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: delete key %s: %w", kid, err)
	}
	return nil
}

var _ ports.KeyStore = (*Disk)(nil)
