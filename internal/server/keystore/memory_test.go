package keystore_test

import (
	"context"
	"testing"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_CreateSignVerifyRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemory(ports.SystemClock{})

	kid, createdAt, err := store.CreateKey(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, kid)
	assert.InDelta(t, time.Now().Unix(), createdAt, 2)

	sig, err := store.Sign(ctx, kid, []byte("payload"))
	require.NoError(t, err)
	assert.Len(t, sig, 64, "ES256 signature is the raw 32-byte r || 32-byte s concatenation")

	jwk, err := store.PublicJWK(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, "EC", jwk.Kty)
	assert.Equal(t, "P-256", jwk.Crv)
	assert.NotEmpty(t, jwk.X)
	assert.NotEmpty(t, jwk.Y)
}

func TestMemory_Sign_UnknownKeyFails(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemory(ports.SystemClock{})
	_, err := store.Sign(ctx, "nonexistent", []byte("payload"))
	require.ErrorIs(t, err, domain.ErrKeyUnavailable)
}

func TestMemory_DeleteKey_MakesSigningFail(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemory(ports.SystemClock{})
	kid, _, err := store.CreateKey(ctx)
	require.NoError(t, err)

	require.NoError(t, store.DeleteKey(ctx, kid))

	_, err = store.Sign(ctx, kid, []byte("payload"))
	require.ErrorIs(t, err, domain.ErrKeyUnavailable)
}
