package keymanager_test

import (
	"context"
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/catalog"
	"github.com/pocket/hexagon/identityplane/internal/server/keymanager"
	"github.com/pocket/hexagon/identityplane/internal/server/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*keymanager.Manager, ports.TrustBundleStore) {
	t.Helper()
	store := keystore.NewMemory(ports.SystemClock{})
	bundle := catalog.NewMemory()
	mgr := keymanager.New(store, bundle, ports.SystemClock{}, "example.org", 3600)
	return mgr, bundle
}

func TestManager_Start_BootstrapsActiveKey(t *testing.T) {
	ctx := context.Background()
	mgr, bundle := newManager(t)

	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	kid, err := mgr.ActiveKid()
	require.NoError(t, err)
	assert.NotEmpty(t, kid)

	keys, _, err := bundle.GetJWKs(ctx, "example.org")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kid, keys[0].Kid)
}

func TestManager_Sign_UsesActiveKey(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	kid, sig, err := mgr.Sign(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, kid)
	assert.Len(t, sig, 64)
}

func TestManager_ActiveKid_BeforeStart(t *testing.T) {
	mgr, _ := newManager(t)
	_, err := mgr.ActiveKid()
	require.ErrorIs(t, err, domain.ErrNoActiveKey)
}

func TestManager_TriggerRotation_RetiresPreviousKeyButKeepsItVerifiable(t *testing.T) {
	ctx := context.Background()
	mgr, bundle := newManager(t)
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	oldKid, err := mgr.ActiveKid()
	require.NoError(t, err)

	require.NoError(t, mgr.TriggerRotation(ctx))

	newKid, err := mgr.ActiveKid()
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, newKid)

	// The retired key must still be signable and still published, so
	// tokens already issued under it remain verifiable.
	_, err = mgr.SignWithKid(ctx, oldKid, []byte("payload"))
	require.NoError(t, err)

	keys, _, err := bundle.GetJWKs(ctx, "example.org")
	require.NoError(t, err)
	kids := map[string]bool{}
	for _, k := range keys {
		kids[k.Kid] = true
	}
	assert.True(t, kids[oldKid])
	assert.True(t, kids[newKid])
}
