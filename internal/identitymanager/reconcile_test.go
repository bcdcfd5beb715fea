package identitymanager_test

import (
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/identitymanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSelector(t *testing.T, plugin, value string) domain.Selector {
	t.Helper()
	s, err := domain.NewSelector(plugin, value)
	require.NoError(t, err)
	return s
}

func mustEntry(t *testing.T, path string, ttl int64, sels ...domain.Selector) *domain.RegistrationEntry {
	t.Helper()
	e, err := domain.NewRegistrationEntry(path, "", domain.SelectorKindNode, sels, ttl, false, 0, nil, false, nil)
	require.NoError(t, err)
	return e
}

func TestReconcile_CreatesMissingEntries(t *testing.T) {
	sel := mustSelector(t, "psat", "CLUSTER:prod")
	desired := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 3600, sel)}

	plan := identitymanager.Reconcile(desired, nil)

	require.Len(t, plan.Create, 1)
	assert.Empty(t, plan.Update)
	assert.Empty(t, plan.Delete)
	assert.Equal(t, desired[0].ID, plan.Create[0].ID)
}

func TestReconcile_DeletesEntriesNotInDesired(t *testing.T) {
	sel := mustSelector(t, "psat", "CLUSTER:prod")
	current := []*domain.RegistrationEntry{mustEntry(t, "/agent/stale", 3600, sel)}

	plan := identitymanager.Reconcile(nil, current)

	assert.Empty(t, plan.Create)
	assert.Empty(t, plan.Update)
	require.Len(t, plan.Delete, 1)
	assert.Equal(t, current[0].ID, plan.Delete[0])
}

func TestReconcile_NoChangesWhenIdentical(t *testing.T) {
	sel := mustSelector(t, "psat", "CLUSTER:prod")
	desired := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 3600, sel)}
	current := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 3600, sel)}

	plan := identitymanager.Reconcile(desired, current)

	assert.True(t, plan.Empty())
}

func TestReconcile_UpdatesMutableFieldsSameID(t *testing.T) {
	sel := mustSelector(t, "psat", "CLUSTER:prod")
	desired := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 7200, sel)}
	current := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 3600, sel)}

	// TTL isn't part of the content hash, so changing it must be an Update
	// against the same ID, not a Create/Delete pair.
	require.Equal(t, desired[0].ID, current[0].ID)

	plan := identitymanager.Reconcile(desired, current)

	assert.Empty(t, plan.Create)
	assert.Empty(t, plan.Delete)
	require.Len(t, plan.Update, 1)
	assert.Equal(t, int64(7200), plan.Update[0].TTL)
	assert.Equal(t, current[0].RevisionNumber+1, plan.Update[0].RevisionNumber, "update bumps the current revision by one")
}

func TestReconcile_DifferentSelectorsAreCreateAndDelete(t *testing.T) {
	selA := mustSelector(t, "psat", "CLUSTER:prod")
	selB := mustSelector(t, "psat", "CLUSTER:staging")
	desired := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 3600, selA)}
	current := []*domain.RegistrationEntry{mustEntry(t, "/agent/a", 3600, selB)}

	plan := identitymanager.Reconcile(desired, current)

	require.Len(t, plan.Create, 1)
	require.Len(t, plan.Delete, 1)
	assert.Empty(t, plan.Update)
}
