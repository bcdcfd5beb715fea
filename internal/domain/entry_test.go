package domain_test

import (
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeSelectors(t *testing.T) []domain.Selector {
	t.Helper()
	s1, err := domain.NewSelector("psat", "AGENTSERVICEACCOUNT:iotedge-spiffe-agent")
	require.NoError(t, err)
	s2, err := domain.NewSelector("psat", "CLUSTER:prod")
	require.NoError(t, err)
	return []domain.Selector{s1, s2}
}

func TestNewRegistrationEntry_StableIDAcrossReplicas(t *testing.T) {
	sels := nodeSelectors(t)

	e1, err := domain.NewRegistrationEntry("/agent", "", domain.SelectorKindNode, sels, 3600, false, 0, nil, false, nil)
	require.NoError(t, err)

	// A second "replica" builds selectors in a different order; the
	// resulting ID must still match (spec §9 stable IDs for replicas).
	reversed := []domain.Selector{sels[1], sels[0]}
	e2, err := domain.NewRegistrationEntry("/agent", "", domain.SelectorKindNode, reversed, 3600, false, 0, nil, false, nil)
	require.NoError(t, err)

	assert.Equal(t, e1.ID, e2.ID)
}

func TestNewRegistrationEntry_DifferentContentDifferentID(t *testing.T) {
	sels := nodeSelectors(t)
	e1, err := domain.NewRegistrationEntry("/agent", "", domain.SelectorKindNode, sels, 3600, false, 0, nil, false, nil)
	require.NoError(t, err)

	e2, err := domain.NewRegistrationEntry("/other-agent", "", domain.SelectorKindNode, sels, 3600, false, 0, nil, false, nil)
	require.NoError(t, err)

	assert.NotEqual(t, e1.ID, e2.ID)
}

func TestNewRegistrationEntry_WorkloadRequiresParent(t *testing.T) {
	sels := nodeSelectors(t)
	_, err := domain.NewRegistrationEntry("/workload", "", domain.SelectorKindWorkload, sels, 3600, false, 0, nil, false, nil)
	require.ErrorIs(t, err, domain.ErrInvalidEntry)
}

func TestRegistrationEntry_MatchesSelectors(t *testing.T) {
	sel, err := domain.NewSelector("k8s", "PODLABEL:app:web")
	require.NoError(t, err)
	e, err := domain.NewRegistrationEntry("/workload/web", "node-1", domain.SelectorKindWorkload, []domain.Selector{sel}, 600, false, 0, nil, false, nil)
	require.NoError(t, err)

	attested := domain.NewSelectorSetFromStrings([]string{"PODLABEL:app:web", "PODNAME:web-abc123"})

	assert.True(t, e.MatchesSelectors(attested, "node-1"))
	assert.False(t, e.MatchesSelectors(attested, "node-2"), "wrong parent must not match")

	missing := domain.NewSelectorSetFromStrings([]string{"PODNAME:web-abc123"})
	assert.False(t, e.MatchesSelectors(missing, "node-1"), "missing required selector must not match")
}

func TestRegistrationEntry_IsExpired(t *testing.T) {
	sels := nodeSelectors(t)
	e, err := domain.NewRegistrationEntry("/agent", "", domain.SelectorKindNode, sels, 3600, false, 1000, nil, false, nil)
	require.NoError(t, err)

	assert.False(t, e.IsExpired(999))
	assert.True(t, e.IsExpired(1000))

	e.ExpiresAt = 0
	assert.False(t, e.IsExpired(1<<62), "expires_at=0 means never")
}

func TestRegistrationEntry_Bump(t *testing.T) {
	sels := nodeSelectors(t)
	e, err := domain.NewRegistrationEntry("/agent", "", domain.SelectorKindNode, sels, 3600, false, 0, nil, false, nil)
	require.NoError(t, err)

	bumped := e.Bump()
	assert.Equal(t, e.RevisionNumber+1, bumped.RevisionNumber)
	assert.Equal(t, e.ID, bumped.ID, "bumping revision must not change identity")
}
