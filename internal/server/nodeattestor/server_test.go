package nodeattestor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/catalog"
	"github.com/pocket/hexagon/identityplane/internal/server/nodeattestor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable ports.Clock for deterministic session-expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePlugin struct {
	selectors []string
	err       error
}

func (p fakePlugin) Name() string { return "fake" }
func (p fakePlugin) Verify(ctx context.Context, evidence ports.NodeEvidence) ([]string, error) {
	return p.selectors, p.err
}

type fakeIssuer struct {
	svid *domain.JWTSVID
	err  error
}

func (i fakeIssuer) Mint(ctx context.Context, spiffeID string, entry *domain.RegistrationEntry, audiences []string) (*domain.JWTSVID, error) {
	return i.svid, i.err
}

func mustNodeEntry(t *testing.T, path string, sels ...string) *domain.RegistrationEntry {
	t.Helper()
	var selectors []domain.Selector
	for _, v := range sels {
		s, err := domain.NewSelector("fake", v)
		require.NoError(t, err)
		selectors = append(selectors, s)
	}
	e, err := domain.NewRegistrationEntry(path, "", domain.SelectorKindNode, selectors, 3600, false, 0, nil, false, nil)
	require.NoError(t, err)
	return e
}

func TestServer_Attest_MatchesAndIssues(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	entry := mustNodeEntry(t, "/agent/node-1", "CLUSTER:prod", "NODENAME:node-1")
	_, err := cat.BatchCreate(ctx, []*domain.RegistrationEntry{entry})
	require.NoError(t, err)

	plugin := fakePlugin{selectors: []string{"CLUSTER:prod", "NODENAME:node-1"}}
	issuer := fakeIssuer{svid: &domain.JWTSVID{Token: "tok"}}
	server := nodeattestor.NewServer(plugin, cat, issuer, "example.org", "identityplane", 300, ports.SystemClock{})

	result, state, err := server.Attest(ctx, ports.NodeEvidence{Token: "evidence"})
	require.NoError(t, err)
	assert.Equal(t, nodeattestor.StateAttested, state)
	assert.Equal(t, entry.ID, result.NodeEntry.ID)
	assert.Equal(t, "tok", result.SVID.Token)
}

func TestServer_Attest_MultipleMatchingEntriesFails(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	entryA := mustNodeEntry(t, "/agent/node-1", "CLUSTER:prod")
	entryB := mustNodeEntry(t, "/agent/node-2", "CLUSTER:prod")
	_, err := cat.BatchCreate(ctx, []*domain.RegistrationEntry{entryA, entryB})
	require.NoError(t, err)

	plugin := fakePlugin{selectors: []string{"CLUSTER:prod"}}
	server := nodeattestor.NewServer(plugin, cat, fakeIssuer{}, "example.org", "identityplane", 300, ports.SystemClock{})

	_, state, err := server.Attest(ctx, ports.NodeEvidence{Token: "evidence"})
	require.ErrorIs(t, err, domain.ErrNoMatchingEntry)
	assert.Equal(t, nodeattestor.StateFailed, state)
}

func TestServer_Attest_NoMatchingEntry(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	plugin := fakePlugin{selectors: []string{"CLUSTER:prod"}}
	server := nodeattestor.NewServer(plugin, cat, fakeIssuer{}, "example.org", "identityplane", 300, ports.SystemClock{})

	_, state, err := server.Attest(ctx, ports.NodeEvidence{Token: "evidence"})
	require.ErrorIs(t, err, domain.ErrNoMatchingEntry)
	assert.Equal(t, nodeattestor.StateFailed, state)
}

func TestServer_Attest_VerifyFailurePropagates(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	plugin := fakePlugin{err: domain.ErrAttestationRejected}
	server := nodeattestor.NewServer(plugin, cat, fakeIssuer{}, "example.org", "identityplane", 300, ports.SystemClock{})

	_, state, err := server.Attest(ctx, ports.NodeEvidence{Token: "evidence"})
	require.ErrorIs(t, err, domain.ErrAttestationRejected)
	assert.Equal(t, nodeattestor.StateFailed, state)
}

func TestServer_Attest_RejectsReplayedJTI(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	entry := mustNodeEntry(t, "/agent/node-1", "CLUSTER:prod")
	_, err := cat.BatchCreate(ctx, []*domain.RegistrationEntry{entry})
	require.NoError(t, err)

	plugin := fakePlugin{selectors: []string{"CLUSTER:prod"}}
	issuer := fakeIssuer{svid: &domain.JWTSVID{Token: "tok"}}
	server := nodeattestor.NewServer(plugin, cat, issuer, "example.org", "identityplane", 300, ports.SystemClock{})

	// unsigned JWT with a jti claim: header.payload.signature
	token := "eyJhbGciOiJub25lIn0." +
		"eyJqdGkiOiJyZXBsYXktdGVzdCJ9." +
		"sig"

	_, state, err := server.Attest(ctx, ports.NodeEvidence{Token: token})
	require.NoError(t, err)
	assert.Equal(t, nodeattestor.StateAttested, state)

	_, state, err = server.Attest(ctx, ports.NodeEvidence{Token: token})
	require.ErrorIs(t, err, domain.ErrReplayedEvidence)
	assert.Equal(t, nodeattestor.StateFailed, state)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AWAITING_EVIDENCE", nodeattestor.StateAwaitingEvidence.String())
	assert.Equal(t, "ATTESTED", nodeattestor.StateAttested.String())
	assert.Equal(t, "FAILED", nodeattestor.StateFailed.String())
}

func TestServer_Attest_RecordsAgentSession(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	entry := mustNodeEntry(t, "/agent/node-1", "CLUSTER:prod")
	_, err := cat.BatchCreate(ctx, []*domain.RegistrationEntry{entry})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1000, 0)}
	plugin := fakePlugin{selectors: []string{"CLUSTER:prod"}}
	issuer := fakeIssuer{svid: &domain.JWTSVID{Token: "tok", ExpiresAt: 1300}}
	server := nodeattestor.NewServer(plugin, cat, issuer, "example.org", "identityplane", 300, clock)

	assert.Equal(t, 0, server.SessionCount())
	_, _, err = server.Attest(ctx, ports.NodeEvidence{Token: "evidence"})
	require.NoError(t, err)
	assert.Equal(t, 1, server.SessionCount())

	// A second attestation from the same agent refreshes, not duplicates.
	_, _, err = server.Attest(ctx, ports.NodeEvidence{Token: "evidence-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, server.SessionCount())
}

func TestServer_SweepStaleSessions_RemovesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	entry := mustNodeEntry(t, "/agent/node-1", "CLUSTER:prod")
	_, err := cat.BatchCreate(ctx, []*domain.RegistrationEntry{entry})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1000, 0)}
	plugin := fakePlugin{selectors: []string{"CLUSTER:prod"}}
	issuer := fakeIssuer{svid: &domain.JWTSVID{Token: "tok", ExpiresAt: 1300}}
	server := nodeattestor.NewServer(plugin, cat, issuer, "example.org", "identityplane", 300, clock)

	_, _, err = server.Attest(ctx, ports.NodeEvidence{Token: "evidence"})
	require.NoError(t, err)
	require.Equal(t, 1, server.SessionCount())

	server.SweepNow()
	assert.Equal(t, 1, server.SessionCount(), "session not yet expired")

	clock.Advance(301 * time.Second) // past the issued SVID's expiry
	server.SweepNow()
	assert.Equal(t, 0, server.SessionCount())
}

func TestServer_StartStop_RunsSweepLoopWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory()
	server := nodeattestor.NewServer(fakePlugin{}, cat, fakeIssuer{}, "example.org", "identityplane", 300, ports.SystemClock{})

	require.NoError(t, server.Start(ctx))
	server.Stop()
}
