package core_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/agent/core"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	attestErr error
	entryID   string
	svid      *domain.JWTSVID
	bundle    *domain.TrustBundle
	entries   []*domain.RegistrationEntry
	token     string

	mintedFor []string
}

func (f *fakeClient) Attest(ctx context.Context, plugin, token string) (string, *domain.JWTSVID, error) {
	if f.attestErr != nil {
		return "", nil, f.attestErr
	}
	return f.entryID, f.svid, nil
}

func (f *fakeClient) NewJWTSVID(ctx context.Context, entryID string, audiences []string) (*domain.JWTSVID, error) {
	f.mu.Lock()
	f.mintedFor = append(f.mintedFor, entryID)
	f.mu.Unlock()
	return &domain.JWTSVID{Token: "minted-for-" + entryID, IssuedAt: 0, ExpiresAt: 300}, nil
}

func (f *fakeClient) TrustBundle(ctx context.Context) (*domain.TrustBundle, error) {
	return f.bundle, nil
}

func (f *fakeClient) EntriesForParent(ctx context.Context, parentID string) ([]*domain.RegistrationEntry, error) {
	return f.entries, nil
}

func (f *fakeClient) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

type fakeEvidence struct{}

func (fakeEvidence) Evidence() (string, string, error) { return "k8s_psat", "evidence", nil }

type fakeWorkloadAttestor struct {
	selectors []string
	err       error
}

func (f fakeWorkloadAttestor) Name() string { return "fake" }
func (f fakeWorkloadAttestor) Attest(ctx context.Context, workload ports.ProcessIdentity) ([]string, error) {
	return f.selectors, f.err
}

func mustWorkloadEntry(t *testing.T, parentID string, sels ...string) *domain.RegistrationEntry {
	t.Helper()
	var selectors []domain.Selector
	for _, v := range sels {
		s, err := domain.NewSelector("fake", v)
		require.NoError(t, err)
		selectors = append(selectors, s)
	}
	e, err := domain.NewRegistrationEntry("/workload/web", parentID, domain.SelectorKindWorkload, selectors, 300, false, 0, nil, false, nil)
	require.NoError(t, err)
	return e
}

func TestCore_Start_PerformsHandshakeAndFetchesBundleAndEntries(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		entryID: "node-entry-1",
		svid:    &domain.JWTSVID{Token: "node-tok", IssuedAt: 0, ExpiresAt: 300},
		bundle:  &domain.TrustBundle{TrustDomain: "example.org", SequenceNumber: 3},
		entries: []*domain.RegistrationEntry{mustWorkloadEntry(t, "node-entry-1", "app:web")},
	}
	c := core.New(client, fakeWorkloadAttestor{}, fakeEvidence{}, ports.SystemClock{}, "example.org")

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	assert.Equal(t, "node-tok", client.token)
	assert.Equal(t, uint64(3), c.BundleVersion(ctx))
}

func TestCore_FetchSVIDs_MatchesLocallyAttestedWorkload(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		entryID: "node-entry-1",
		svid:    &domain.JWTSVID{Token: "node-tok", IssuedAt: 0, ExpiresAt: 300},
		bundle:  &domain.TrustBundle{TrustDomain: "example.org"},
		entries: []*domain.RegistrationEntry{mustWorkloadEntry(t, "node-entry-1", "app:web")},
	}
	attestor := fakeWorkloadAttestor{selectors: []string{"app:web"}}
	c := core.New(client, attestor, fakeEvidence{}, ports.SystemClock{}, "example.org")
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	svids, err := c.FetchSVIDs(ctx, ports.ProcessIdentity{PID: 1})
	require.NoError(t, err)
	require.Len(t, svids, 1)
	assert.Contains(t, svids[0].Token, "minted-for-")
}

func TestCore_FetchSVIDs_NoMatchReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		entryID: "node-entry-1",
		svid:    &domain.JWTSVID{Token: "node-tok", IssuedAt: 0, ExpiresAt: 300},
		bundle:  &domain.TrustBundle{TrustDomain: "example.org"},
		entries: []*domain.RegistrationEntry{mustWorkloadEntry(t, "node-entry-1", "app:web")},
	}
	attestor := fakeWorkloadAttestor{selectors: []string{"app:other"}}
	c := core.New(client, attestor, fakeEvidence{}, ports.SystemClock{}, "example.org")
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	svids, err := c.FetchSVIDs(ctx, ports.ProcessIdentity{PID: 1})
	require.NoError(t, err)
	assert.Empty(t, svids)
}

func TestCore_FetchSVIDs_WorkloadAttestationErrorPropagates(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		entryID: "node-entry-1",
		svid:    &domain.JWTSVID{Token: "node-tok", IssuedAt: 0, ExpiresAt: 300},
		bundle:  &domain.TrustBundle{TrustDomain: "example.org"},
	}
	attestor := fakeWorkloadAttestor{err: assertError("attestation failed")}
	c := core.New(client, attestor, fakeEvidence{}, ports.SystemClock{}, "example.org")
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	_, err := c.FetchSVIDs(ctx, ports.ProcessIdentity{PID: 1})
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
