package workloadapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/agent/workloadapi"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	svids   []*domain.JWTSVID
	version uint64
}

func (f fakeProvider) FetchSVIDs(ctx context.Context, workload ports.ProcessIdentity) ([]*domain.JWTSVID, error) {
	return f.svids, nil
}

func (f fakeProvider) BundleVersion(ctx context.Context) uint64 { return f.version }

func newUnixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func TestServer_FetchJWTSVID_ReturnsProviderResult(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "workload.sock")
	provider := fakeProvider{svids: []*domain.JWTSVID{
		{Token: "tok-1", SpiffeID: "spiffe://example.org/workload/web", ExpiresAt: 300},
	}}
	server := workloadapi.NewServer(provider, socketPath)

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	defer server.Stop(ctx)

	client := newUnixHTTPClient(socketPath)
	resp, err := client.Get("http://unix/fetch-jwt-svid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SVIDs []struct {
			Token string `json:"token"`
		} `json:"svids"`
	}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &body))
	require.Len(t, body.SVIDs, 1)
	assert.Equal(t, "tok-1", body.SVIDs[0].Token)
}

func TestServer_StartCreatesSocketWithRestrictivePermissions(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "sub", "workload.sock")
	server := workloadapi.NewServer(fakeProvider{}, socketPath)

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	defer server.Stop(ctx)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestServer_Stop_RemovesSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "workload.sock")
	server := workloadapi.NewServer(fakeProvider{}, socketPath)

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	require.NoError(t, server.Stop(ctx))

	_, err := net.Dial("unix", socketPath)
	require.Error(t, err)

	_, err = os.Stat(socketPath)
	require.True(t, os.IsNotExist(err))
}
