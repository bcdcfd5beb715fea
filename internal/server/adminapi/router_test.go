package adminapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/adminapi"
	"github.com/pocket/hexagon/identityplane/internal/server/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, ports.EntryCatalog) {
	t.Helper()
	cat := catalog.NewMemory()
	r := chi.NewRouter()
	adminapi.New(cat, &ports.Config{TrustDomain: "example.org"}).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, cat
}

func entryBody(path string) []byte {
	body := map[string]any{
		"entries": []map[string]any{
			{
				"spiffe_id_path": path,
				"kind":           "NODE",
				"selectors": []map[string]string{
					{"plugin": "psat", "value": "CLUSTER:prod"},
				},
				"ttl": 3600,
			},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func TestRouter_CreateThenListEntries(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/entries", "application/json", bytes.NewReader(entryBody("/agent/a")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Results []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Len(t, created.Results, 1)
	assert.Equal(t, "OK", created.Results[0].Status)

	listResp, err := http.Get(srv.URL + "/entries")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list struct {
		Entries []struct {
			ID           string `json:"id"`
			SpiffeIDPath string `json:"spiffe_id_path"`
		} `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "/agent/a", list.Entries[0].SpiffeIDPath)
}

func TestRouter_CreateEntries_InvalidBodyReturnsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/entries", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_DeleteEntries_NotFoundPerID(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"ids": []string{"missing"}})
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/entries", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var deleted struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deleted))
	require.Len(t, deleted.Results, 1)
	assert.Equal(t, "NOT_FOUND", deleted.Results[0].Status)
}

func TestRouter_SelectListEntries_OverMaxIDsRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	ids := make([]string, adminapi.MaxSelectListIDs+1)
	for i := range ids {
		ids[i] = "id"
	}
	body, _ := json.Marshal(map[string]any{"ids": ids})
	resp, err := http.Post(srv.URL+"/select-listEntries", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_UpsertConfiguration_AppliesFieldsAndReturns201(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"trust_domain":             "new.example.org",
		"node_attestor_plugin":     "k8s_psat",
		"workload_attestor_plugin": "k8s",
	})
	resp, err := http.Post(srv.URL+"/configuration", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var cfg ports.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "new.example.org", cfg.TrustDomain)
	assert.Equal(t, "k8s_psat", cfg.NodeAttestation.Type)
	assert.Equal(t, "k8s", cfg.WorkloadAttestorPlugin)
}

func TestRouter_UpsertConfiguration_EmptyFieldsLeaveSettingUnchanged(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/configuration", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var cfg ports.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "example.org", cfg.TrustDomain)
}
