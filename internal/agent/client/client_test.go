package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/agent/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Attest_ParsesResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/node-attestation", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Plugin string `json:"plugin"`
			Token  string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "k8s_psat", body.Plugin)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entry_id": "entry-1",
			"jwt_svid": map[string]any{
				"token":      "tok",
				"spiffe_id":  map[string]string{"trust_domain": "example.org", "path": "/agent/node-1"},
				"issued_at":  100,
				"expires_at": 400,
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(srv.URL)
	entryID, svid, err := c.Attest(context.Background(), "k8s_psat", "evidence")
	require.NoError(t, err)
	assert.Equal(t, "entry-1", entryID)
	assert.Equal(t, "tok", svid.Token)
	assert.Equal(t, "spiffe://example.org/agent/node-1", svid.SpiffeID)
}

func TestClient_NewJWTSVID_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/new-JWT-SVID", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jwt_svid": map[string]any{"token": "new-tok"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(srv.URL)
	c.SetToken("current-tok")
	svid, err := c.NewJWTSVID(context.Background(), "entry-1", []string{"example.org"})
	require.NoError(t, err)
	assert.Equal(t, "new-tok", svid.Token)
	assert.Equal(t, "Bearer current-tok", gotAuth)
}

func TestClient_TrustBundle_ParsesKeys(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trust-bundle", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bundle": map[string]any{
				"trust_domain":    "example.org",
				"jwt_keys":        []map[string]any{{"key_id": "k1", "expires_at": 999}},
				"refresh_hint":    300,
				"sequence_number": "2",
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(srv.URL)
	bundle, err := c.TrustBundle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "example.org", bundle.TrustDomain)
	require.Len(t, bundle.JWTKeys, 1)
	assert.Equal(t, "k1", bundle.JWTKeys[0].Kid)
	assert.Equal(t, uint64(2), bundle.SequenceNumber)
}

func TestClient_Do_NonOKStatusReturnsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trust-bundle", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "UNAVAILABLE", "message": "no keys"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.TrustBundle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAVAILABLE")
}
