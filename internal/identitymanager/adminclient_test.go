package identitymanager_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/identitymanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClient_ListAllEntries_PagesUntilTokenEmpty(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page_token") == "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"entries": []map[string]interface{}{
					{"id": "a", "spiffe_id_path": "/a", "kind": "NODE", "selectors": []map[string]string{{"plugin": "psat", "value": "CLUSTER:prod"}}},
				},
				"page_token": "next",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"entries": []map[string]interface{}{
				{"id": "b", "spiffe_id_path": "/b", "kind": "NODE", "selectors": []map[string]string{{"plugin": "psat", "value": "CLUSTER:prod"}}},
			},
		})
	}))
	defer srv.Close()

	client := identitymanager.NewAdminClient(srv.URL)
	entries, err := client.ListAllEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, calls)
}

func TestAdminClient_CreateEntries_EmptyIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := identitymanager.NewAdminClient(srv.URL)
	results, err := client.CreateEntries(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.False(t, called, "must not call the server for an empty batch")
}

func TestAdminClient_DeleteEntries_ReportsPerIDErrors(t *testing.T) {
	sel, err := domain.NewSelector("psat", "CLUSTER:prod")
	require.NoError(t, err)
	_ = sel

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"id": "missing-id", "status": "NOT_FOUND", "error": "entry not found"},
			},
		})
	}))
	defer srv.Close()

	client := identitymanager.NewAdminClient(srv.URL, identitymanager.WithAdminToken("tok"))
	results, err := client.DeleteEntries(context.Background(), []string{"missing-id"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Equal(t, "NOT_FOUND", results[0].Status)
}
