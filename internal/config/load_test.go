package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileLoader_Load_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
trust_domain: example.org
`)
	cfg, err := config.NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.TrustDomain)
	assert.Equal(t, config.DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, config.DefaultKeyType, cfg.JWT.KeyType)
	assert.Equal(t, config.DefaultKeyTTL, cfg.JWT.KeyTTL)
	assert.Equal(t, config.DefaultSVIDTTL, cfg.JWT.TTL)
	assert.Equal(t, config.DefaultRefreshHint, cfg.TrustBundle.RefreshHint)
	assert.Equal(t, config.DefaultKeyStore, cfg.KeyStore.Type)
	assert.Equal(t, config.DefaultCatalogType, cfg.Catalog.Type)
}

func TestFileLoader_Load_PreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
trust_domain: example.org
socket_path: /run/custom.sock
jwt:
  key_type: ES256
  key_ttl: 7200
  ttl: 600
trust-bundle:
  refresh_hint: 120
key-store:
  type: disk
  args:
    path: /var/lib/identityplane/keys
catalog:
  type: file
node-attestation-config:
  type: k8s_psat
  content:
    service_account_allow_list:
      - edge:agent-sa
    audience: identityplane
    cluster_name: prod
    allowed_node_label_keys:
      - zone
`)
	cfg, err := config.NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/run/custom.sock", cfg.SocketPath)
	assert.Equal(t, int64(7200), cfg.JWT.KeyTTL)
	assert.Equal(t, int64(600), cfg.JWT.TTL)
	assert.Equal(t, int64(120), cfg.TrustBundle.RefreshHint)
	assert.Equal(t, "disk", cfg.KeyStore.Type)
	assert.Equal(t, "/var/lib/identityplane/keys", cfg.KeyStore.Args["path"])
	assert.Equal(t, "file", cfg.Catalog.Type)
	assert.Equal(t, "k8s_psat", cfg.NodeAttestation.Type)
	assert.Equal(t, []string{"edge:agent-sa"}, cfg.NodeAttestation.Content.ServiceAccountAllowList)
	assert.Equal(t, "prod", cfg.NodeAttestation.Content.ClusterName)
}

func TestFileLoader_Load_MissingTrustDomain(t *testing.T) {
	path := writeConfig(t, `
socket_path: /run/custom.sock
`)
	_, err := config.NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trust_domain")
}

func TestFileLoader_Load_UnsupportedKeyType(t *testing.T) {
	path := writeConfig(t, `
trust_domain: example.org
jwt:
  key_type: RS256
`)
	_, err := config.NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_type")
}

func TestFileLoader_Load_MissingFile(t *testing.T) {
	_, err := config.NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	require.Error(t, err)
}

func TestFileLoader_Load_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "trust_domain: [unclosed")
	_, err := config.NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
}
