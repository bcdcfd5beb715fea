package ports

import "context"

// Config is the parsed, defaulted configuration recognized by all three
// processes (spec §6). Not every field is relevant to every process - the
// Server reads KeyStore/Catalog/NodeAttestation, the Agent reads
// ServerAgentAPI/SocketPath.
type Config struct {
	TrustDomain string `yaml:"trust_domain"`
	SocketPath  string `yaml:"socket_path"`

	// WorkloadAttestorPlugin names the agent's workload-attestation plugin
	// (spec §6 POST /configuration). Not otherwise read at startup today -
	// the agent composition root selects its attestor directly - this
	// field exists so the configuration upsert has somewhere to land it.
	WorkloadAttestorPlugin string `yaml:"workload_attestor_plugin"`

	JWT struct {
		KeyType string `yaml:"key_type"`
		KeyTTL  int64  `yaml:"key_ttl"`
		TTL     int64  `yaml:"ttl"`
	} `yaml:"jwt"`

	TrustBundle struct {
		RefreshHint int64 `yaml:"refresh_hint"`
	} `yaml:"trust-bundle"`

	KeyStore struct {
		Type string            `yaml:"type"`
		Args map[string]string `yaml:"args"`
	} `yaml:"key-store"`

	Catalog struct {
		Type string            `yaml:"type"`
		Args map[string]string `yaml:"args"`
	} `yaml:"catalog"`

	ServerAgentAPI struct {
		BindAddress string `yaml:"bind_address"`
		BindPort    int    `yaml:"bind_port"`
	} `yaml:"server-agent-api"`

	NodeAttestation struct {
		Type    string `yaml:"type"`
		Content struct {
			ServiceAccountAllowList []string `yaml:"service_account_allow_list"`
			Audience                string   `yaml:"audience"`
			ClusterName             string   `yaml:"cluster_name"`
			AllowedNodeLabelKeys    []string `yaml:"allowed_node_label_keys"`
			AllowedPodLabelKeys     []string `yaml:"allowed_pod_label_keys"`
		} `yaml:"content"`
	} `yaml:"node-attestation-config"`
}

// ConfigLoader loads and defaults application configuration from a source
// (YAML file, env, ...) chosen by the adapter.
type ConfigLoader interface {
	Load(ctx context.Context) (*Config, error)
}
