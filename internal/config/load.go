// Package config loads and defaults the YAML configuration shared by the
// server, agent, and identity-manager processes (spec §6 "Configuration").
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pocket/hexagon/identityplane/internal/ports"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a config file leaves a field unset.
const (
	DefaultKeyType     = "ES256"
	DefaultKeyTTL      = int64(3600)  // 1 hour
	DefaultSVIDTTL     = int64(300)   // 5 minutes
	DefaultRefreshHint = int64(300)   // 5 minutes
	DefaultSocketPath  = "/run/iotedge/sockets/workload.sock"
	DefaultCatalogType = "memory"
	DefaultKeyStore    = "memory"
)

// FileLoader loads configuration from a YAML file on disk.
type FileLoader struct {
	Path string
}

// NewFileLoader constructs a ports.ConfigLoader backed by a YAML file.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements ports.ConfigLoader.
func (l *FileLoader) Load(ctx context.Context) (*ports.Config, error) {
	cleanPath := filepath.Clean(l.Path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - path supplied by operator, not request input
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", l.Path, err)
	}

	var cfg ports.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", l.Path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *ports.Config) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.JWT.KeyType == "" {
		cfg.JWT.KeyType = DefaultKeyType
	}
	if cfg.JWT.KeyTTL == 0 {
		cfg.JWT.KeyTTL = DefaultKeyTTL
	}
	if cfg.JWT.TTL == 0 {
		cfg.JWT.TTL = DefaultSVIDTTL
	}
	if cfg.TrustBundle.RefreshHint == 0 {
		cfg.TrustBundle.RefreshHint = DefaultRefreshHint
	}
	if cfg.KeyStore.Type == "" {
		cfg.KeyStore.Type = DefaultKeyStore
	}
	if cfg.Catalog.Type == "" {
		cfg.Catalog.Type = DefaultCatalogType
	}
}

func validate(cfg *ports.Config) error {
	if cfg.TrustDomain == "" {
		return fmt.Errorf("trust_domain must be set")
	}
	if cfg.JWT.KeyType != "ES256" {
		return fmt.Errorf("unsupported jwt.key_type %q: only ES256 is implemented", cfg.JWT.KeyType)
	}
	return nil
}
