// Package identitymanager implements the reconciler the spec treats as an
// external collaborator (spec "Out of scope: the Identity Manager's
// IoT-Hub reconciliation logic... it is a client of the server's admin
// API"): a process that loads a desired set of registration entries and
// drives the server's AdminApi to converge the catalog to match.
//
// This package intentionally does not implement IoT-Hub-specific
// reconciliation (that stays out of scope); it implements the generic
// desired-state-to-AdminApi-calls mechanics that any such reconciler needs.
package identitymanager

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pocket/hexagon/identityplane/internal/domain"
)

// DesiredSelector is one YAML-authored selector.
type DesiredSelector struct {
	Plugin string `yaml:"plugin"`
	Value  string `yaml:"value"`
}

// DesiredOtherIdentity mirrors domain.OtherIdentity for YAML authoring.
type DesiredOtherIdentity struct {
	Kind   string            `yaml:"kind"`
	Fields map[string]string `yaml:"fields"`
}

// DesiredEntry is one YAML-authored registration entry. ID is never set
// here - it's always the content hash NewRegistrationEntry computes, so
// the same desired file reconciled by any replica converges on identical
// entry ids (spec §9 "Stable IDs for replicas").
type DesiredEntry struct {
	SpiffeIDPath string                 `yaml:"spiffe_id_path"`
	ParentID     string                 `yaml:"parent_id"`
	Kind         string                 `yaml:"kind"` // "NODE" or "WORKLOAD"
	Selectors    []DesiredSelector      `yaml:"selectors"`
	TTL          int64                  `yaml:"ttl"`
	Admin        bool                   `yaml:"admin"`
	ExpiresAt    int64                  `yaml:"expires_at"`
	DNSNames     []string               `yaml:"dns_names"`
	StoreSVID    bool                   `yaml:"store_svid"`
	Other        []DesiredOtherIdentity `yaml:"other_identities"`
}

// DesiredState is the top-level shape of a reconciler's input file.
type DesiredState struct {
	Entries []DesiredEntry `yaml:"entries"`
}

// LoadDesiredState reads and parses a YAML desired-state file.
func LoadDesiredState(path string) (*DesiredState, error) {
	// #nosec G304 - path supplied by operator, not request input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identitymanager: read %s: %w", path, err)
	}
	var state DesiredState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("identitymanager: parse %s: %w", path, err)
	}
	return &state, nil
}

// BuildEntries builds the domain.RegistrationEntry set this desired state
// describes, with content-hash ids already computed.
func (s *DesiredState) BuildEntries() ([]*domain.RegistrationEntry, error) {
	out := make([]*domain.RegistrationEntry, 0, len(s.Entries))
	for i, d := range s.Entries {
		kind := domain.SelectorKindWorkload
		if d.Kind == domain.SelectorKindNode.String() {
			kind = domain.SelectorKindNode
		}
		sels := make([]domain.Selector, 0, len(d.Selectors))
		for _, s := range d.Selectors {
			sel, err := domain.NewSelector(s.Plugin, s.Value)
			if err != nil {
				return nil, fmt.Errorf("identitymanager: entry %d: %w", i, err)
			}
			sels = append(sels, sel)
		}
		others := make([]domain.OtherIdentity, 0, len(d.Other))
		for _, o := range d.Other {
			others = append(others, domain.OtherIdentity{Kind: o.Kind, Fields: o.Fields})
		}
		entry, err := domain.NewRegistrationEntry(d.SpiffeIDPath, d.ParentID, kind, sels, d.TTL, d.Admin, d.ExpiresAt, d.DNSNames, d.StoreSVID, others)
		if err != nil {
			return nil, fmt.Errorf("identitymanager: entry %d: %w", i, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
