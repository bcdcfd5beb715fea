package domain

import (
	"fmt"
	"strings"
)

// SelectorKind distinguishes selectors that identify a node from selectors
// that identify a workload running on an already-attested node.
type SelectorKind int

const (
	// SelectorKindNode selects nodes eligible to host agents.
	SelectorKindNode SelectorKind = iota
	// SelectorKindWorkload selects workloads running on an attested node.
	SelectorKindWorkload
)

func (k SelectorKind) String() string {
	switch k {
	case SelectorKindNode:
		return "NODE"
	case SelectorKindWorkload:
		return "WORKLOAD"
	default:
		return "UNKNOWN"
	}
}

// Selector is a single attested fact of the form "TYPE:VALUE", e.g.
// "AGENTSERVICEACCOUNT:iotedge-spiffe-agent" or "PODLABEL:app:web".
//
// Selectors are immutable value objects; a plugin name groups selectors
// that came from the same attestor plugin (PSAT, k8s workload attestor, ...).
type Selector struct {
	plugin string
	value  string
}

// NewSelector constructs a selector from a plugin name and a "TYPE:VALUE" string.
// Returns ErrInvalidSelectors if either argument is empty.
func NewSelector(plugin, value string) (Selector, error) {
	if plugin == "" || value == "" {
		return Selector{}, fmt.Errorf("%w: plugin and value must be non-empty", ErrInvalidSelectors)
	}
	return Selector{plugin: plugin, value: value}, nil
}

// MustParseSelector is NewSelector but panics on error; intended for tests and static seed data.
func MustParseSelector(plugin, value string) Selector {
	s, err := NewSelector(plugin, value)
	if err != nil {
		panic(err)
	}
	return s
}

// Plugin returns the name of the attestor plugin this selector came from.
func (s Selector) Plugin() string { return s.plugin }

// Value returns the "TYPE:VALUE" string.
func (s Selector) Value() string { return s.value }

// String renders "plugin/TYPE:VALUE" for logging and diffing.
func (s Selector) String() string {
	return fmt.Sprintf("%s/%s", s.plugin, s.value)
}

// Type returns the TYPE component of a "TYPE:VALUE" selector.
func (s Selector) Type() string {
	if i := strings.IndexByte(s.value, ':'); i >= 0 {
		return s.value[:i]
	}
	return s.value
}
