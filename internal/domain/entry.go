package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// OtherIdentity is an external identity binding carried on an entry, e.g.
// an IoT Hub device/module binding. The control plane stores these
// opaquely; interpreting them is the Identity Manager's concern.
type OtherIdentity struct {
	Kind   string            // e.g. "IOTHUB"
	Fields map[string]string // e.g. {"iot_hub_hostname": "...", "device_id": "...", "module_id": "..."}
}

// key renders a canonical, order-independent string for hashing and equality.
func (o OtherIdentity) key() string {
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(o.Kind)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(o.Fields[k])
	}
	return sb.String()
}

// RegistrationEntry is the unit of desired identity: a binding of
// selectors to a SPIFFE ID that the server is authorized to issue.
//
// ID is a stable content hash of (spiffe_id_path, parent_id, kind, sorted
// selectors, other_identities) - see NewRegistrationEntry - so two
// replicas computing the same desired entry always agree on its ID
// (spec §3, §9 "Stable IDs for replicas").
type RegistrationEntry struct {
	ID             string
	SpiffeIDPath   string
	ParentID       string // optional; empty for node entries attested by node selectors
	Kind           SelectorKind
	Selectors      []Selector
	TTL            int64 // SVID lifetime in seconds
	Admin          bool
	ExpiresAt      int64 // absolute unix seconds; 0 means never
	DNSNames       []string
	RevisionNumber int64
	StoreSVID      bool
	OtherIdents    []OtherIdentity
}

// NewRegistrationEntry validates fields and computes the entry's content-hash ID.
// RevisionNumber starts at 1 for a freshly created entry.
func NewRegistrationEntry(spiffeIDPath, parentID string, kind SelectorKind, selectors []Selector, ttl int64, admin bool, expiresAt int64, dnsNames []string, storeSVID bool, other []OtherIdentity) (*RegistrationEntry, error) {
	if spiffeIDPath == "" {
		return nil, fmt.Errorf("%w: spiffe_id_path must be non-empty", ErrInvalidEntry)
	}
	if len(selectors) == 0 {
		return nil, fmt.Errorf("%w: selectors must be non-empty", ErrInvalidSelectors)
	}
	if kind == SelectorKindWorkload && parentID == "" {
		return nil, fmt.Errorf("%w: workload entries require a parent_id", ErrInvalidEntry)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ttl must be non-negative", ErrInvalidEntry)
	}

	e := &RegistrationEntry{
		SpiffeIDPath:   spiffeIDPath,
		ParentID:       parentID,
		Kind:           kind,
		Selectors:      append([]Selector(nil), selectors...),
		TTL:            ttl,
		Admin:          admin,
		ExpiresAt:      expiresAt,
		DNSNames:       append([]string(nil), dnsNames...),
		RevisionNumber: 1,
		StoreSVID:      storeSVID,
		OtherIdents:    append([]OtherIdentity(nil), other...),
	}
	e.ID = e.computeID()
	return e, nil
}

// computeID hashes the entry's semantic content so that replicas
// reconciling the same desired state never conflict on ID assignment.
func (e *RegistrationEntry) computeID() string {
	selValues := make([]string, 0, len(e.Selectors))
	for _, s := range e.Selectors {
		selValues = append(selValues, s.Plugin()+"="+s.Value())
	}
	sort.Strings(selValues)

	otherKeys := make([]string, 0, len(e.OtherIdents))
	for _, o := range e.OtherIdents {
		otherKeys = append(otherKeys, o.key())
	}
	sort.Strings(otherKeys)

	h := sha256.New()
	fmt.Fprintf(h, "path=%s\n", e.SpiffeIDPath)
	fmt.Fprintf(h, "parent=%s\n", e.ParentID)
	fmt.Fprintf(h, "kind=%s\n", e.Kind)
	for _, v := range selValues {
		fmt.Fprintf(h, "selector=%s\n", v)
	}
	for _, v := range otherKeys {
		fmt.Fprintf(h, "other=%s\n", v)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// IsExpired reports whether the entry's lifetime has ended as of now (unix seconds).
// ExpiresAt of 0 means the entry never expires.
func (e *RegistrationEntry) IsExpired(now int64) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= now
}

// MatchesSelectors reports whether every selector value of this entry is
// present in the attested set. Workload entries additionally require
// parentID to equal the attesting agent's node entry id (spec §4.6).
func (e *RegistrationEntry) MatchesSelectors(attested *SelectorSet, agentNodeEntryID string) bool {
	if e == nil || attested == nil {
		return false
	}
	for _, sel := range e.Selectors {
		if !attested.Contains(sel.Value()) {
			return false
		}
	}
	if e.Kind == SelectorKindWorkload && e.ParentID != agentNodeEntryID {
		return false
	}
	return true
}

// Bump returns a copy of the entry with RevisionNumber incremented by one,
// used by Catalog.batch_update to enforce the monotonic revision invariant.
func (e *RegistrationEntry) Bump() *RegistrationEntry {
	cp := *e
	cp.RevisionNumber = e.RevisionNumber + 1
	return &cp
}
