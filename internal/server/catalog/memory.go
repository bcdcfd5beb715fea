package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"golang.org/x/sync/errgroup"
)

// Memory is an in-process ports.Catalog backed by an ordered map and a
// version counter, guarded by a single reader-writer lock (spec §5: "The
// in-memory backend uses a reader-writer discipline").
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*domain.RegistrationEntry
	jwks    map[string]map[string]domain.JWK // trust_domain -> kid -> JWK
	version uint64
}

// NewMemory constructs an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*domain.RegistrationEntry),
		jwks:    make(map[string]map[string]domain.JWK),
	}
}

func cloneEntry(e *domain.RegistrationEntry) *domain.RegistrationEntry {
	cp := *e
	cp.Selectors = append([]domain.Selector(nil), e.Selectors...)
	cp.DNSNames = append([]string(nil), e.DNSNames...)
	cp.OtherIdents = append([]domain.OtherIdentity(nil), e.OtherIdents...)
	return &cp
}

// BatchGet implements ports.EntryCatalog.
func (m *Memory) BatchGet(ctx context.Context, ids []string) ([]ports.EntryResult, error) {
	results := make([]ports.EntryResult, len(ids))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, id := range ids {
		if e, ok := m.entries[id]; ok {
			results[i] = ports.EntryResult{ID: id, Entry: cloneEntry(e), Status: "OK"}
		} else {
			results[i] = ports.EntryResult{ID: id, Status: "NOT_FOUND", Err: domain.ErrEntryNotFound}
		}
	}
	return results, nil
}

// BatchCreate implements ports.EntryCatalog. Each id is validated and
// applied independently and atomically; one id's failure never blocks
// another's success (spec §4.1, §7).
func (m *Memory) BatchCreate(ctx context.Context, entries []*domain.RegistrationEntry) ([]ports.EntryResult, error) {
	results := make([]ports.EntryResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = ports.EntryResult{ID: e.ID, Status: "CANCELLED", Err: gctx.Err()}
				return nil
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, exists := m.entries[e.ID]; exists {
				results[i] = ports.EntryResult{ID: e.ID, Status: "ALREADY_EXISTS", Err: domain.ErrEntryAlreadyExists}
				return nil
			}
			m.entries[e.ID] = cloneEntry(e)
			results[i] = ports.EntryResult{ID: e.ID, Entry: cloneEntry(e), Status: "OK"}
			return nil
		})
	}
	_ = g.Wait() // per-id errors are carried in results, never propagated as a batch failure
	return results, nil
}

// BatchUpdate implements ports.EntryCatalog, enforcing the revision
// invariant added in SPEC_FULL.md: the incoming RevisionNumber must equal
// current+1.
func (m *Memory) BatchUpdate(ctx context.Context, entries []*domain.RegistrationEntry) ([]ports.EntryResult, error) {
	results := make([]ports.EntryResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = ports.EntryResult{ID: e.ID, Status: "CANCELLED", Err: gctx.Err()}
				return nil
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			current, exists := m.entries[e.ID]
			if !exists {
				results[i] = ports.EntryResult{ID: e.ID, Status: "NOT_FOUND", Err: domain.ErrEntryNotFound}
				return nil
			}
			if e.RevisionNumber != current.RevisionNumber+1 {
				results[i] = ports.EntryResult{ID: e.ID, Status: "INVALID_ARGUMENT", Err: fmt.Errorf("%w: expected revision %d, got %d", domain.ErrRevisionConflict, current.RevisionNumber+1, e.RevisionNumber)}
				return nil
			}
			m.entries[e.ID] = cloneEntry(e)
			results[i] = ports.EntryResult{ID: e.ID, Entry: cloneEntry(e), Status: "OK"}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// BatchDelete implements ports.EntryCatalog.
func (m *Memory) BatchDelete(ctx context.Context, ids []string) ([]ports.EntryResult, error) {
	results := make([]ports.EntryResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = ports.EntryResult{ID: id, Status: "CANCELLED", Err: gctx.Err()}
				return nil
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, exists := m.entries[id]; !exists {
				results[i] = ports.EntryResult{ID: id, Status: "NOT_FOUND", Err: domain.ErrEntryNotFound}
				return nil
			}
			delete(m.entries, id)
			results[i] = ports.EntryResult{ID: id, Status: "OK"}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// ListAll implements ports.EntryCatalog with a cursor on the lexicographic
// id order. An entry created after a page is fetched may appear in a
// later page but never causes a duplicate within the same listing pass,
// because the cursor is a value (the last id seen), not an index.
func (m *Memory) ListAll(ctx context.Context, pageToken string, pageSize int) ([]*domain.RegistrationEntry, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	after, err := decodeCursor(pageToken)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := sort.SearchStrings(ids, after+"\x00") // first id strictly greater than `after`
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}

	page := make([]*domain.RegistrationEntry, 0, end-start)
	for _, id := range ids[start:end] {
		page = append(page, cloneEntry(m.entries[id]))
	}

	next := ""
	if end < len(ids) {
		next = encodeCursor(ids[end-1])
	}
	return page, next, nil
}

// GetEntry implements ports.EntryCatalog.
func (m *Memory) GetEntry(ctx context.Context, id string) (*domain.RegistrationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("catalog: %w: %s", domain.ErrEntryNotFound, id)
	}
	return cloneEntry(e), nil
}

// AddJWK implements ports.TrustBundleStore.
func (m *Memory) AddJWK(ctx context.Context, trustDomain string, jwk domain.JWK) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jwks[trustDomain] == nil {
		m.jwks[trustDomain] = make(map[string]domain.JWK)
	}
	m.jwks[trustDomain][jwk.Kid] = jwk
	m.version++
	return m.version, nil
}

// RemoveJWK implements ports.TrustBundleStore.
func (m *Memory) RemoveJWK(ctx context.Context, trustDomain, kid string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keys, ok := m.jwks[trustDomain]; ok {
		if _, present := keys[kid]; present {
			delete(keys, kid)
			m.version++
		}
	}
	return m.version, nil
}

// GetJWKs implements ports.TrustBundleStore, returning a consistent
// snapshot taken under a single read lock acquisition.
func (m *Memory) GetJWKs(ctx context.Context, trustDomain string) ([]domain.JWK, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.jwks[trustDomain]
	out := make([]domain.JWK, 0, len(keys))
	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	for _, kid := range kids {
		out = append(out, keys[kid])
	}
	return out, m.version, nil
}

var _ ports.Catalog = (*Memory)(nil)
