package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// entriesDoc is the on-disk shape of the entries file (spec §6): a JSON
// object sorted ascending by id.
type entriesDoc struct {
	Entries []fileEntry `json:"entries"`
}

type fileEntry struct {
	ID             string              `json:"id"`
	SpiffeIDPath   string              `json:"spiffe_id_path"`
	ParentID       string              `json:"parent_id,omitempty"`
	Kind           int                 `json:"kind"`
	Selectors      []fileSelector      `json:"selectors"`
	TTL            int64               `json:"ttl"`
	Admin          bool                `json:"admin"`
	ExpiresAt      int64               `json:"expires_at"`
	DNSNames       []string            `json:"dns_names,omitempty"`
	RevisionNumber int64               `json:"revision_number"`
	StoreSVID      bool                `json:"store_svid"`
	OtherIdents    []fileOtherIdentity `json:"other_identities,omitempty"`
}

type fileSelector struct {
	Plugin string `json:"plugin"`
	Value  string `json:"value"`
}

type fileOtherIdentity struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// jwkDoc is the on-disk shape of the JWK file (spec §6): version plus a
// per-trust-domain key list.
type jwkDoc struct {
	Version uint64                     `json:"version"`
	Store   []map[string]jwkDocEntries `json:"store"`
}

type jwkDocEntries struct {
	Keys []domain.JWK `json:"keys"`
}

// snapshot is the immutable, point-in-time view readers consult. A new
// snapshot is built and atomically swapped in by the single writer on
// every mutation (spec §5: "serves reads from an immutable snapshot").
type snapshot struct {
	entries map[string]*domain.RegistrationEntry
	jwks    map[string]map[string]domain.JWK
	version uint64
}

// FileKV is a file-backed ports.Catalog. All writes are serialized through
// a single mutex (the "single writer task" of spec §5); reads load the
// current snapshot without blocking on that mutex.
type FileKV struct {
	entriesPath string
	jwkPath     string

	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewFileKV opens (or initializes) a file-backed catalog rooted at dir,
// using "entries.json" and "jwks.json" within it.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("catalog: create dir %s: %w", dir, err)
	}
	f := &FileKV{
		entriesPath: filepath.Join(dir, "entries.json"),
		jwkPath:     filepath.Join(dir, "jwks.json"),
	}
	snap, err := f.loadFromDisk()
	if err != nil {
		return nil, err
	}
	f.current.Store(snap)
	return f, nil
}

func (f *FileKV) loadFromDisk() (*snapshot, error) {
	snap := &snapshot{
		entries: make(map[string]*domain.RegistrationEntry),
		jwks:    make(map[string]map[string]domain.JWK),
	}

	if data, err := os.ReadFile(f.entriesPath); err == nil {
		var doc entriesDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("catalog: parse %s: %w", f.entriesPath, err)
		}
		for _, fe := range doc.Entries {
			snap.entries[fe.ID] = fromFileEntry(fe)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("catalog: read %s: %w", f.entriesPath, err)
	}

	if data, err := os.ReadFile(f.jwkPath); err == nil {
		var doc jwkDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("catalog: parse %s: %w", f.jwkPath, err)
		}
		snap.version = doc.Version
		for _, entry := range doc.Store {
			for td, keys := range entry {
				m := make(map[string]domain.JWK, len(keys.Keys))
				for _, k := range keys.Keys {
					m[k.Kid] = k
				}
				snap.jwks[td] = m
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("catalog: read %s: %w", f.jwkPath, err)
	}

	return snap, nil
}

func toFileEntry(e *domain.RegistrationEntry) fileEntry {
	sels := make([]fileSelector, 0, len(e.Selectors))
	for _, s := range e.Selectors {
		sels = append(sels, fileSelector{Plugin: s.Plugin(), Value: s.Value()})
	}
	others := make([]fileOtherIdentity, 0, len(e.OtherIdents))
	for _, o := range e.OtherIdents {
		others = append(others, fileOtherIdentity{Kind: o.Kind, Fields: o.Fields})
	}
	return fileEntry{
		ID:             e.ID,
		SpiffeIDPath:   e.SpiffeIDPath,
		ParentID:       e.ParentID,
		Kind:           int(e.Kind),
		Selectors:      sels,
		TTL:            e.TTL,
		Admin:          e.Admin,
		ExpiresAt:      e.ExpiresAt,
		DNSNames:       e.DNSNames,
		RevisionNumber: e.RevisionNumber,
		StoreSVID:      e.StoreSVID,
		OtherIdents:    others,
	}
}

func fromFileEntry(fe fileEntry) *domain.RegistrationEntry {
	sels := make([]domain.Selector, 0, len(fe.Selectors))
	for _, s := range fe.Selectors {
		sels = append(sels, domain.MustParseSelector(s.Plugin, s.Value))
	}
	others := make([]domain.OtherIdentity, 0, len(fe.OtherIdents))
	for _, o := range fe.OtherIdents {
		others = append(others, domain.OtherIdentity{Kind: o.Kind, Fields: o.Fields})
	}
	return &domain.RegistrationEntry{
		ID:             fe.ID,
		SpiffeIDPath:   fe.SpiffeIDPath,
		ParentID:       fe.ParentID,
		Kind:           domain.SelectorKind(fe.Kind),
		Selectors:      sels,
		TTL:            fe.TTL,
		Admin:          fe.Admin,
		ExpiresAt:      fe.ExpiresAt,
		DNSNames:       fe.DNSNames,
		RevisionNumber: fe.RevisionNumber,
		StoreSVID:      fe.StoreSVID,
		OtherIdents:    others,
	}
}

// persist writes both documents to disk. Must be called with writeMu held.
func (f *FileKV) persist(snap *snapshot) error {
	ids := make([]string, 0, len(snap.entries))
	for id := range snap.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	edoc := entriesDoc{Entries: make([]fileEntry, 0, len(ids))}
	for _, id := range ids {
		edoc.Entries = append(edoc.Entries, toFileEntry(snap.entries[id]))
	}
	if err := writeJSONAtomic(f.entriesPath, edoc); err != nil {
		return err
	}

	tds := make([]string, 0, len(snap.jwks))
	for td := range snap.jwks {
		tds = append(tds, td)
	}
	sort.Strings(tds)
	jdoc := jwkDoc{Version: snap.version, Store: make([]map[string]jwkDocEntries, 0, len(tds))}
	for _, td := range tds {
		kids := make([]string, 0, len(snap.jwks[td]))
		for kid := range snap.jwks[td] {
			kids = append(kids, kid)
		}
		sort.Strings(kids)
		keys := make([]domain.JWK, 0, len(kids))
		for _, kid := range kids {
			keys = append(keys, snap.jwks[td][kid])
		}
		jdoc.Store = append(jdoc.Store, map[string]jwkDocEntries{td: {Keys: keys}})
	}
	return writeJSONAtomic(f.jwkPath, jdoc)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("catalog: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("catalog: rename %s: %w", tmp, err)
	}
	return nil
}

func cloneSnapshot(s *snapshot) *snapshot {
	cp := &snapshot{
		entries: make(map[string]*domain.RegistrationEntry, len(s.entries)),
		jwks:    make(map[string]map[string]domain.JWK, len(s.jwks)),
		version: s.version,
	}
	for id, e := range s.entries {
		cp.entries[id] = cloneEntry(e)
	}
	for td, keys := range s.jwks {
		m := make(map[string]domain.JWK, len(keys))
		for k, v := range keys {
			m[k] = v
		}
		cp.jwks[td] = m
	}
	return cp
}

// BatchGet implements ports.EntryCatalog.
func (f *FileKV) BatchGet(ctx context.Context, ids []string) ([]ports.EntryResult, error) {
	snap := f.current.Load()
	results := make([]ports.EntryResult, len(ids))
	for i, id := range ids {
		if e, ok := snap.entries[id]; ok {
			results[i] = ports.EntryResult{ID: id, Entry: cloneEntry(e), Status: "OK"}
		} else {
			results[i] = ports.EntryResult{ID: id, Status: "NOT_FOUND", Err: domain.ErrEntryNotFound}
		}
	}
	return results, nil
}

// BatchCreate implements ports.EntryCatalog, applying each id against the
// same writer-held snapshot then persisting once.
func (f *FileKV) BatchCreate(ctx context.Context, entries []*domain.RegistrationEntry) ([]ports.EntryResult, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	next := cloneSnapshot(f.current.Load())
	results := make([]ports.EntryResult, len(entries))
	for i, e := range entries {
		if _, exists := next.entries[e.ID]; exists {
			results[i] = ports.EntryResult{ID: e.ID, Status: "ALREADY_EXISTS", Err: domain.ErrEntryAlreadyExists}
			continue
		}
		next.entries[e.ID] = cloneEntry(e)
		results[i] = ports.EntryResult{ID: e.ID, Entry: cloneEntry(e), Status: "OK"}
	}

	if err := f.persist(next); err != nil {
		return nil, err
	}
	f.current.Store(next)
	return results, nil
}

// BatchUpdate implements ports.EntryCatalog.
func (f *FileKV) BatchUpdate(ctx context.Context, entries []*domain.RegistrationEntry) ([]ports.EntryResult, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	next := cloneSnapshot(f.current.Load())
	results := make([]ports.EntryResult, len(entries))
	for i, e := range entries {
		current, exists := next.entries[e.ID]
		if !exists {
			results[i] = ports.EntryResult{ID: e.ID, Status: "NOT_FOUND", Err: domain.ErrEntryNotFound}
			continue
		}
		if e.RevisionNumber != current.RevisionNumber+1 {
			results[i] = ports.EntryResult{ID: e.ID, Status: "INVALID_ARGUMENT", Err: fmt.Errorf("%w: expected revision %d, got %d", domain.ErrRevisionConflict, current.RevisionNumber+1, e.RevisionNumber)}
			continue
		}
		next.entries[e.ID] = cloneEntry(e)
		results[i] = ports.EntryResult{ID: e.ID, Entry: cloneEntry(e), Status: "OK"}
	}

	if err := f.persist(next); err != nil {
		return nil, err
	}
	f.current.Store(next)
	return results, nil
}

// BatchDelete implements ports.EntryCatalog.
func (f *FileKV) BatchDelete(ctx context.Context, ids []string) ([]ports.EntryResult, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	next := cloneSnapshot(f.current.Load())
	results := make([]ports.EntryResult, len(ids))
	for i, id := range ids {
		if _, exists := next.entries[id]; !exists {
			results[i] = ports.EntryResult{ID: id, Status: "NOT_FOUND", Err: domain.ErrEntryNotFound}
			continue
		}
		delete(next.entries, id)
		results[i] = ports.EntryResult{ID: id, Status: "OK"}
	}

	if err := f.persist(next); err != nil {
		return nil, err
	}
	f.current.Store(next)
	return results, nil
}

// ListAll implements ports.EntryCatalog against the current snapshot.
func (f *FileKV) ListAll(ctx context.Context, pageToken string, pageSize int) ([]*domain.RegistrationEntry, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	after, err := decodeCursor(pageToken)
	if err != nil {
		return nil, "", err
	}

	snap := f.current.Load()
	ids := make([]string, 0, len(snap.entries))
	for id := range snap.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := sort.SearchStrings(ids, after+"\x00")
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}

	page := make([]*domain.RegistrationEntry, 0, end-start)
	for _, id := range ids[start:end] {
		page = append(page, cloneEntry(snap.entries[id]))
	}

	next := ""
	if end < len(ids) {
		next = encodeCursor(ids[end-1])
	}
	return page, next, nil
}

// GetEntry implements ports.EntryCatalog.
func (f *FileKV) GetEntry(ctx context.Context, id string) (*domain.RegistrationEntry, error) {
	snap := f.current.Load()
	e, ok := snap.entries[id]
	if !ok {
		return nil, fmt.Errorf("catalog: %w: %s", domain.ErrEntryNotFound, id)
	}
	return cloneEntry(e), nil
}

// AddJWK implements ports.TrustBundleStore.
func (f *FileKV) AddJWK(ctx context.Context, trustDomain string, jwk domain.JWK) (uint64, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	next := cloneSnapshot(f.current.Load())
	if next.jwks[trustDomain] == nil {
		next.jwks[trustDomain] = make(map[string]domain.JWK)
	}
	next.jwks[trustDomain][jwk.Kid] = jwk
	next.version++

	if err := f.persist(next); err != nil {
		return 0, err
	}
	f.current.Store(next)
	return next.version, nil
}

// RemoveJWK implements ports.TrustBundleStore.
func (f *FileKV) RemoveJWK(ctx context.Context, trustDomain, kid string) (uint64, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	current := f.current.Load()
	if keys, ok := current.jwks[trustDomain]; ok {
		if _, present := keys[kid]; !present {
			return current.version, nil
		}
	} else {
		return current.version, nil
	}

	next := cloneSnapshot(current)
	delete(next.jwks[trustDomain], kid)
	next.version++

	if err := f.persist(next); err != nil {
		return 0, err
	}
	f.current.Store(next)
	return next.version, nil
}

// GetJWKs implements ports.TrustBundleStore from the current snapshot -
// readers never block on the writer (spec §5).
func (f *FileKV) GetJWKs(ctx context.Context, trustDomain string) ([]domain.JWK, uint64, error) {
	snap := f.current.Load()
	keys := snap.jwks[trustDomain]
	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]domain.JWK, 0, len(kids))
	for _, kid := range kids {
		out = append(out, keys[kid])
	}
	return out, snap.version, nil
}

var _ ports.Catalog = (*FileKV)(nil)
