package ports

import (
	"context"

	"github.com/pocket/hexagon/identityplane/internal/domain"
)

// EntryResult is the per-id outcome of a batch entry operation (spec §4.1:
// "operations are atomic per-id, not as a batch").
type EntryResult struct {
	ID     string
	Entry  *domain.RegistrationEntry // nil on failure
	Status string                    // "OK", "NOT_FOUND", "ALREADY_EXISTS", "INVALID_ARGUMENT", "CANCELLED"
	Err    error
}

// EntryCatalog persists registration entries with batch CRUD and stable pagination.
//
// Error contract: batch_* report each id's outcome in its own result
// (spec §4.1, §7 "batch operations surface errors per-id"); the call as a
// whole fails only when the backend cannot persist the batch. get_entry
// returns domain.ErrEntryNotFound for an unknown id, and list_all returns
// ports.ErrInvalidPageToken for an undecodable page token.
type EntryCatalog interface {
	// BatchGet fetches entries by id, preserving input order.
	BatchGet(ctx context.Context, ids []string) ([]EntryResult, error)

	// BatchCreate inserts entries, failing ALREADY_EXISTS per-id for ids already present.
	BatchCreate(ctx context.Context, entries []*domain.RegistrationEntry) ([]EntryResult, error)

	// BatchUpdate replaces entries, failing NOT_FOUND per-id for absent ids and
	// INVALID_ARGUMENT per-id (wrapping domain.ErrRevisionConflict) when
	// RevisionNumber is not current+1.
	BatchUpdate(ctx context.Context, entries []*domain.RegistrationEntry) ([]EntryResult, error)

	// BatchDelete removes entries by id.
	BatchDelete(ctx context.Context, ids []string) ([]EntryResult, error)

	// ListAll returns a page of entries ordered lexicographically by id, and
	// the token to fetch the next page (empty if this was the last page).
	// Pagination is stable under concurrent mutation (spec §4.1).
	ListAll(ctx context.Context, pageToken string, pageSize int) ([]*domain.RegistrationEntry, string, error)

	// GetEntry fetches a single entry by id.
	GetEntry(ctx context.Context, id string) (*domain.RegistrationEntry, error)
}

// TrustBundleStore persists the JWK set backing the trust bundle, keyed by
// trust domain. Version increases on every successful mutation and is
// surfaced to readers as the bundle's sequence_number (spec §4.1, §4.4).
type TrustBundleStore interface {
	// AddJWK inserts or replaces a key by (trust_domain, kid).
	AddJWK(ctx context.Context, trustDomain string, jwk domain.JWK) (version uint64, err error)

	// RemoveJWK deletes a key by (trust_domain, kid). A no-op removal still
	// returns the current version, it does not error.
	RemoveJWK(ctx context.Context, trustDomain, kid string) (version uint64, err error)

	// GetJWKs returns a consistent snapshot of the trust domain's keys and
	// the version they were read at (spec §4.4 "one store snapshot").
	GetJWKs(ctx context.Context, trustDomain string) ([]domain.JWK, uint64, error)
}

// Catalog bundles the two sub-interfaces a single pluggable backend
// implements (spec §4.1). Swapping backends must not alter observable
// ordering or pagination semantics.
type Catalog interface {
	EntryCatalog
	TrustBundleStore
}
