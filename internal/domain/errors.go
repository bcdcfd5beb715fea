package domain

import "errors"

// Sentinel errors for domain-level (semantic) failures.
// Use with errors.Is() for checking and fmt.Errorf("%w", ...) for wrapping with context.
//
// These map to the error taxonomy of spec §7. Adapter/infrastructure
// failures (store unreachable, key material lost) live in
// internal/ports/errors.go instead - the domain never knows about stores.

var (
	// ErrEntryNotFound indicates an operation referenced an id with no corresponding entry.
	ErrEntryNotFound = errors.New("registration entry not found")

	// ErrEntryAlreadyExists indicates a create referenced an id that already exists.
	ErrEntryAlreadyExists = errors.New("registration entry already exists")

	// ErrEntryExpired indicates an entry's expires_at has passed.
	ErrEntryExpired = errors.New("registration entry expired")

	// ErrInvalidEntry indicates an entry failed validation (empty path, bad selectors, ...).
	ErrInvalidEntry = errors.New("registration entry invalid")

	// ErrRevisionConflict indicates an update's revision_number was not current+1.
	ErrRevisionConflict = errors.New("registration entry revision conflict")

	// ErrInvalidSelectors indicates selectors are nil, empty, or malformed.
	ErrInvalidSelectors = errors.New("selectors invalid")

	// ErrNoMatchingEntry indicates IdentityMatcher found no entry for the given selectors.
	ErrNoMatchingEntry = errors.New("no registration entry matches selectors")

	// ErrNoActiveKey indicates no ACTIVE signing key exists for the trust domain.
	ErrNoActiveKey = errors.New("no active signing key")

	// ErrKeyUnavailable indicates the key material for a kid could not be used to sign.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrAttestationRejected indicates a node-attestor plugin rejected evidence.
	ErrAttestationRejected = errors.New("attestation rejected")

	// ErrInvalidEvidence indicates attestation evidence was malformed before it reached the plugin.
	ErrInvalidEvidence = errors.New("attestation evidence invalid")

	// ErrReplayedEvidence indicates a jti was already used for attestation.
	ErrReplayedEvidence = errors.New("attestation evidence replayed")

	// ErrUnauthenticated indicates a caller presented a missing or expired SVID.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrEmptyAudience indicates a JWT-SVID request carried no audiences.
	ErrEmptyAudience = errors.New("audiences must be non-empty")
)
