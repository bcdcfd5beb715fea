package ports

import "errors"

// Infrastructure errors for the adapter layer.
//
// These represent adapter/infrastructure concerns and are kept separate
// from domain errors (internal/domain/errors.go), which represent
// business/semantic failures. The core logic maps both kinds to the
// spec §7 HTTP status codes at the API boundary.

var (
	// ErrStoreUnavailable indicates a Catalog backend could not be reached.
	ErrStoreUnavailable = errors.New("catalog store unavailable")

	// ErrInvalidPageToken indicates a page_token failed to decode.
	ErrInvalidPageToken = errors.New("invalid page token")

	// ErrKeyStoreUnavailable indicates a KeyStore backend could not be reached.
	ErrKeyStoreUnavailable = errors.New("key store unavailable")
)
