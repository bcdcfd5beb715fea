package domain

import (
	"fmt"
	"strings"
)

// SpiffeID is a trust-domain-relative identity credential of the form
// "spiffe://<trust_domain>/<path>". Construction normalizes the path to
// start with a single leading slash; parsing/validation of user-supplied
// strings belongs to adapters, domain
// only holds already-validated components.
type SpiffeID struct {
	trustDomain string
	path        string
}

// NewSpiffeID builds a SpiffeID from a trust domain and a path. The path is
// normalized to have exactly one leading slash. Returns ErrInvalidEntry if
// trustDomain is empty.
func NewSpiffeID(trustDomain, path string) (SpiffeID, error) {
	if trustDomain == "" {
		return SpiffeID{}, fmt.Errorf("%w: trust domain must be non-empty", ErrInvalidEntry)
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return SpiffeID{trustDomain: trustDomain, path: path}, nil
}

// TrustDomain returns the trust domain component.
func (id SpiffeID) TrustDomain() string { return id.trustDomain }

// Path returns the path component, always starting with "/".
func (id SpiffeID) Path() string { return id.path }

// String renders the full "spiffe://trust_domain/path" URI.
func (id SpiffeID) String() string {
	return fmt.Sprintf("spiffe://%s%s", id.trustDomain, id.path)
}

// IsZero reports whether this is the uninitialized zero value.
func (id SpiffeID) IsZero() bool {
	return id.trustDomain == ""
}
