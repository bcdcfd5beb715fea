package catalog

import (
	"encoding/base64"
	"fmt"

	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// encodeCursor and decodeCursor implement spec §4.1's "ordered cursor,
// lexicographic on id" pagination token: the token is simply the last id
// returned, base64-encoded so it's opaque to callers and safe in a URL
// query parameter.

func encodeCursor(lastID string) string {
	if lastID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func decodeCursor(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ports.ErrInvalidPageToken, err)
	}
	return string(b), nil
}
