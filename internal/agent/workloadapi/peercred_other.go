//go:build !linux

package workloadapi

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"

	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// extractCredentials has no portable implementation outside Linux.
// Falling back to header-based attestation here would let a caller forge
// its own identity, so this path simply fails closed.
func extractCredentials(conn net.Conn, logger *slog.Logger) (ports.ProcessIdentity, error) {
	return ports.ProcessIdentity{}, fmt.Errorf("kernel-verified credential extraction not implemented for %s/%s", runtime.GOOS, runtime.GOARCH)
}
