//go:build !linux

package workloadapi

import (
	"fmt"
	"log/slog"
	"runtime"
)

// logPlatformWarning reports that kernel-verified credential extraction is
// unavailable on this platform, so callers can fail fast instead of
// silently trusting unverified peer data.
func logPlatformWarning(logger *slog.Logger) error {
	return fmt.Errorf("workload api: SO_PEERCRED equivalent not implemented for %s/%s", runtime.GOOS, runtime.GOARCH)
}
