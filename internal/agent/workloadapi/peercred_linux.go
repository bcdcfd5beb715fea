//go:build linux

package workloadapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/ports"
)

const (
	maxPathRetries         = 2
	initialRetryDelay      = time.Millisecond
	retryBackoffMultiplier = 2
	maxRetryDelay          = 10 * time.Millisecond
)

// extractCredentials extracts kernel-verified process credentials from a
// Unix socket connection via SO_PEERCRED. The caller cannot forge these -
// the kernel fills them in at connect(2) time.
func extractCredentials(conn net.Conn, logger *slog.Logger) (ports.ProcessIdentity, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return ports.ProcessIdentity{}, fmt.Errorf("connection is not a unix socket connection")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return ports.ProcessIdentity{}, fmt.Errorf("get raw connection: %w", err)
	}

	var (
		ucred   *syscall.Ucred
		credErr error
	)
	if ctrlErr := rawConn.Control(func(fd uintptr) {
		ucred, credErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	}); ctrlErr != nil {
		return ports.ProcessIdentity{}, fmt.Errorf("access socket fd: %w", ctrlErr)
	}
	if credErr != nil {
		return ports.ProcessIdentity{}, fmt.Errorf("get peer credentials: %w", credErr)
	}
	if ucred == nil || ucred.Pid <= 0 {
		return ports.ProcessIdentity{}, fmt.Errorf("invalid peer credentials")
	}

	path, err := resolveExePath(ucred.Pid, logger)
	if err != nil {
		return ports.ProcessIdentity{}, fmt.Errorf(
			"resolve executable path for pid %d (uid=%d, gid=%d): %w",
			ucred.Pid, ucred.Uid, ucred.Gid, err,
		)
	}

	return ports.ProcessIdentity{PID: int(ucred.Pid), UID: int(ucred.Uid), GID: int(ucred.Gid), Path: path}, nil
}

// resolveExePath retries readlink against a kernel race where the peer
// process exits between SO_PEERCRED and the /proc lookup.
func resolveExePath(pid int32, logger *slog.Logger) (string, error) {
	procPath := fmt.Sprintf("/proc/%d/exe", pid)
	delay := initialRetryDelay

	var (
		path string
		err  error
	)
	for attempt := 0; attempt <= maxPathRetries; attempt++ {
		path, err = os.Readlink(procPath)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if attempt < maxPathRetries {
			logger.Debug("retrying executable path resolution", "attempt", attempt+1, "pid", pid)
			time.Sleep(delay)
			delay *= retryBackoffMultiplier
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}
	return "", err
}
