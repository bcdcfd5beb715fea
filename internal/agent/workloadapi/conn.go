package workloadapi

import (
	"context"
	"log/slog"
	"net"

	"github.com/pocket/hexagon/identityplane/internal/ports"
)

type credentialsKey struct{}
type credentialsErrorKey struct{}

var (
	credentialsContextKey    = credentialsKey{}
	credentialsErrContextKey = credentialsErrorKey{}
)

type connWithCredentials struct {
	net.Conn
	credentials ports.ProcessIdentity
}

type credentialsListener struct {
	net.Listener
	logger *slog.Logger
}

func newCredentialsListener(inner net.Listener, logger *slog.Logger) net.Listener {
	return &credentialsListener{Listener: inner, logger: logger}
}

func (l *credentialsListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	credentials, err := extractCredentials(conn, l.logger)
	if err != nil {
		l.logger.Error("failed to extract peer credentials", "remote_addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return nil, err
	}

	l.logger.Debug("extracted peer credentials", "pid", credentials.PID, "uid", credentials.UID, "gid", credentials.GID)
	return &connWithCredentials{Conn: conn, credentials: credentials}, nil
}

func credentialsFromContext(ctx context.Context) (ports.ProcessIdentity, bool) {
	creds, ok := ctx.Value(credentialsContextKey).(ports.ProcessIdentity)
	return creds, ok
}

func contextWithCredentials(ctx context.Context, creds ports.ProcessIdentity) context.Context {
	return context.WithValue(ctx, credentialsContextKey, creds)
}

func contextWithCredentialsError(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, credentialsErrContextKey, err)
}

func credentialsErrorFromContext(ctx context.Context) (error, bool) {
	err, ok := ctx.Value(credentialsErrContextKey).(error)
	return err, ok
}
