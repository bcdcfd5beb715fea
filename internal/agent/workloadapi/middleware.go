package workloadapi

import (
	"context"
	"fmt"
	"net"
)

// credentialsConnContext injects the peer credentials extracted by
// credentialsListener.Accept into each request's context before any
// handler runs.
func credentialsConnContext(ctx context.Context, c net.Conn) context.Context {
	if connWithCreds, ok := c.(*connWithCredentials); ok {
		return contextWithCredentials(ctx, connWithCreds.credentials)
	}
	return contextWithCredentialsError(ctx, fmt.Errorf(
		"connection not wrapped with credentials; listener may not be using credentialsListener or platform does not support SO_PEERCRED",
	))
}
