// Package workloadapi implements the agent's local Workload API (spec
// §4.9): a Unix domain socket server that attests the calling process via
// SO_PEERCRED, resolves its selectors, and returns the matching JWT-SVIDs.
package workloadapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

const (
	secureDirectoryPermissions os.FileMode = 0o700
	fetchEndpoint                          = "/fetch-jwt-svid"
	fetchStreamEndpoint                    = "/fetch-jwt-svid/stream"
)

// SVIDProvider resolves the JWT-SVIDs a locally attested workload is
// entitled to, and reports the trust bundle's current sequence number so
// the streaming endpoint can detect changes worth re-emitting.
type SVIDProvider interface {
	FetchSVIDs(ctx context.Context, workload ports.ProcessIdentity) ([]*domain.JWTSVID, error)
	BundleVersion(ctx context.Context) uint64
}

// Server is the Workload API Unix domain socket server.
type Server struct {
	provider   SVIDProvider
	socketPath string
	socketPerm os.FileMode
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithSocketPermissions overrides the Unix socket's file permissions.
func WithSocketPermissions(perm os.FileMode) Option {
	return func(s *Server) { s.socketPerm = perm }
}

// WithLogger overrides the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		} else {
			s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
}

// NewServer constructs a Workload API server bound to socketPath.
func NewServer(provider SVIDProvider, socketPath string, opts ...Option) *Server {
	s := &Server{
		provider:   provider,
		socketPath: socketPath,
		socketPerm: secureDirectoryPermissions,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the Workload API server, listening on a Unix domain socket.
func (s *Server) Start(ctx context.Context) error {
	if err := logPlatformWarning(s.logger); err != nil {
		return err
	}

	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, secureDirectoryPermissions); err != nil {
		return fmt.Errorf("create socket directory %q: %w", socketDir, err)
	}
	if err := os.Chmod(socketDir, secureDirectoryPermissions); err != nil {
		return fmt.Errorf("set socket directory permissions: %w", err)
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on unix socket: %w", err)
	}
	credListener := newCredentialsListener(listener, s.logger)
	s.listener = credListener

	if err := os.Chmod(s.socketPath, s.socketPerm); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fetchEndpoint, s.handleFetch)
	mux.HandleFunc(fetchStreamEndpoint, s.handleFetchStream)

	s.httpServer = &http.Server{
		Handler:      mux,
		ConnContext:  credentialsConnContext,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming endpoint holds connections open indefinitely
		IdleTimeout:  time.Minute,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(credListener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("workload api server error", "error", err)
		}
	}()

	s.logger.Info("workload api listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully stops the server, closing the listener and removing the
// socket file.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.socketPath); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("workload api shutdown: %v", errs)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	workload, err := s.callerIdentity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	svids, err := s.provider.FetchSVIDs(r.Context(), workload)
	if err != nil {
		s.logger.Error("failed to fetch svids", "pid", workload.PID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeSVIDResponse(w, svids)
}

// handleFetchStream re-emits the same response whenever the trust bundle
// sequence number changes, closing the connection when the client
// disconnects or the context is cancelled (spec §4.9 streaming variant).
func (s *Server) handleFetchStream(w http.ResponseWriter, r *http.Request) {
	workload, err := s.callerIdentity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	var lastVersion uint64 = ^uint64(0)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			version := s.provider.BundleVersion(ctx)
			if version == lastVersion {
				continue
			}
			lastVersion = version

			svids, err := s.provider.FetchSVIDs(ctx, workload)
			if err != nil {
				s.logger.Error("failed to fetch svids for stream", "pid", workload.PID, "error", err)
				continue
			}
			if err := json.NewEncoder(w).Encode(toSVIDResponse(svids)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) callerIdentity(r *http.Request) (ports.ProcessIdentity, error) {
	if credErr, ok := credentialsErrorFromContext(r.Context()); ok {
		return ports.ProcessIdentity{}, fmt.Errorf("credential setup failed: %w", credErr)
	}
	workload, ok := credentialsFromContext(r.Context())
	if !ok {
		return ports.ProcessIdentity{}, fmt.Errorf("peer credentials not found in request context")
	}
	return workload, nil
}

type wireSVID struct {
	Token     string `json:"token"`
	SpiffeID  string `json:"spiffe_id"`
	ExpiresAt int64  `json:"expires_at"`
}

func toSVIDResponse(svids []*domain.JWTSVID) struct {
	SVIDs []wireSVID `json:"svids"`
} {
	out := make([]wireSVID, 0, len(svids))
	for _, s := range svids {
		out = append(out, wireSVID{Token: s.Token, SpiffeID: s.SpiffeID, ExpiresAt: s.ExpiresAt})
	}
	return struct {
		SVIDs []wireSVID `json:"svids"`
	}{SVIDs: out}
}

func writeSVIDResponse(w http.ResponseWriter, svids []*domain.JWTSVID) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toSVIDResponse(svids))
}
