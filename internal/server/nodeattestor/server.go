package nodeattestor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/bg"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// State is a step in the node attestation state machine (spec §4.7).
type State int

const (
	StateAwaitingEvidence State = iota
	StateVerifying
	StateMatching
	StateIssuing
	StateAttested
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingEvidence:
		return "AWAITING_EVIDENCE"
	case StateVerifying:
		return "VERIFYING"
	case StateMatching:
		return "MATCHING"
	case StateIssuing:
		return "ISSUING"
	case StateAttested:
		return "ATTESTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// EntryFinder is the subset of the catalog a Server needs to locate the
// node registration entry a set of attested selectors satisfies.
type EntryFinder interface {
	ListAll(ctx context.Context, pageToken string, pageSize int) ([]*domain.RegistrationEntry, string, error)
}

// Issuer mints the agent's own JWT-SVID once its node entry is matched.
type Issuer interface {
	Mint(ctx context.Context, spiffeID string, entry *domain.RegistrationEntry, audiences []string) (*domain.JWTSVID, error)
}

// Server drives the node attestation state machine: verify evidence with
// the configured plugin, match the resulting selectors against a node
// registration entry, and issue the agent its first JWT-SVID.
type Server struct {
	plugin      ports.NodeAttestorPlugin
	catalog     EntryFinder
	issuer      Issuer
	trustDomain string
	svidTTL     int64
	audience    string
	clock       ports.Clock

	mu       sync.Mutex
	seenJTI  map[string]int64                 // jti -> expiry, replay prevention (spec SUPPLEMENTED FEATURES)
	sessions map[string]*domain.AgentSession // agent SPIFFE ID -> session, swept periodically below

	runner bg.Runner
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithRunner overrides the session sweep loop's execution strategy.
func WithRunner(r bg.Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithLogger overrides the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer constructs a node attestation Server.
func NewServer(plugin ports.NodeAttestorPlugin, catalog EntryFinder, issuer Issuer, trustDomain, audience string, svidTTL int64, clock ports.Clock, opts ...Option) *Server {
	s := &Server{
		plugin:      plugin,
		catalog:     catalog,
		issuer:      issuer,
		trustDomain: trustDomain,
		svidTTL:     svidTTL,
		audience:    audience,
		clock:       clock,
		seenJTI:     make(map[string]int64),
		sessions:    make(map[string]*domain.AgentSession),
		runner:      bg.Async{},
		logger:      slog.Default(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the periodic AgentSession expiry sweep (SPEC_FULL.md
// "AgentSession expiry sweep"): a session whose last-issued SVID expired
// without the agent refreshing it is torn down rather than kept forever.
// Start must be called once; Attest works without it, but sessions then
// accumulate unswept.
func (s *Server) Start(ctx context.Context) error {
	s.runner.Do(func() {
		defer close(s.done)
		s.loop(ctx)
	})
	return nil
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Server) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Server) loop(ctx context.Context) {
	period := time.Duration(s.svidTTL) * time.Second
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepStaleSessions()
		}
	}
}

// sweepStaleSessions removes AgentSessions whose issued SVID has expired
// as of now without the agent having fetched a replacement.
func (s *Server) sweepStaleSessions() {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.IsStale(now) {
			delete(s.sessions, id)
		}
	}
}

// SessionCount reports the number of agents currently tracked as attested,
// for introspection and tests.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SweepNow runs one sweep pass immediately, outside the periodic loop's
// schedule. Exposed so callers (and tests) don't have to wait out svidTTL.
func (s *Server) SweepNow() {
	s.sweepStaleSessions()
}

// recordSession creates or refreshes the AgentSession for spiffeID after a
// successful attestation or SVID reissuance.
func (s *Server) recordSession(spiffeID, nodeEntryID string, svid *domain.JWTSVID) {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[spiffeID]
	if !ok {
		sess = &domain.AgentSession{AgentSpiffeID: spiffeID, NodeEntryID: nodeEntryID, AttestedAt: now}
		s.sessions[spiffeID] = sess
	}
	sess.Touch(now, svid.Kid, svid.ExpiresAt)
}

// Result is the outcome of a successful attestation.
type Result struct {
	NodeEntry *domain.RegistrationEntry
	SVID      *domain.JWTSVID
	State     State
}

// Attest runs the full state machine for one evidence submission.
func (s *Server) Attest(ctx context.Context, evidence ports.NodeEvidence) (*Result, State, error) {
	if jti, ok := jtiFromJWT(evidence.Token); ok {
		if err := s.checkAndRecordJTI(jti); err != nil {
			return nil, StateFailed, err
		}
	}

	selectors, err := s.plugin.Verify(ctx, evidence)
	if err != nil {
		return nil, StateFailed, fmt.Errorf("verifying: %w", err)
	}
	attested := domain.NewSelectorSetFromStrings(selectors)

	nodeEntry, err := s.matchNodeEntry(ctx, attested)
	if err != nil {
		return nil, StateFailed, fmt.Errorf("matching: %w", err)
	}

	spiffeID, err := domain.NewSpiffeID(s.trustDomain, nodeEntry.SpiffeIDPath)
	if err != nil {
		return nil, StateFailed, fmt.Errorf("issuing: %w", err)
	}
	svid, err := s.issuer.Mint(ctx, spiffeID.String(), nodeEntry, []string{s.audience})
	if err != nil {
		return nil, StateFailed, fmt.Errorf("issuing: %w", err)
	}
	s.recordSession(spiffeID.String(), nodeEntry.ID, svid)

	return &Result{NodeEntry: nodeEntry, SVID: svid, State: StateAttested}, StateAttested, nil
}

// matchNodeEntry scans every node entry for one matching attested, per
// spec §4.7's state table: "Matching | none or multiple → Failed(NoMatch)".
// A node whose selectors satisfy more than one registration entry is just
// as much a non-match as one satisfying none - attestation must not guess.
func (s *Server) matchNodeEntry(ctx context.Context, attested *domain.SelectorSet) (*domain.RegistrationEntry, error) {
	var matches []*domain.RegistrationEntry
	pageToken := ""
	for {
		entries, next, err := s.catalog.ListAll(ctx, pageToken, 256)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Kind != domain.SelectorKindNode {
				continue
			}
			if e.MatchesSelectors(attested, "") {
				matches = append(matches, e)
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	if len(matches) != 1 {
		return nil, domain.ErrNoMatchingEntry
	}
	return matches[0], nil
}

// checkAndRecordJTI rejects a PSAT whose jti has already been presented in
// any earlier attestation attempt (the jti is recorded before the plugin
// verifies the token, so a failed attempt also consumes it), and sweeps
// expired entries opportunistically.
func (s *Server) checkAndRecordJTI(jti string) error {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.seenJTI {
		if exp <= now {
			delete(s.seenJTI, k)
		}
	}
	if _, seen := s.seenJTI[jti]; seen {
		return domain.ErrReplayedEvidence
	}
	s.seenJTI[jti] = now + 2*s.svidTTL
	return nil
}

// jtiFromJWT extracts the "jti" claim from a JWT without verifying its
// signature - safe here because Verify() independently verifies the token
// through TokenReview before the selector set it returns is trusted.
func jtiFromJWT(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims struct {
		JTI string `json:"jti"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.JTI == "" {
		return "", false
	}
	return claims.JTI, true
}
