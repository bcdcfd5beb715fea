// Package core implements AgentCore (spec §4.6, §4.9): the agent-side
// orchestrator that performs the initial node-attestation handshake,
// keeps the agent's own JWT-SVID and the trust bundle fresh on a
// schedule, and resolves locally attested workloads into the JWT-SVIDs
// they're entitled to for the Workload API.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	josealg "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/sync/singleflight"

	"github.com/pocket/hexagon/identityplane/internal/bg"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// maxConsecutiveFailures is how many refresh failures in a row drop the
// agent back to unattested state, forcing a fresh handshake rather than
// retrying a session the server may no longer recognize.
const maxConsecutiveFailures = 3

// minRefreshLeadTime is the floor on "refresh before expiry" scheduling
// (spec §4.9 supplement: refresh at exp - max(60s, 0.1*ttl)).
const minRefreshLeadTime = 60 * time.Second

// Client is the subset of the agent HTTP client AgentCore drives.
type Client interface {
	Attest(ctx context.Context, plugin, token string) (entryID string, svid *domain.JWTSVID, err error)
	NewJWTSVID(ctx context.Context, entryID string, audiences []string) (*domain.JWTSVID, error)
	TrustBundle(ctx context.Context) (*domain.TrustBundle, error)
	EntriesForParent(ctx context.Context, parentID string) ([]*domain.RegistrationEntry, error)
	SetToken(token string)
}

// EvidenceSource supplies fresh node-attestation evidence, e.g. reading a
// Kubernetes projected service-account token off disk on each call since
// the kubelet rotates the file in place.
type EvidenceSource interface {
	Evidence() (plugin, token string, err error)
}

// FileEvidenceSource reads PSAT evidence from a kubelet-projected token
// file, re-reading it on every call since the kubelet rewrites it in
// place well before expiry.
type FileEvidenceSource struct {
	Plugin string
	Path   string
}

// Evidence implements EvidenceSource.
func (f FileEvidenceSource) Evidence() (string, string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", "", fmt.Errorf("read node attestation token %q: %w", f.Path, err)
	}
	return f.Plugin, strings.TrimSpace(string(raw)), nil
}

// Core is the agent's central orchestrator. It implements
// workloadapi.SVIDProvider so the Workload API server can ask it to
// resolve a locally attested process into JWT-SVIDs.
type Core struct {
	client      Client
	attestor    ports.WorkloadAttestorPlugin
	evidence    EvidenceSource
	clock       ports.Clock
	trustDomain string
	audiences   []string
	runner      bg.Runner
	logger      *slog.Logger

	bundleGroup singleflight.Group

	mu            sync.RWMutex
	nodeEntryID   string
	nodeSVID      *domain.JWTSVID
	bundleKeys    []domain.JWK
	bundleVersion uint64
	entries       []*domain.RegistrationEntry
	consecutive   int

	stop chan struct{}
	done chan struct{}
}

// Option configures a Core.
type Option func(*Core)

// WithRunner overrides the background loop's execution strategy (tests use
// bg.Sync for determinism).
func WithRunner(r bg.Runner) Option {
	return func(c *Core) { c.runner = r }
}

// WithLogger overrides the core's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDefaultAudiences sets the audiences requested for workload JWT-SVIDs
// when the Workload API caller doesn't supply its own (the local Unix
// socket protocol carries no audience parameter - spec §4.9 leaves this
// unspecified, so it defaults to the trust domain itself, matching
// common SPIFFE Workload API practice).
func WithDefaultAudiences(audiences ...string) Option {
	return func(c *Core) { c.audiences = audiences }
}

// New constructs an AgentCore.
func New(client Client, attestor ports.WorkloadAttestorPlugin, evidence EvidenceSource, clock ports.Clock, trustDomain string, opts ...Option) *Core {
	c := &Core{
		client:      client,
		attestor:    attestor,
		evidence:    evidence,
		clock:       clock,
		trustDomain: trustDomain,
		audiences:   []string{trustDomain},
		runner:      bg.Async{},
		logger:      slog.Default(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start performs the initial node-attestation handshake (retried with
// backoff) and launches the background refresh loop.
func (c *Core) Start(ctx context.Context) error {
	if err := c.attestWithRetry(ctx); err != nil {
		return fmt.Errorf("agentcore: initial attestation: %w", err)
	}
	if err := c.refreshBundle(ctx); err != nil {
		c.logger.Warn("initial trust bundle fetch failed, will retry on schedule", "error", err)
	}
	if err := c.refreshEntries(ctx); err != nil {
		c.logger.Warn("initial entry fetch failed, will retry on schedule", "error", err)
	}

	c.runner.Do(func() {
		defer close(c.done)
		c.loop(ctx)
	})
	return nil
}

// Stop ends the background loop and waits for it to exit.
func (c *Core) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Core) loop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one scheduling pass: refresh the agent's own SVID if it's due,
// refresh the trust bundle and parent-scoped entries, and recover from
// repeated failures by re-attesting (spec supplement: 3 consecutive
// failures drop the agent back to unattested state).
func (c *Core) tick(ctx context.Context) {
	if c.svidDue() {
		if err := c.refreshSVID(ctx); err != nil {
			c.recordFailure(ctx, "refresh agent svid", err)
			return
		}
	}
	if err := c.refreshBundle(ctx); err != nil {
		c.recordFailure(ctx, "refresh trust bundle", err)
		return
	}
	if err := c.refreshEntries(ctx); err != nil {
		c.recordFailure(ctx, "refresh entries", err)
		return
	}
	c.mu.Lock()
	c.consecutive = 0
	c.mu.Unlock()
}

func (c *Core) recordFailure(ctx context.Context, op string, err error) {
	c.logger.Error("agent core refresh failed", "op", op, "error", err)

	c.mu.Lock()
	c.consecutive++
	stale := c.consecutive >= maxConsecutiveFailures
	if stale {
		c.consecutive = 0
		c.nodeEntryID = ""
		c.nodeSVID = nil
	}
	c.mu.Unlock()

	if !stale {
		return
	}
	c.logger.Warn("too many consecutive failures, re-attesting", "threshold", maxConsecutiveFailures)
	if err := c.attestWithRetry(ctx); err != nil {
		c.logger.Error("re-attestation failed", "error", err)
	}
}

func (c *Core) svidDue() bool {
	c.mu.RLock()
	svid := c.nodeSVID
	c.mu.RUnlock()
	if svid == nil {
		return true
	}

	// Schedule off the token's own signed exp/iat claims rather than the
	// wire-reported fields, so a bug in the server's JSON envelope can't
	// mislead the refresh schedule - the JWS content is the one thing
	// both sides signed.
	iat, exp, err := tokenClaims(svid.Token)
	if err != nil {
		c.logger.Warn("failed to parse node svid for refresh scheduling, using wire fields", "error", err)
		iat, exp = svid.IssuedAt, svid.ExpiresAt
	}

	lead := minRefreshLeadTime
	if ttl := time.Duration(exp-iat) * time.Second; ttl > 0 {
		if tenth := ttl / 10; tenth > lead {
			lead = tenth
		}
	}
	return c.clock.Now().Unix() >= exp-int64(lead/time.Second)
}

// tokenClaims extracts iat/exp from a compact JWS without verifying its
// signature - safe here because it only informs local refresh scheduling;
// every actual use of the token is verified server-side.
func tokenClaims(token string) (iat, exp int64, err error) {
	parsed, err := jwt.ParseSigned(token, []josealg.SignatureAlgorithm{josealg.ES256})
	if err != nil {
		return 0, 0, fmt.Errorf("parse jwt: %w", err)
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return 0, 0, fmt.Errorf("read claims: %w", err)
	}
	if claims.Expiry == nil {
		return 0, 0, fmt.Errorf("jwt missing exp claim")
	}
	exp = int64(*claims.Expiry)
	if claims.IssuedAt != nil {
		iat = int64(*claims.IssuedAt)
	}
	return iat, exp, nil
}

// attestWithRetry wraps the attestation handshake with exponential
// backoff and jitter so a transient server outage doesn't strand the
// agent in an unattested state.
func (c *Core) attestWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return backoff.Retry(func() error {
		return c.attest(ctx)
	}, backoff.WithContext(b, ctx))
}

func (c *Core) attest(ctx context.Context) error {
	plugin, token, err := c.evidence.Evidence()
	if err != nil {
		return fmt.Errorf("read evidence: %w", err)
	}

	entryID, svid, err := c.client.Attest(ctx, plugin, token)
	if err != nil {
		return fmt.Errorf("attest: %w", err)
	}

	c.mu.Lock()
	c.nodeEntryID = entryID
	c.nodeSVID = svid
	c.mu.Unlock()
	c.client.SetToken(svid.Token)
	c.logger.Info("node attestation succeeded", "entry_id", entryID)
	return nil
}

// refreshSVID re-mints the agent's own JWT-SVID against its node entry.
func (c *Core) refreshSVID(ctx context.Context) error {
	c.mu.RLock()
	entryID := c.nodeEntryID
	c.mu.RUnlock()
	if entryID == "" {
		return fmt.Errorf("agentcore: no node entry id, cannot refresh svid")
	}

	svid, err := c.client.NewJWTSVID(ctx, entryID, c.audiences)
	if err != nil {
		return fmt.Errorf("refresh svid: %w", err)
	}

	c.mu.Lock()
	c.nodeSVID = svid
	c.mu.Unlock()
	c.client.SetToken(svid.Token)
	return nil
}

// refreshBundle fetches the current trust bundle, deduplicating
// concurrent callers via singleflight. Its callers are Start and the
// scheduled tick; the Workload API handlers read the cached bundle and
// never trigger a fetch.
func (c *Core) refreshBundle(ctx context.Context) error {
	_, err, _ := c.bundleGroup.Do("trust-bundle", func() (interface{}, error) {
		bundle, err := c.client.TrustBundle(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch trust bundle: %w", err)
		}
		c.mu.Lock()
		c.bundleKeys = bundle.JWTKeys
		c.bundleVersion = bundle.SequenceNumber
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// refreshEntries re-fetches the workload entries parented to this
// agent's node entry, the candidate set that FetchSVIDs matches locally
// attested workloads against.
func (c *Core) refreshEntries(ctx context.Context) error {
	c.mu.RLock()
	entryID := c.nodeEntryID
	c.mu.RUnlock()
	if entryID == "" {
		return fmt.Errorf("agentcore: no node entry id, cannot refresh entries")
	}

	entries, err := c.client.EntriesForParent(ctx, entryID)
	if err != nil {
		return fmt.Errorf("fetch entries: %w", err)
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// FetchSVIDs implements workloadapi.SVIDProvider: attest the calling
// process locally, match it against the cached parent-scoped entries,
// and mint a JWT-SVID for each match.
func (c *Core) FetchSVIDs(ctx context.Context, workload ports.ProcessIdentity) ([]*domain.JWTSVID, error) {
	selectorValues, err := c.attestor.Attest(ctx, workload)
	if err != nil {
		return nil, fmt.Errorf("agentcore: workload attestation: %w", err)
	}
	attested := domain.NewSelectorSetFromStrings(selectorValues)

	c.mu.RLock()
	entries := append([]*domain.RegistrationEntry(nil), c.entries...)
	nodeEntryID := c.nodeEntryID
	c.mu.RUnlock()

	var svids []*domain.JWTSVID
	for _, entry := range entries {
		if !entry.MatchesSelectors(attested, nodeEntryID) {
			continue
		}
		svid, err := c.client.NewJWTSVID(ctx, entry.ID, c.audiences)
		if err != nil {
			c.logger.Error("failed to mint svid for matched entry", "entry_id", entry.ID, "error", err)
			continue
		}
		svids = append(svids, svid)
	}
	return svids, nil
}

// BundleVersion implements workloadapi.SVIDProvider.
func (c *Core) BundleVersion(ctx context.Context) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bundleVersion
}
