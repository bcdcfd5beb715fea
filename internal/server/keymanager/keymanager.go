// Package keymanager owns the signing-key lifecycle (spec §4.4): bootstrap,
// periodic rotation, and scheduled deletion of retired keys once no
// in-flight token could still reference them.
package keymanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pocket/hexagon/identityplane/internal/bg"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// Manager bootstraps a signing key on startup, rotates it on a schedule,
// and retires+deletes old keys once their grace period elapses. It is the
// only writer of domain.SigningKeyMeta state; KeyStore holds only private
// material and TrustBundleStore holds only published public JWKs.
type Manager struct {
	store       ports.KeyStore
	bundle      ports.TrustBundleStore
	clock       ports.Clock
	trustDomain string
	keyTTL      int64 // seconds; rotation period is keyTTL/2, retention grace is keyTTL
	runner      bg.Runner
	logger      *slog.Logger

	mu        sync.RWMutex
	keys      map[string]*domain.SigningKeyMeta
	activeKid string

	stop chan struct{}
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner overrides the background loop's execution strategy (tests use
// bg.Sync to make rotation deterministic).
func WithRunner(r bg.Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithLogger overrides the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New constructs a key Manager. keyTTL is the configured jwt.key_ttl in
// seconds (spec §6); rotation runs at keyTTL/2 and retired keys are kept
// for keyTTL after retirement before deletion.
func New(store ports.KeyStore, bundle ports.TrustBundleStore, clock ports.Clock, trustDomain string, keyTTL int64, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		bundle:      bundle,
		clock:       clock,
		trustDomain: trustDomain,
		keyTTL:      keyTTL,
		runner:      bg.Async{},
		logger:      slog.Default(),
		keys:        make(map[string]*domain.SigningKeyMeta),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start bootstraps an ACTIVE key if none exists, then begins the periodic
// rotation/cleanup loop. Start must be called once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	hasActive := m.activeKid != ""
	m.mu.RUnlock()

	if !hasActive {
		if err := m.rotateWithRetry(ctx); err != nil {
			return fmt.Errorf("keymanager: bootstrap: %w", err)
		}
	}

	m.runner.Do(func() {
		defer close(m.done)
		m.loop(ctx)
	})
	return nil
}

// Stop ends the background loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) loop(ctx context.Context) {
	period := time.Duration(m.keyTTL/2) * time.Second
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(period / 4)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.rotateWithRetry(ctx); err != nil {
				m.logger.Error("scheduled key rotation failed", "error", err)
			}
		case <-sweepTicker.C:
			m.sweepRetired(ctx)
		}
	}
}

// rotateWithRetry wraps rotate with exponential backoff (1s base, 60s cap)
// so a transient KeyStore outage doesn't abandon a rotation outright.
func (m *Manager) rotateWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return backoff.Retry(func() error {
		return m.rotate(ctx)
	}, backoff.WithContext(b, ctx))
}

// rotate creates a new ACTIVE key, publishes its public JWK, and retires
// the previous ACTIVE key (which stays verifiable until its grace period
// elapses - spec §4.4 "in-flight tokens must remain verifiable").
func (m *Manager) rotate(ctx context.Context) error {
	kid, createdAt, err := m.store.CreateKey(ctx)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	pub, err := m.store.PublicJWK(ctx, kid)
	if err != nil {
		return fmt.Errorf("read public jwk for %s: %w", kid, err)
	}

	now := m.clock.Now().Unix()
	jwk := domain.JWK{
		Kty:       pub.Kty,
		Kid:       kid,
		Crv:       pub.Crv,
		X:         pub.X,
		Y:         pub.Y,
		Use:       "jwt-svid",
		ExpiresAt: now + 2*m.keyTTL,
	}
	if _, err := m.bundle.AddJWK(ctx, m.trustDomain, jwk); err != nil {
		return fmt.Errorf("publish jwk %s: %w", kid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.keys[m.activeKid]; ok {
		prev.State = domain.KeyStateRetired
		prev.ExpiresAt = now + m.keyTTL
	}
	m.keys[kid] = &domain.SigningKeyMeta{
		Kid:       kid,
		CreatedAt: createdAt,
		State:     domain.KeyStateActive,
	}
	m.activeKid = kid
	m.logger.Info("rotated signing key", "kid", kid, "trust_domain", m.trustDomain)
	return nil
}

// sweepRetired deletes retired keys whose grace period has elapsed from
// both the private KeyStore and the published trust bundle.
func (m *Manager) sweepRetired(ctx context.Context) {
	now := m.clock.Now().Unix()

	m.mu.Lock()
	var expired []string
	for kid, meta := range m.keys {
		if meta.State == domain.KeyStateRetired && meta.IsExpired(now) {
			expired = append(expired, kid)
		}
	}
	for _, kid := range expired {
		delete(m.keys, kid)
	}
	m.mu.Unlock()

	for _, kid := range expired {
		if err := m.store.DeleteKey(ctx, kid); err != nil {
			m.logger.Error("failed to delete retired key", "kid", kid, "error", err)
			continue
		}
		if _, err := m.bundle.RemoveJWK(ctx, m.trustDomain, kid); err != nil {
			m.logger.Error("failed to retract retired jwk", "kid", kid, "error", err)
			continue
		}
		m.logger.Info("deleted retired signing key", "kid", kid)
	}
}

// ActiveKid returns the current active signing key id.
func (m *Manager) ActiveKid() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeKid == "" {
		return "", domain.ErrNoActiveKey
	}
	return m.activeKid, nil
}

// Sign signs payload with the current active key, returning its kid
// alongside the signature.
func (m *Manager) Sign(ctx context.Context, payload []byte) (kid string, signature []byte, err error) {
	kid, err = m.ActiveKid()
	if err != nil {
		return "", nil, err
	}
	sig, err := m.SignWithKid(ctx, kid, payload)
	if err != nil {
		return "", nil, err
	}
	return kid, sig, nil
}

// SignWithKid signs payload with the named key specifically, so callers
// that must embed a kid in a protected header before signing (JWS) can
// pin the same key across both steps instead of risking a rotation
// landing between "learn the active kid" and "sign".
func (m *Manager) SignWithKid(ctx context.Context, kid string, payload []byte) ([]byte, error) {
	sig, err := m.store.Sign(ctx, kid, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnavailable, err)
	}
	return sig, nil
}

// TriggerRotation forces an out-of-schedule rotation, used when a caller
// observes KEY_UNAVAILABLE and wants the manager to recover immediately
// rather than wait for the next tick.
func (m *Manager) TriggerRotation(ctx context.Context) error {
	return m.rotateWithRetry(ctx)
}
