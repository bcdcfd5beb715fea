// Package serverapi implements the agent-facing endpoints (spec §4.8):
// node attestation, POST /new-JWT-SVID, GET /trust-bundle, and
// GET /entries for the workload entries parented to an agent's node entry.
package serverapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/httpapi"
	"github.com/pocket/hexagon/identityplane/internal/server/nodeattestor"
	"github.com/pocket/hexagon/identityplane/internal/server/svidfactory"
	"github.com/pocket/hexagon/identityplane/internal/server/trustbundle"
)

// Minter issues JWT-SVIDs for a specific registration entry.
type Minter interface {
	Mint(ctx context.Context, spiffeID string, entry *domain.RegistrationEntry, audiences []string) (*domain.JWTSVID, error)
}

type wireSelector struct {
	Plugin string `json:"plugin"`
	Value  string `json:"value"`
}

type wireOtherIdentity struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// wireEntry is the agent-facing entry representation for GET /entries. It
// mirrors adminapi's wire shape (spec §6) but is kept local to this package
// since the agent only ever reads entries here, never writes them.
type wireEntry struct {
	ID             string              `json:"id,omitempty"`
	SpiffeIDPath   string              `json:"spiffe_id_path"`
	ParentID       string              `json:"parent_id,omitempty"`
	Kind           string              `json:"kind"`
	Selectors      []wireSelector      `json:"selectors"`
	TTL            int64               `json:"ttl,omitempty"`
	Admin          bool                `json:"admin,omitempty"`
	ExpiresAt      int64               `json:"expires_at,omitempty"`
	DNSNames       []string            `json:"dns_names,omitempty"`
	RevisionNumber int64               `json:"revision_number,omitempty"`
	StoreSVID      bool                `json:"store_svid,omitempty"`
	OtherIdents    []wireOtherIdentity `json:"other_identities,omitempty"`
}

func toWireEntry(e *domain.RegistrationEntry) wireEntry {
	sels := make([]wireSelector, 0, len(e.Selectors))
	for _, s := range e.Selectors {
		sels = append(sels, wireSelector{Plugin: s.Plugin(), Value: s.Value()})
	}
	others := make([]wireOtherIdentity, 0, len(e.OtherIdents))
	for _, o := range e.OtherIdents {
		others = append(others, wireOtherIdentity{Kind: o.Kind, Fields: o.Fields})
	}
	return wireEntry{
		ID:             e.ID,
		SpiffeIDPath:   e.SpiffeIDPath,
		ParentID:       e.ParentID,
		Kind:           e.Kind.String(),
		Selectors:      sels,
		TTL:            e.TTL,
		Admin:          e.Admin,
		ExpiresAt:      e.ExpiresAt,
		DNSNames:       e.DNSNames,
		RevisionNumber: e.RevisionNumber,
		StoreSVID:      e.StoreSVID,
		OtherIdents:    others,
	}
}

// Router builds the agent-facing HTTP surface.
type Router struct {
	catalog     ports.EntryCatalog
	bundles     ports.TrustBundleStore
	minter      Minter
	attestor    *nodeattestor.Server
	bundleBuild *trustbundle.Builder
	trustDomain string
	clock       ports.Clock
}

// New constructs a serverapi Router.
func New(catalog ports.EntryCatalog, bundles ports.TrustBundleStore, minter Minter, attestor *nodeattestor.Server, bundleBuild *trustbundle.Builder, trustDomain string, clock ports.Clock) *Router {
	return &Router{
		catalog:     catalog,
		bundles:     bundles,
		minter:      minter,
		attestor:    attestor,
		bundleBuild: bundleBuild,
		trustDomain: trustDomain,
		clock:       clock,
	}
}

// Mount registers the agent routes onto r. /new-JWT-SVID requires a valid
// bearer agent SVID except during the initial handshake, which instead
// happens at /node-attestation.
func (h *Router) Mount(r chi.Router) {
	r.Post("/node-attestation", h.attest)
	r.Post("/trust-bundle", h.trustBundleFetchCompat) // some callers POST a selector hint; tolerated, ignored
	r.Get("/trust-bundle", h.trustBundle)
	r.With(h.requireAgentSVID).Post("/new-JWT-SVID", h.newJWTSVID)
	r.With(h.requireAgentSVID).Get("/entries", h.listEntriesForParent)
}

// listEntriesForParent lets an agent fetch the workload entries parented to
// its own node entry, so it can match locally attested workloads without
// the server needing to push change notifications (spec §4.9: the agent
// polls and re-matches on each local attestation).
func (h *Router) listEntriesForParent(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parent_id")
	if parentID == "" {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	var matched []wireEntry
	pageToken := ""
	for {
		entries, next, err := h.catalog.ListAll(r.Context(), pageToken, 256)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		for _, e := range entries {
			if e.ParentID == parentID {
				matched = append(matched, toWireEntry(e))
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}

	httpapi.WriteJSON(w, http.StatusOK, struct {
		Entries []wireEntry `json:"entries"`
	}{Entries: matched})
}

func (h *Router) attest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Plugin string `json:"plugin"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEvidence)
		return
	}

	result, _, err := h.attestor.Attest(r.Context(), ports.NodeEvidence{Plugin: body.Plugin, Token: body.Token})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, struct {
		EntryID string          `json:"entry_id"`
		SVID    wireJWTSVID     `json:"jwt_svid"`
	}{
		EntryID: result.NodeEntry.ID,
		SVID:    toWireSVID(result.SVID),
	})
}

func (h *Router) trustBundleFetchCompat(w http.ResponseWriter, r *http.Request) {
	h.trustBundle(w, r)
}

func (h *Router) trustBundle(w http.ResponseWriter, r *http.Request) {
	includeJWT := queryBoolDefault(r, "jwt_keys", true)
	includeX509 := queryBoolDefault(r, "x509_cas", false)

	bundle, err := h.bundleBuild.Build(r.Context(), includeJWT, includeX509)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		Bundle wireTrustBundle `json:"bundle"`
	}{Bundle: toWireBundle(bundle)})
}

// queryBoolDefault parses a boolean query parameter, returning def when the
// parameter is absent or unparsable.
func queryBoolDefault(r *http.Request, key string, def bool) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (h *Router) newJWTSVID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        string   `json:"id"`
		Audiences []string `json:"audiences"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	entry, err := h.catalog.GetEntry(r.Context(), body.ID)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	spiffeID, err := domain.NewSpiffeID(h.trustDomain, entry.SpiffeIDPath)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	svid, err := h.minter.Mint(r.Context(), spiffeID.String(), entry, body.Audiences)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, struct {
		SVID wireJWTSVID `json:"jwt_svid"`
	}{SVID: toWireSVID(svid)})
}

// requireAgentSVID authenticates the caller's bearer token against the
// current trust bundle (spec §4.8: "Requests carrying an expired SVID fail
// 401 UNAUTHENTICATED").
func (h *Router) requireAgentSVID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpapi.WriteError(w, domain.ErrUnauthenticated)
			return
		}
		keys, _, err := h.bundles.GetJWKs(r.Context(), h.trustDomain)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		claims, err := svidfactory.Verify(token, keys, h.clock.Now().Unix())
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		id := ports.Identity{SPIFFEID: claims.Sub, TrustDomain: h.trustDomain, ExpiresAt: claims.Exp}
		next.ServeHTTP(w, r.WithContext(ports.WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

type wireSpiffeID struct {
	TrustDomain string `json:"trust_domain"`
	Path        string `json:"path"`
}

type wireJWTSVID struct {
	Token     string       `json:"token"`
	SpiffeID  wireSpiffeID `json:"spiffe_id"`
	IssuedAt  int64        `json:"issued_at"`
	ExpiresAt int64        `json:"expires_at"`
}

func toWireSVID(s *domain.JWTSVID) wireJWTSVID {
	td, path := splitSpiffeID(s.SpiffeID)
	return wireJWTSVID{
		Token:     s.Token,
		SpiffeID:  wireSpiffeID{TrustDomain: td, Path: path},
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

func splitSpiffeID(id string) (trustDomain, path string) {
	const prefix = "spiffe://"
	id = strings.TrimPrefix(id, prefix)
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[:i], id[i:]
	}
	return id, ""
}

type wireJWK struct {
	PublicKey string `json:"public_key"`
	KeyID     string `json:"key_id"`
	ExpiresAt int64  `json:"expires_at"`
}

type wireTrustBundle struct {
	TrustDomain    string    `json:"trust_domain"`
	JWTKeys        []wireJWK `json:"jwt_keys"`
	X509CAs        []string  `json:"x509_cas"`
	RefreshHint    int64     `json:"refresh_hint"`
	SequenceNumber string    `json:"sequence_number"`
}

func toWireBundle(b *domain.TrustBundle) wireTrustBundle {
	keys := make([]wireJWK, 0, len(b.JWTKeys))
	for _, k := range b.JWTKeys {
		keys = append(keys, wireJWK{PublicKey: k.X + "." + k.Y, KeyID: k.Kid, ExpiresAt: k.ExpiresAt})
	}
	return wireTrustBundle{
		TrustDomain:    b.TrustDomain,
		JWTKeys:        keys,
		X509CAs:        []string{},
		RefreshHint:    b.RefreshHint,
		SequenceNumber: strconv.FormatUint(b.SequenceNumber, 10),
	}
}
