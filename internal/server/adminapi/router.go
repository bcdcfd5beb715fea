// Package adminapi implements the registration entry management surface
// (spec §4.2, wire protocol in §6): GET/POST/PUT/DELETE /entries,
// POST /select-listEntries, and POST /configuration.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/httpapi"
)

// MaxSelectListIDs bounds /select-listEntries (spec Open Question decision
// in SPEC_FULL.md: the source leaves this unbounded, this implementation
// caps it and returns INVALID_ARGUMENT on overflow).
const MaxSelectListIDs = 256

// Router builds the admin-facing HTTP surface over a Catalog.
type Router struct {
	catalog ports.EntryCatalog
	config  *ports.Config
}

// New constructs an adminapi Router.
func New(catalog ports.EntryCatalog, config *ports.Config) *Router {
	return &Router{catalog: catalog, config: config}
}

// Mount registers the admin routes onto r.
func (h *Router) Mount(r chi.Router) {
	r.Get("/entries", h.listEntries)
	r.Post("/entries", h.createEntries)
	r.Put("/entries", h.updateEntries)
	r.Delete("/entries", h.deleteEntries)
	r.Post("/select-listEntries", h.selectListEntries)
	r.Post("/configuration", h.upsertConfiguration)
}

type wireSelector struct {
	Plugin string `json:"plugin"`
	Value  string `json:"value"`
}

type wireOtherIdentity struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields"`
}

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

func fromWireEntry(w wireEntry) (*domain.RegistrationEntry, error) {
	kind := domain.SelectorKindWorkload
	if w.Kind == domain.SelectorKindNode.String() {
		kind = domain.SelectorKindNode
	}
	sels := make([]domain.Selector, 0, len(w.Selectors))
	for _, s := range w.Selectors {
		sel, err := domain.NewSelector(s.Plugin, s.Value)
		if err != nil {
			return nil, err
		}
		sels = append(sels, sel)
	}
	others := make([]domain.OtherIdentity, 0, len(w.OtherIdents))
	for _, o := range w.OtherIdents {
		others = append(others, domain.OtherIdentity{Kind: o.Kind, Fields: o.Fields})
	}
	entry, err := domain.NewRegistrationEntry(w.SpiffeIDPath, w.ParentID, kind, sels, w.TTL, w.Admin, w.ExpiresAt, w.DNSNames, w.StoreSVID, others)
	if err != nil {
		return nil, err
	}
	if w.ID != "" {
		entry.ID = w.ID
	}
	entry.RevisionNumber = w.RevisionNumber
	return entry, nil
}

type entryResultWire struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func toResultsWire(results []ports.EntryResult) []entryResultWire {
	out := make([]entryResultWire, 0, len(results))
	for _, r := range results {
		w := entryResultWire{ID: r.ID, Status: r.Status}
		if r.Err != nil {
			w.Error = r.Err.Error()
		}
		out = append(out, w)
	}
	return out
}

func (h *Router) listEntries(w http.ResponseWriter, r *http.Request) {
	pageToken := r.URL.Query().Get("page_token")
	pageSize := 100
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if n, err := parsePositiveInt(ps); err == nil {
			pageSize = n
		}
	}

	entries, next, err := h.catalog.ListAll(r.Context(), pageToken, pageSize)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	wireEntries := make([]wireEntry, 0, len(entries))
	for _, e := range entries {
		wireEntries = append(wireEntries, toWireEntry(e))
	}
	resp := struct {
		Entries   []wireEntry `json:"entries"`
		PageToken string      `json:"page_token,omitempty"`
	}{Entries: wireEntries, PageToken: next}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (h *Router) createEntries(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Entries []wireEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	entries := make([]*domain.RegistrationEntry, 0, len(body.Entries))
	for _, we := range body.Entries {
		e, err := fromWireEntry(we)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		entries = append(entries, e)
	}

	results, err := h.catalog.BatchCreate(r.Context(), entries)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, struct {
		Results []entryResultWire `json:"results"`
	}{Results: toResultsWire(results)})
}

func (h *Router) updateEntries(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Entries []wireEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	entries := make([]*domain.RegistrationEntry, 0, len(body.Entries))
	for _, we := range body.Entries {
		e, err := fromWireEntry(we)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		entries = append(entries, e)
	}

	results, err := h.catalog.BatchUpdate(r.Context(), entries)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		Results []entryResultWire `json:"results"`
	}{Results: toResultsWire(results)})
}

func (h *Router) deleteEntries(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	results, err := h.catalog.BatchDelete(r.Context(), body.IDs)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		Results []entryResultWire `json:"results"`
	}{Results: toResultsWire(results)})
}

func (h *Router) selectListEntries(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}
	if len(body.IDs) > MaxSelectListIDs {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	results, err := h.catalog.BatchGet(r.Context(), body.IDs)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	entries := make([]wireEntry, 0, len(results))
	for _, res := range results {
		if res.Entry != nil {
			entries = append(entries, toWireEntry(res.Entry))
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		Entries []wireEntry `json:"entries"`
	}{Entries: entries})
}

// upsertConfiguration applies a partial configuration update (spec §6
// POST /configuration body {trust_domain, node_attestor_plugin,
// workload_attestor_plugin}) and returns the resulting configuration.
// Empty fields in the body leave the corresponding setting unchanged.
func (h *Router) upsertConfiguration(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TrustDomain            string `json:"trust_domain"`
		NodeAttestorPlugin     string `json:"node_attestor_plugin"`
		WorkloadAttestorPlugin string `json:"workload_attestor_plugin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, domain.ErrInvalidEntry)
		return
	}

	if body.TrustDomain != "" {
		h.config.TrustDomain = body.TrustDomain
	}
	if body.NodeAttestorPlugin != "" {
		h.config.NodeAttestation.Type = body.NodeAttestorPlugin
	}
	if body.WorkloadAttestorPlugin != "" {
		h.config.WorkloadAttestorPlugin = body.WorkloadAttestorPlugin
	}
	httpapi.WriteJSON(w, http.StatusCreated, h.config)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, domain.ErrInvalidEntry
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, domain.ErrInvalidEntry
	}
	return n, nil
}
