package identitymanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/domain"
)

// AdminClient calls the server's AdminApi (spec §4.2): it is the only
// surface a reconciler is allowed to touch, keeping the control plane's
// internal catalog representation out of reach of external collaborators.
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
	token      string // admin bearer token, if the deployment requires one
}

// NewAdminClient constructs an AdminClient pointed at the server's admin
// base URL (http(s)://host:port).
func NewAdminClient(baseURL string, opts ...AdminClientOption) *AdminClient {
	c := &AdminClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AdminClientOption configures an AdminClient.
type AdminClientOption func(*AdminClient)

// WithAdminToken attaches a bearer token to every request.
func WithAdminToken(token string) AdminClientOption {
	return func(c *AdminClient) { c.token = token }
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

// EntryResult is the per-id outcome of a batch AdminApi call.
type EntryResult struct {
	ID     string
	Status string
	Err    error
}

func fromResultsWire(in []entryResultWire) []EntryResult {
	out := make([]EntryResult, 0, len(in))
	for _, w := range in {
		r := EntryResult{ID: w.ID, Status: w.Status}
		if w.Error != "" {
			r.Err = fmt.Errorf("%s", w.Error)
		}
		out = append(out, r)
	}
	return out
}

// ListAllEntries pages through every entry currently registered, following
// page_token until the server stops returning one.
func (c *AdminClient) ListAllEntries(ctx context.Context) ([]*domain.RegistrationEntry, error) {
	var all []*domain.RegistrationEntry
	pageToken := ""
	for {
		path := "/entries?page_size=100"
		if pageToken != "" {
			path += "&page_token=" + pageToken
		}
		var resp struct {
			Entries   []wireEntry `json:"entries"`
			PageToken string      `json:"page_token"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, fmt.Errorf("identitymanager: list entries: %w", err)
		}
		for _, we := range resp.Entries {
			e, err := fromWireEntry(we)
			if err != nil {
				return nil, fmt.Errorf("identitymanager: decode entry: %w", err)
			}
			all = append(all, e)
		}
		if resp.PageToken == "" {
			break
		}
		pageToken = resp.PageToken
	}
	return all, nil
}

// CreateEntries submits BatchCreate for entries.
func (c *AdminClient) CreateEntries(ctx context.Context, entries []*domain.RegistrationEntry) ([]EntryResult, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	return c.batch(ctx, http.MethodPost, entries)
}

// UpdateEntries submits BatchUpdate for entries.
func (c *AdminClient) UpdateEntries(ctx context.Context, entries []*domain.RegistrationEntry) ([]EntryResult, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	return c.batch(ctx, http.MethodPut, entries)
}

func (c *AdminClient) batch(ctx context.Context, method string, entries []*domain.RegistrationEntry) ([]EntryResult, error) {
	wireEntries := make([]wireEntry, 0, len(entries))
	for _, e := range entries {
		wireEntries = append(wireEntries, toWireEntry(e))
	}
	body := struct {
		Entries []wireEntry `json:"entries"`
	}{Entries: wireEntries}

	var resp struct {
		Results []entryResultWire `json:"results"`
	}
	if err := c.do(ctx, method, "/entries", body, &resp); err != nil {
		return nil, fmt.Errorf("identitymanager: batch %s: %w", method, err)
	}
	return fromResultsWire(resp.Results), nil
}

// DeleteEntries submits BatchDelete for the given ids.
func (c *AdminClient) DeleteEntries(ctx context.Context, ids []string) ([]EntryResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	var resp struct {
		Results []entryResultWire `json:"results"`
	}
	if err := c.do(ctx, http.MethodDelete, "/entries", body, &resp); err != nil {
		return nil, fmt.Errorf("identitymanager: batch delete: %w", err)
	}
	return fromResultsWire(resp.Results), nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = *bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, errBody.Code, errBody.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
