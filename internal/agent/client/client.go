// Package client implements the agent's HTTP client for the three
// agent-facing server endpoints (spec §4.8) plus GET /entries, which
// lists the workload entries parented to the agent's node entry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/domain"
)

// Client calls the server's agent-facing API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string // current agent SVID, attached as a bearer token
}

// New constructs a Client pointed at the server's base URL
// (http(s)://host:port).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken updates the bearer token attached to subsequent requests, after
// a successful attestation or SVID refresh.
func (c *Client) SetToken(token string) {
	c.token = token
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

func (w wireJWTSVID) toDomain() *domain.JWTSVID {
	return &domain.JWTSVID{
		Token:     w.Token,
		SpiffeID:  "spiffe://" + w.SpiffeID.TrustDomain + w.SpiffeID.Path,
		IssuedAt:  w.IssuedAt,
		ExpiresAt: w.ExpiresAt,
	}
}

// Attest submits node-attestation evidence and returns the assigned node
// entry id and the agent's first JWT-SVID.
func (c *Client) Attest(ctx context.Context, plugin, token string) (entryID string, svid *domain.JWTSVID, err error) {
	body := struct {
		Plugin string `json:"plugin"`
		Token  string `json:"token"`
	}{Plugin: plugin, Token: token}

	var resp struct {
		EntryID string      `json:"entry_id"`
		SVID    wireJWTSVID `json:"jwt_svid"`
	}
	if err := c.post(ctx, "/node-attestation", body, &resp); err != nil {
		return "", nil, fmt.Errorf("client: attest: %w", err)
	}
	return resp.EntryID, resp.SVID.toDomain(), nil
}

// NewJWTSVID requests a JWT-SVID for entryID scoped to audiences.
func (c *Client) NewJWTSVID(ctx context.Context, entryID string, audiences []string) (*domain.JWTSVID, error) {
	body := struct {
		ID        string   `json:"id"`
		Audiences []string `json:"audiences"`
	}{ID: entryID, Audiences: audiences}

	var resp struct {
		SVID wireJWTSVID `json:"jwt_svid"`
	}
	if err := c.postAuthenticated(ctx, "/new-JWT-SVID", body, &resp); err != nil {
		return nil, fmt.Errorf("client: new jwt svid: %w", err)
	}
	return resp.SVID.toDomain(), nil
}

type wireJWK struct {
	PublicKey string `json:"public_key"`
	KeyID     string `json:"key_id"`
	ExpiresAt int64  `json:"expires_at"`
}

type wireTrustBundle struct {
	TrustDomain    string    `json:"trust_domain"`
	JWTKeys        []wireJWK `json:"jwt_keys"`
	RefreshHint    int64     `json:"refresh_hint"`
	SequenceNumber string    `json:"sequence_number"`
}

// TrustBundle fetches the current trust bundle.
func (c *Client) TrustBundle(ctx context.Context) (*domain.TrustBundle, error) {
	var resp struct {
		Bundle wireTrustBundle `json:"bundle"`
	}
	if err := c.get(ctx, "/trust-bundle", &resp); err != nil {
		return nil, fmt.Errorf("client: trust bundle: %w", err)
	}

	keys := make([]domain.JWK, 0, len(resp.Bundle.JWTKeys))
	for _, k := range resp.Bundle.JWTKeys {
		keys = append(keys, domain.JWK{Kid: k.KeyID, ExpiresAt: k.ExpiresAt})
	}
	seq, _ := strconv.ParseUint(resp.Bundle.SequenceNumber, 10, 64)
	return &domain.TrustBundle{
		TrustDomain:    resp.Bundle.TrustDomain,
		JWTKeys:        keys,
		RefreshHint:    resp.Bundle.RefreshHint,
		SequenceNumber: seq,
	}, nil
}

type wireSelector struct {
	Plugin string `json:"plugin"`
	Value  string `json:"value"`
}

type wireEntry struct {
	ID           string         `json:"id"`
	SpiffeIDPath string         `json:"spiffe_id_path"`
	ParentID     string         `json:"parent_id"`
	Kind         string         `json:"kind"`
	Selectors    []wireSelector `json:"selectors"`
	TTL          int64          `json:"ttl"`
	ExpiresAt    int64          `json:"expires_at"`
}

func (w wireEntry) toDomain() *domain.RegistrationEntry {
	kind := domain.SelectorKindWorkload
	if w.Kind == domain.SelectorKindNode.String() {
		kind = domain.SelectorKindNode
	}
	sels := make([]domain.Selector, 0, len(w.Selectors))
	for _, s := range w.Selectors {
		sels = append(sels, domain.MustParseSelector(s.Plugin, s.Value))
	}
	return &domain.RegistrationEntry{
		ID:           w.ID,
		SpiffeIDPath: w.SpiffeIDPath,
		ParentID:     w.ParentID,
		Kind:         kind,
		Selectors:    sels,
		TTL:          w.TTL,
		ExpiresAt:    w.ExpiresAt,
	}
}

// EntriesForParent fetches the workload entries parented to parentID (the
// agent's own node entry id).
func (c *Client) EntriesForParent(ctx context.Context, parentID string) ([]*domain.RegistrationEntry, error) {
	var resp struct {
		Entries []wireEntry `json:"entries"`
	}
	if err := c.getAuthenticated(ctx, "/entries?parent_id="+parentID, &resp); err != nil {
		return nil, fmt.Errorf("client: entries for parent: %w", err)
	}
	out := make([]*domain.RegistrationEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, e.toDomain())
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out, false)
}

func (c *Client) postAuthenticated(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out, true)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out, false)
}

func (c *Client) getAuthenticated(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, authenticated bool) error {
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
	if authenticated && c.token != "" {
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
