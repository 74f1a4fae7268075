// slskd-style implementation of [Peer]. The daemon exposes a JSON API and
// drops requests under load, so every call is rate limited client-side and
// callers are expected to route through the peer circuit breaker.

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/soundleaf/soundleaf/internal/shared"
	"golang.org/x/time/rate"
)

// PeerClient implements [Peer] against the transfer daemon's HTTP API.
type PeerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewPeerClient creates a client for the daemon at cfg.BaseURL. A
// non-positive requests-per-second setting disables rate limiting.
func NewPeerClient(cfg shared.PeerConfig, client *http.Client) *PeerClient {
	if client == nil {
		client = http.DefaultClient
	}

	limit := rate.Inf
	if cfg.RequestsPerS > 0 {
		limit = rate.Limit(cfg.RequestsPerS)
	}

	return &PeerClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: client,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Search runs a file search across the peer network and returns the hits
// the daemon collected.
func (c *PeerClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	endpoint := c.baseURL + "/api/v0/searches?query=" + url.QueryEscape(query)

	var results []SearchResult
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w for %q", shared.ErrNoResults, query)
	}
	return results, nil
}

// Download starts a transfer from the given peer and returns the daemon's
// transfer id for later polling.
func (c *PeerClient) Download(ctx context.Context, username, filename string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v0/transfers/downloads/%s", c.baseURL, url.PathEscape(username))

	body, err := json.Marshal(map[string]string{"filename": filename})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: daemon returned no transfer id", shared.ErrAPIRequest)
	}
	return created.ID, nil
}

// Transfers lists every download the daemon currently tracks, in one
// batched call.
func (c *PeerClient) Transfers(ctx context.Context) ([]Transfer, error) {
	endpoint := c.baseURL + "/api/v0/transfers/downloads"

	var transfers []Transfer
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

// CancelDownload aborts a transfer on the daemon.
func (c *PeerClient) CancelDownload(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/api/v0/transfers/downloads/%s", c.baseURL, url.PathEscape(id))
	return c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil)
}

// doJSON performs a rate-limited request and decodes the JSON response
// into out when out is non-nil.
func (c *PeerClient) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", shared.ErrTransferNotFound, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: peer daemon status %d", shared.ErrAPIRequest, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
