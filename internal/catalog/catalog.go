// Package catalog looks up read-only pool and token metadata from an
// external HTTP catalog service. Results decorate subscribe acks on the
// relay; a failed lookup degrades to an empty annotation and never blocks
// relay traffic.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"solana-pool-relay/internal/cache"
	"solana-pool-relay/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Client queries the catalog service with short-lived caching.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *cache.Store
	logger  *log.Logger
}

// Options configures a Client. BaseURL and Cache are required.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Cache      *cache.Store
	Logger     *log.Logger
}

// New creates a catalog Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL: opts.BaseURL,
		http:    httpClient,
		cache:   opts.Cache,
		logger:  logger,
	}
}

type poolResponse struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	BaseMint  string `json:"baseMint"`
	QuoteMint string `json:"quoteMint"`
}

type tokenResponse struct {
	Mint     string `json:"mint"`
	Verified bool   `json:"verified"`
}

// PoolInfo returns catalog metadata for a pool. The pool counts as verified
// only when both of its mints are on the verified-token list; a token
// lookup failure downgrades to unverified rather than failing the call.
func (c *Client) PoolInfo(ctx context.Context, poolID string) (domain.PoolInfo, error) {
	return cache.GetOrComputeAs(c.cache, "stats_pool_"+poolID, func() (domain.PoolInfo, error) {
		var resp poolResponse
		if err := c.getJSON(ctx, "/pools/"+poolID, &resp); err != nil {
			return domain.PoolInfo{}, err
		}

		info := domain.PoolInfo{
			Address:   resp.Address,
			Name:      resp.Name,
			BaseMint:  resp.BaseMint,
			QuoteMint: resp.QuoteMint,
		}
		info.Verified = c.mintVerified(ctx, resp.BaseMint) && c.mintVerified(ctx, resp.QuoteMint)
		return info, nil
	})
}

// TokenVerified reports whether a mint is on the verified-token list.
func (c *Client) TokenVerified(ctx context.Context, mint string) (bool, error) {
	return cache.GetOrComputeAs(c.cache, "stats_token_"+mint, func() (bool, error) {
		var resp tokenResponse
		if err := c.getJSON(ctx, "/tokens/"+mint, &resp); err != nil {
			return false, err
		}
		return resp.Verified, nil
	})
}

func (c *Client) mintVerified(ctx context.Context, mint string) bool {
	if mint == "" {
		return false
	}
	verified, err := c.TokenVerified(ctx, mint)
	if err != nil {
		c.logger.Printf("[catalog] token lookup failed for %s: %v", mint, err)
		return false
	}
	return verified
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog request %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode catalog response %s: %w", path, err)
	}
	return nil
}
