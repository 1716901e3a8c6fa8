package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TimeoutFetch bounds one upstream reputation call.
const TimeoutFetch = 10 * time.Second

// HTTPSource fetches scores and prices from an HTTP reputation provider
// exposing GET {base}/v1/score/{assetID} with a JSON body matching Score
// and GET {base}/v1/price/{assetID} with the current quote.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the given provider endpoint.
// baseURL is scheme+host without a trailing slash.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: TimeoutFetch},
	}
}

// Fetch retrieves a fresh score for the asset.
func (h *HTTPSource) Fetch(ctx context.Context, assetID string) (*Score, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutFetch)
	defer cancel()

	url := fmt.Sprintf("%s/v1/score/%s", h.baseURL, assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building risk request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("risk fetch %s: %w", assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("risk fetch %s: unexpected status %d", assetID, resp.StatusCode)
	}

	var score Score
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return nil, fmt.Errorf("decoding risk response for %s: %w", assetID, err)
	}
	score.AssetID = assetID
	return &score, nil
}

// PriceUSD fetches the asset's current USD price. Never cached: anything
// valued against a price must see the market as it is now, so a failure
// surfaces as ErrUpstreamUnavailable instead of a stale quote.
func (h *HTTPSource) PriceUSD(ctx context.Context, assetID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutFetch)
	defer cancel()

	url := fmt.Sprintf("%s/v1/price/%s", h.baseURL, assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building price request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: price %s: %s", ErrUpstreamUnavailable, assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: price %s: unexpected status %d", ErrUpstreamUnavailable, assetID, resp.StatusCode)
	}

	var quote struct {
		AssetID string  `json:"asset_id"`
		USD     float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return 0, fmt.Errorf("decoding price response for %s: %w", assetID, err)
	}
	if quote.USD < 0 {
		return 0, fmt.Errorf("price %s: negative quote %f", assetID, quote.USD)
	}
	return quote.USD, nil
}
