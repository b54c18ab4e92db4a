// Package polymarket fetches markets and prices from the Polymarket Gamma API.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/models"
)

const (
	defaultGammaAPIURL = "https://gamma-api.polymarket.com"
	marketsPath        = "/markets"
	userAgent          = "polyalert/1.0"
)

// Client provides access to the Polymarket Gamma API.
type Client struct {
	gammaAPIURL    string
	httpClient     *http.Client
	limiter        *rate.Limiter
	pageSize       int
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig holds pagination, pacing, retry and connection-pool settings.
type ClientConfig struct {
	PageSize            int
	RequestsPerSecond   float64 // 0 disables pacing
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewClient creates a new Gamma client.
func NewClient(gammaAPIURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if gammaAPIURL == "" {
		gammaAPIURL = defaultGammaAPIURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 5
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		gammaAPIURL: gammaAPIURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
		limiter:        rate.NewLimiter(limit, 1),
		pageSize:       cfg.PageSize,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// FetchMarkets pages through /markets and returns every market whose volume is
// at least minVolume. When a page fails, the markets gathered so far are
// returned together with the error.
func (c *Client) FetchMarkets(ctx context.Context, minVolume float64, activeOnly bool) ([]*models.Market, error) {
	logger.Info("Fetching all markets (min_volume: $%.0f)", minVolume)

	var markets []*models.Market
	err := c.eachPage(ctx, activeOnly, func(page []gammaMarket) {
		for _, gm := range page {
			m := toMarket(gm)
			if m != nil && m.Volume >= minVolume {
				markets = append(markets, m)
			}
		}
	})

	logger.Info("Found %d markets matching criteria", len(markets))
	return markets, err
}

// FetchPrices rescans active markets and returns current prices for each ref,
// keyed by market ID. Refs are matched by slug first, then by ID.
func (c *Client) FetchPrices(ctx context.Context, refs []models.MarketRef) (map[string][]float64, error) {
	bySlug := make(map[string][]float64)
	byID := make(map[string][]float64)

	err := c.eachPage(ctx, true, func(page []gammaMarket) {
		for _, gm := range page {
			prices := parsePrices(gm.OutcomePrices)
			if len(prices) == 0 {
				continue
			}
			if gm.Slug != "" {
				bySlug[gm.Slug] = prices
			}
			if gm.ID != "" {
				byID[string(gm.ID)] = prices
			}
		}
	})

	out := make(map[string][]float64, len(refs))
	for _, ref := range refs {
		if p, ok := bySlug[ref.Slug]; ok && ref.Slug != "" {
			out[ref.ID] = p
			continue
		}
		if p, ok := byID[ref.ID]; ok {
			out[ref.ID] = p
		}
	}
	return out, err
}

// CountMarkets returns how many markets pass the volume filter and their
// combined volume.
func (c *Client) CountMarkets(ctx context.Context, minVolume float64) (int, float64, error) {
	markets, err := c.FetchMarkets(ctx, minVolume, true)
	var total float64
	for _, m := range markets {
		total += m.Volume
	}
	return len(markets), total, err
}

// eachPage walks /markets with limit/offset pagination until an empty or short
// page, calling fn for every page. Page length counts skipped items too.
func (c *Client) eachPage(ctx context.Context, activeOnly bool, fn func([]gammaMarket)) error {
	offset := 0
	for {
		page, n, err := c.fetchPage(ctx, offset, activeOnly)
		if err != nil {
			return fmt.Errorf("failed to fetch markets at offset %d: %w", offset, err)
		}
		if n == 0 {
			return nil
		}
		fn(page)
		logger.Debug("Fetched %d markets (offset=%d)", n, offset)

		if n < c.pageSize {
			return nil
		}
		offset += c.pageSize
	}
}

// fetchPage returns the decodable markets of one page and the raw item count.
func (c *Client) fetchPage(ctx context.Context, offset int, activeOnly bool) ([]gammaMarket, int, error) {
	u, err := url.Parse(c.gammaAPIURL + marketsPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("active", strconv.FormatBool(activeOnly))
	q.Set("closed", "false")
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	// Response is array directly, not wrapped
	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("failed to decode markets: %w", err)
	}

	// Items are decoded one by one so a malformed market only drops itself.
	page := make([]gammaMarket, 0, len(raw))
	for i, item := range raw {
		var gm gammaMarket
		if err := json.Unmarshal(item, &gm); err != nil {
			logger.Warn("Skipping malformed market at offset %d: %v", offset+i, err)
			continue
		}
		page = append(page, gm)
	}
	return page, len(raw), nil
}

// doRequest performs a paced GET with linear-backoff retry on transport
// errors and 5xx responses.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		default:
			return resp, nil
		}

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
