// Package wbclient is the Wildberries seller-API HTTP adapter (§6). It owns
// per-token rate limiting and the 429/5xx backoff-and-retry policy; callers
// (internal/runners) own pagination state, persistence, and heartbeating.
//
// Grounded on integrations/loyverse/internal/connector/client.go's
// rate.Limiter-wrapped http.Client, generalized from one fixed 10 req/s
// limiter to one limiter per logical endpoint group (content, marketplace,
// statistics APIs each have their own documented budget), and on
// original_source/src/app/wb_api.py for the retry/backoff classification
// (429/409/5xx retry with exponential backoff + jitter, everything else
// fails fast).
package wbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	contentAPIBase      = "https://content-api.wildberries.ru"
	marketplaceAPIBase  = "https://marketplace-api.wildberries.ru"
	statisticsAPIBase   = "https://statistics-api.wildberries.ru"
)

// Client is a per-tenant Wildberries API client: one instance is built per
// run from the project's resolved credentials (§4.8), never shared or
// cached across tenants since the token is part of its identity.
type Client struct {
	httpClient *http.Client
	token      string

	// Separate limiters per documented API surface; WB enforces budgets
	// independently per gateway, not globally across all three.
	contentLimiter     *rate.Limiter
	marketplaceLimiter *rate.Limiter
	statisticsLimiter  *rate.Limiter
}

// New builds a client for one tenant's token. minPageInterval is the
// documented minimum gap between content-API pagination calls (~0.3s per
// §6); supplierStocksInterval is the hard 1-call-per-minute budget for FBO
// supplier stocks.
func New(token string, minPageInterval, supplierStocksInterval time.Duration) *Client {
	return &Client{
		httpClient:         &http.Client{Timeout: 60 * time.Second},
		token:              token,
		contentLimiter:     rate.NewLimiter(rate.Every(minPageInterval), 1),
		marketplaceLimiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 2),
		statisticsLimiter:  rate.NewLimiter(rate.Every(supplierStocksInterval), 1),
	}
}

// limiterFor picks the rate limiter for a logical API surface.
type surface int

const (
	surfaceContent surface = iota
	surfaceMarketplace
	surfaceStatistics
)

func (c *Client) limiterFor(s surface) *rate.Limiter {
	switch s {
	case surfaceContent:
		return c.contentLimiter
	case surfaceMarketplace:
		return c.marketplaceLimiter
	default:
		return c.statisticsLimiter
	}
}

// Sleeper lets callers inject heartbeat-aware sleeping (§4.4 point 4: long
// sleeps must be chunked into <=10s sub-sleeps that each touch heartbeat).
// internal/runners passes a function backed by orchestrator.Heartbeat.
type Sleeper func(ctx context.Context, d time.Duration) error

const maxRetries = 6

// do executes one request with the retry/backoff policy from
// original_source's wb_api.py: network errors and HTTP 429/409/5xx retry
// with exponential backoff and jitter; everything else (401, 403, 404, 4xx)
// fails fast and is surfaced to the caller untouched.
func (c *Client) do(ctx context.Context, s surface, req *http.Request, sleep Sleeper) ([]byte, int, error) {
	limiter := c.limiterFor(s)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("wbclient: rate limiter wait: %w", err)
		}

		reqClone := req.Clone(ctx)
		resp, err := c.httpClient.Do(reqClone)
		if err != nil {
			lastErr = fmt.Errorf("wbclient: executing request: %w", err)
			if !sleepBackoff(ctx, attempt, sleep) {
				return nil, 0, lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, fmt.Errorf("wbclient: reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusOK {
			return body, resp.StatusCode, nil
		}

		if isRetryable(resp.StatusCode) {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: body}
			if !sleepBackoff(ctx, attempt, sleep) {
				return nil, resp.StatusCode, lastErr
			}
			continue
		}

		// 401/403/404/other 4xx: fail fast, no retry.
		return nil, resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return nil, 0, fmt.Errorf("wbclient: exhausted %d retries: %w", maxRetries, lastErr)
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusConflict || (status >= 500 && status < 600)
}

// sleepBackoff computes §4.4's backoff (min(20*2^(retry-1), 120)s +-25%
// jitter, clamped [10,120]) and sleeps it via the caller's heartbeat-aware
// Sleeper. Returns false if context was cancelled mid-sleep.
func sleepBackoff(ctx context.Context, attempt int, sleep Sleeper) bool {
	d := BackoffDuration(attempt)
	if sleep == nil {
		select {
		case <-time.After(d):
			return true
		case <-ctx.Done():
			return false
		}
	}
	return sleep(ctx, d) == nil
}

// BackoffDuration is exported so internal/runners can reuse the exact same
// formula when deciding whether to mark a run rate_limited after exhausting
// the client's own retry budget.
func BackoffDuration(attempt int) time.Duration {
	base := 20.0 * float64(int64(1)<<uint(attempt-1))
	if base > 120 {
		base = 120
	}
	jitter := base * (0.75 + rand.Float64()*0.5) // +-25%
	if jitter < 10 {
		jitter = 10
	}
	if jitter > 120 {
		jitter = 120
	}
	return time.Duration(jitter * float64(time.Second))
}

// StatusError carries a non-2xx HTTP response through to the caller.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wb api error: status=%d body=%s", e.StatusCode, truncate(e.Body, 500))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("wbclient: building request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// --- Products (WB Content v2) ---------------------------------------------

// ProductsCursor is the cursor state threaded through cards/list pagination.
type ProductsCursor struct {
	UpdatedAt string `json:"updatedAt,omitempty"`
	NmID      int64  `json:"nmID,omitempty"`
	Limit     int    `json:"limit"`
}

type productsListRequest struct {
	Settings struct {
		Cursor ProductsCursor `json:"cursor"`
		Filter struct {
			WithPhoto int `json:"withPhoto"`
		} `json:"filter"`
	} `json:"settings"`
}

// ProductsPage is the raw decoded response shape; Cards is kept as
// json.RawMessage per item since the core only needs a handful of fields
// out of each card (§9's "dynamically typed payload" design note).
type ProductsPage struct {
	Cards  []json.RawMessage `json:"cards"`
	Cursor struct {
		UpdatedAt string `json:"updatedAt"`
		NmID      int64  `json:"nmID"`
		Total     int    `json:"total"`
	} `json:"cursor"`
}

// GetProductsPage fetches one page of the seller's product catalog.
func (c *Client) GetProductsPage(ctx context.Context, cursor ProductsCursor, sleep Sleeper) (*ProductsPage, error) {
	if cursor.Limit == 0 {
		cursor.Limit = 100
	}
	var reqBody productsListRequest
	reqBody.Settings.Cursor = cursor
	reqBody.Settings.Filter.WithPhoto = -1

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("wbclient: marshaling products request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, contentAPIBase+"/content/v2/get/cards/list", payload)
	if err != nil {
		return nil, err
	}

	body, _, err := c.do(ctx, surfaceContent, req, sleep)
	if err != nil {
		return nil, err
	}

	var page ProductsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("wbclient: parsing products page: %w", err)
	}
	return &page, nil
}

// --- Offices / seller warehouses --------------------------------------------

// GetOffices lists the seller's fulfillment offices.
func (c *Client) GetOffices(ctx context.Context, sleep Sleeper) ([]json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, marketplaceAPIBase+"/api/v3/offices", nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, surfaceMarketplace, req, sleep)
	if err != nil {
		return nil, err
	}
	var offices []json.RawMessage
	if err := json.Unmarshal(body, &offices); err != nil {
		return nil, fmt.Errorf("wbclient: parsing offices: %w", err)
	}
	return offices, nil
}

// GetSellerWarehouses lists the seller's own warehouses.
func (c *Client) GetSellerWarehouses(ctx context.Context, sleep Sleeper) ([]json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, marketplaceAPIBase+"/api/v3/warehouses", nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, surfaceMarketplace, req, sleep)
	if err != nil {
		return nil, err
	}
	var warehouses []json.RawMessage
	if err := json.Unmarshal(body, &warehouses); err != nil {
		return nil, fmt.Errorf("wbclient: parsing warehouses: %w", err)
	}
	return warehouses, nil
}

// GetWarehouseStocks lists current FBS stock for one seller warehouse.
func (c *Client) GetWarehouseStocks(ctx context.Context, warehouseID int64, sleep Sleeper) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/v3/stocks/%d", marketplaceAPIBase, warehouseID)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, surfaceMarketplace, req, sleep)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Stocks []json.RawMessage `json:"stocks"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Stocks != nil {
		return wrapper.Stocks, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("wbclient: parsing warehouse stocks: %w", err)
	}
	return rows, nil
}

// --- FBO supplier stocks -----------------------------------------------------

// GetSupplierStocksPage fetches one page of FBO stock movements since
// dateFrom. The endpoint is not truly paginated by WB; §4.4 models forward
// progress as re-querying with dateFrom advanced to the last observed
// last_change_date, which the caller (runners) is responsible for tracking.
func (c *Client) GetSupplierStocksPage(ctx context.Context, dateFrom time.Time, sleep Sleeper) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/v1/supplier/stocks?dateFrom=%s", statisticsAPIBase, dateFrom.UTC().Format(time.RFC3339))
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, surfaceStatistics, req, sleep)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("wbclient: parsing supplier stocks: %w", err)
	}
	return rows, nil
}

// --- Prices -------------------------------------------------------------

// GetPricesPage fetches one page of the seller's current admin prices.
func (c *Client) GetPricesPage(ctx context.Context, offset, limit int, sleep Sleeper) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/public/api/v1/info?quantity=0&offset=%d&limit=%d", "https://discounts-prices-api.wildberries.ru", offset, limit)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, surfaceMarketplace, req, sleep)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("wbclient: parsing prices page: %w", err)
	}
	return rows, nil
}

// --- Finance reports ------------------------------------------------------

// GetFinanceReportPage fetches one page of the detailed per-period finance
// report, keyed by rrdid (WB's own opaque pagination cursor for this
// endpoint).
func (c *Client) GetFinanceReportPage(ctx context.Context, dateFrom, dateTo time.Time, rrdid int64, sleep Sleeper) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/v5/supplier/reportDetailByPeriod?dateFrom=%s&dateTo=%s&rrdid=%d",
		statisticsAPIBase, dateFrom.Format("2006-01-02"), dateTo.Format("2006-01-02"), rrdid)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, surfaceStatistics, req, sleep)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("wbclient: parsing finance report page: %w", err)
	}
	return rows, nil
}
