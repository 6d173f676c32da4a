// Package storefront adapts the public storefront catalog (§6): a
// brand-templated, paginated JSON feed whose response shape varies by
// brand/campaign and is not worth modeling as a fixed struct.
//
// Grounded on original_source/src/app/ingest_frontend_prices.py's
// extract_products_from_response / extract_total_pages shape-sniffing
// (ported in semantics, not translated line by line), wrapped in the
// teacher's rate.Limiter + http.Client client shape
// (integrations/loyverse/internal/connector/client.go).
package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client fetches one brand's storefront feed page by page. One Client per
// run; the brand URL template is supplied per call since a single run walks
// multiple brands in sequence (§4.4's frontend_prices spec).
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(minInterval time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Sleeper mirrors wbclient.Sleeper: heartbeat-aware chunked sleeping for
// between-brand jitter and empty-page retry waits.
type Sleeper func(ctx context.Context, d time.Duration) error

// Page is one fetched and shape-sniffed storefront response.
type Page struct {
	Products   []json.RawMessage
	TotalPages *int // nil when the feed never advertised a total
	Raw        json.RawMessage
}

// FetchPage expands urlTemplate's "{page}" placeholder and fetches it.
func (c *Client) FetchPage(ctx context.Context, urlTemplate string, page int) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("storefront: rate limiter wait: %w", err)
	}

	url := strings.ReplaceAll(urlTemplate, "{page}", strconv.Itoa(page))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("storefront: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ingestd/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storefront: executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("storefront: status=%d for page %d", resp.StatusCode, page)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("storefront: decoding page %d: %w", page, err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("storefront: re-decoding page %d: %w", page, err)
	}

	return &Page{
		Products:   ExtractProducts(decoded),
		TotalPages: ExtractTotalPages(decoded, 100),
		Raw:        raw,
	}, nil
}

// asMap / asList are small json-shape helpers so the extraction functions
// below read like the priority list they implement, not a wall of type
// assertions.
func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asList(v interface{}) ([]interface{}, bool) {
	l, ok := v.([]interface{})
	return l, ok
}

func rawProducts(list []interface{}) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(list))
	for _, item := range list {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ExtractProducts sniffs the product array out of one of several known
// response shapes, tried in the priority order the original storefront
// ingester used:
//  1. data.products
//  2. data.data.products ([]interface{} or {products: [...]})
//  3. data.data.catalog.products
//  4. data.data.list
//  5. data.data.listGoods
//  6. data.catalog.products
//  7. data.listGoods
//  8. root-level list
func ExtractProducts(decoded interface{}) []json.RawMessage {
	root, ok := asMap(decoded)
	if !ok {
		if list, ok := asList(decoded); ok {
			return rawProducts(list)
		}
		return nil
	}

	if list, ok := asList(root["products"]); ok {
		return rawProducts(list)
	}

	if data, ok := asMap(root["data"]); ok {
		if list, ok := asList(data["products"]); ok {
			return rawProducts(list)
		}
		if nested, ok := asMap(data["products"]); ok {
			if list, ok := asList(nested["products"]); ok {
				return rawProducts(list)
			}
		}
		if catalog, ok := asMap(data["catalog"]); ok {
			if list, ok := asList(catalog["products"]); ok {
				return rawProducts(list)
			}
		}
		if list, ok := asList(data["list"]); ok {
			return rawProducts(list)
		}
		if list, ok := asList(data["listGoods"]); ok {
			return rawProducts(list)
		}
	}

	if catalog, ok := asMap(root["catalog"]); ok {
		if list, ok := asList(catalog["products"]); ok {
			return rawProducts(list)
		}
	}

	if list, ok := asList(root["listGoods"]); ok {
		return rawProducts(list)
	}

	return nil
}

func positiveNumber(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int(n), true
		}
	case int:
		if n > 0 {
			return n, true
		}
	}
	return 0, false
}

func ceilDiv(total, perPage int) int {
	if perPage <= 0 {
		perPage = 1
	}
	return (total + perPage - 1) / perPage
}

// ExtractTotalPages sniffs a total-pages hint, trying direct page counts
// first, falling back to a total-item count divided (ceiling) by
// productsPerPage, across the same set of nesting levels ExtractProducts
// checks. Returns nil when the feed gives no hint at all, which callers
// must treat as "paginate until two consecutive empty pages" (§4.4).
func ExtractTotalPages(decoded interface{}, productsPerPage int) *int {
	root, ok := asMap(decoded)
	if !ok {
		return nil
	}

	tryFields := func(m map[string]interface{}, pageFields, totalFields []string) (int, bool) {
		for _, f := range pageFields {
			if n, ok := positiveNumber(m[f]); ok {
				return n, true
			}
		}
		for _, f := range totalFields {
			if n, ok := positiveNumber(m[f]); ok {
				return ceilDiv(n, productsPerPage), true
			}
		}
		return 0, false
	}

	pageFields := []string{"totalPages", "pages", "pageCount"}
	totalFields := []string{"total", "totalCount"}

	if n, ok := tryFields(root, pageFields, totalFields); ok {
		return &n
	}

	if data, ok := asMap(root["data"]); ok {
		if n, ok := tryFields(data, pageFields, totalFields); ok {
			return &n
		}
		if pager, ok := asMap(data["pager"]); ok {
			if n, ok := positiveNumber(pager["pages"]); ok {
				return &n
			}
			if n, ok := positiveNumber(pager["total"]); ok {
				pages := ceilDiv(n, productsPerPage)
				return &pages
			}
		}
	}

	return nil
}
