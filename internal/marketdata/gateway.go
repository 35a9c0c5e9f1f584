// Package marketdata is a typed facade over the paid market-data
// gateway. Each endpoint carries an estimated cost that the escalation
// machine reserves before asking; actual spend is whatever the 402
// invoice charges. Cached responses never touch the budget.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// Endpoint identifies one paid data product.
type Endpoint string

const (
	SpotPrice      Endpoint = "spot_price"
	OHLCV          Endpoint = "ohlcv"
	VWAP           Endpoint = "vwap"
	Trades         Endpoint = "trades"
	OrderBook      Endpoint = "order_book"
	LiquidityDepth Endpoint = "liquidity_depth"
)

// endpointInfo maps each endpoint to its estimated cost and cache TTL.
// Trades are never cached.
var endpointInfo = map[Endpoint]struct {
	cost usdc.Micro
	ttl  time.Duration
}{
	SpotPrice:      {10_000, 60 * time.Second},
	OHLCV:          {20_000, 300 * time.Second},
	VWAP:           {20_000, 60 * time.Second},
	Trades:         {50_000, 0},
	OrderBook:      {100_000, 60 * time.Second},
	LiquidityDepth: {250_000, 300 * time.Second},
}

// Cost returns the estimated price of one request in micro-USDC.
func (e Endpoint) Cost() (usdc.Micro, bool) {
	info, ok := endpointInfo[e]
	return info.cost, ok
}

// Valid reports whether the endpoint is known.
func (e Endpoint) Valid() bool {
	_, ok := endpointInfo[e]
	return ok
}

// Params is the request tuple for an endpoint.
type Params map[string]string

// Result is one gateway response, cached or freshly paid for.
type Result struct {
	Endpoint Endpoint
	Body     []byte
	Cached   bool
	Payment  *payment.Record
}

// Fetcher is the paid-request side of the gateway (the 402 pipeline).
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, runID string, res *budget.Reservation) (*http.Response, *payment.Record, error)
}

// Gateway resolves endpoint requests through the cache, then the
// payment pipeline.
type Gateway struct {
	baseURL  string
	pipeline Fetcher
	cache    *cache
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the gateway.
type Option func(*Gateway)

// WithCacheCapacity bounds the LRU entry count.
func WithCacheCapacity(n int) Option {
	return func(g *Gateway) { g.cache = newCache(n) }
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway rooted at baseURL.
func New(baseURL string, pipeline Fetcher, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pipeline: pipeline,
		cache:    newCache(256),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch returns the endpoint's payload. A cache hit bypasses the
// pipeline entirely; any reservation passed in is left untouched for
// the caller to release. On a miss the pipeline runs and may pay.
func (g *Gateway) Fetch(ctx context.Context, runID string, endpoint Endpoint, params Params, res *budget.Reservation) (*Result, error) {
	info, ok := endpointInfo[endpoint]
	if !ok {
		return nil, fmt.Errorf("marketdata: unknown endpoint %q", endpoint)
	}

	key := cacheKey(endpoint, params)
	if body, hit := g.cache.Get(key, g.now()); hit {
		metrics.MarketDataCache.WithLabelValues(string(endpoint), "hit").Inc()
		return &Result{Endpoint: endpoint, Body: body, Cached: true}, nil
	}
	metrics.MarketDataCache.WithLabelValues(string(endpoint), "miss").Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.requestURL(endpoint, params), nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata: build request: %w", err)
	}

	resp, rec, err := g.pipeline.Fetch(ctx, req, runID, res)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &payment.Error{Kind: payment.KindUpstreamError,
			Err: fmt.Errorf("marketdata: %s returned %d", endpoint, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("marketdata: read response: %w", err)
	}

	g.cache.Put(key, body, info.ttl, g.now())
	return &Result{Endpoint: endpoint, Body: body, Payment: rec}, nil
}

func (g *Gateway) requestURL(endpoint Endpoint, params Params) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := g.baseURL + "/" + string(endpoint)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// cacheKey canonicalizes the request tuple: endpoint plus sorted params.
func cacheKey(endpoint Endpoint, params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(endpoint))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookData is the parsed order_book / liquidity_depth payload.
type OrderBookData struct {
	Mid  float64      `json:"mid"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// ParseOrderBook decodes an order book payload.
func ParseOrderBook(body []byte) (*OrderBookData, error) {
	var book OrderBookData
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, fmt.Errorf("marketdata: parse order book: %w", err)
	}
	return &book, nil
}

// SpotPriceData is the parsed spot_price payload.
type SpotPriceData struct {
	Pair  string  `json:"pair"`
	Price float64 `json:"price"`
}

// ParseSpotPrice decodes a spot price payload.
func ParseSpotPrice(body []byte) (*SpotPriceData, error) {
	var spot SpotPriceData
	if err := json.Unmarshal(body, &spot); err != nil {
		return nil, fmt.Errorf("marketdata: parse spot price: %w", err)
	}
	return &spot, nil
}
