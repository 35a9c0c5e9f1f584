package marketdata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// passthroughFetcher performs the request without any 402 handling and
// counts how many times the pipeline was exercised.
type passthroughFetcher struct {
	calls int
	rec   *payment.Record
}

func (f *passthroughFetcher) Fetch(ctx context.Context, req *http.Request, runID string, res *budget.Reservation) (*http.Response, *payment.Record, error) {
	f.calls++
	resp, err := http.DefaultClient.Do(req)
	return resp, f.rec, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingFetcher struct{}

func (f *failingFetcher) Fetch(ctx context.Context, req *http.Request, runID string, res *budget.Reservation) (*http.Response, *payment.Record, error) {
	return nil, nil, &payment.Error{Kind: payment.KindBudgetBlocked}
}

func TestEndpointCosts(t *testing.T) {
	for endpoint, want := range map[Endpoint]usdc.Micro{
		SpotPrice:      10_000,
		OHLCV:          20_000,
		VWAP:           20_000,
		Trades:         50_000,
		OrderBook:      100_000,
		LiquidityDepth: 250_000,
	} {
		cost, ok := endpoint.Cost()
		require.True(t, ok, endpoint)
		require.Equal(t, want, cost, endpoint)
	}

	_, ok := Endpoint("funding_rates").Cost()
	require.False(t, ok)
}

func TestFetchCachesByCanonicalKey(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"pair":"ETH-USD","price":3021.55}`))
	}))
	defer srv.Close()

	fetcher := &passthroughFetcher{}
	g := New(srv.URL, fetcher, discardLogger())

	// Param order must not matter for the cache key.
	res1, err := g.Fetch(context.Background(), "run_1", SpotPrice, Params{"pair": "ETH-USD", "exchange": "cbse"}, nil)
	require.NoError(t, err)
	require.False(t, res1.Cached)

	res2, err := g.Fetch(context.Background(), "run_1", SpotPrice, Params{"exchange": "cbse", "pair": "ETH-USD"}, nil)
	require.NoError(t, err)
	require.True(t, res2.Cached)
	require.Equal(t, res1.Body, res2.Body)

	require.Equal(t, 1, hits)
	require.Equal(t, 1, fetcher.calls)

	// A different tuple misses.
	_, err = g.Fetch(context.Background(), "run_1", SpotPrice, Params{"pair": "BTC-USD"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.calls)
}

func TestFetchTradesNeverCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	fetcher := &passthroughFetcher{}
	g := New(srv.URL, fetcher, discardLogger())

	for i := 0; i < 3; i++ {
		res, err := g.Fetch(context.Background(), "run_1", Trades, Params{"pair": "ETH-USD"}, nil)
		require.NoError(t, err)
		require.False(t, res.Cached)
	}
	require.Equal(t, 3, fetcher.calls)
}

func TestFetchCacheExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":1}`))
	}))
	defer srv.Close()

	now := time.Now()
	fetcher := &passthroughFetcher{}
	g := New(srv.URL, fetcher, discardLogger(), WithClock(func() time.Time { return now }))

	_, err := g.Fetch(context.Background(), "run_1", SpotPrice, Params{"pair": "ETH-USD"}, nil)
	require.NoError(t, err)

	// Within TTL: cached.
	now = now.Add(30 * time.Second)
	res, err := g.Fetch(context.Background(), "run_1", SpotPrice, Params{"pair": "ETH-USD"}, nil)
	require.NoError(t, err)
	require.True(t, res.Cached)

	// Past the 60s spot TTL: refetched.
	now = now.Add(31 * time.Second)
	res, err = g.Fetch(context.Background(), "run_1", SpotPrice, Params{"pair": "ETH-USD"}, nil)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, 2, fetcher.calls)
}

func TestFetchPipelineErrorPropagates(t *testing.T) {
	g := New("http://gateway.invalid", &failingFetcher{}, discardLogger())

	_, err := g.Fetch(context.Background(), "run_1", LiquidityDepth, Params{"pair": "ETH-USD"}, nil)
	var perr *payment.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, payment.KindBudgetBlocked, perr.Kind)
}

func TestFetchUnknownEndpoint(t *testing.T) {
	g := New("http://gateway.invalid", &passthroughFetcher{}, discardLogger())

	_, err := g.Fetch(context.Background(), "run_1", Endpoint("candles"), nil, nil)
	require.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	c := newCache(2)
	now := time.Now()

	c.Put("a", []byte("1"), time.Minute, now)
	c.Put("b", []byte("2"), time.Minute, now)

	// Touch "a" so "b" is the eviction candidate.
	_, ok := c.Get("a", now)
	require.True(t, ok)

	c.Put("c", []byte("3"), time.Minute, now)
	require.Equal(t, 2, c.Len())

	_, ok = c.Get("b", now)
	require.False(t, ok)
	_, ok = c.Get("a", now)
	require.True(t, ok)
}

func TestParseOrderBook(t *testing.T) {
	book, err := ParseOrderBook([]byte(`{
		"mid": 3000,
		"bids": [{"price": 2999, "quantity": 2}],
		"asks": [{"price": 3001, "quantity": 1.5}]
	}`))
	require.NoError(t, err)
	require.Equal(t, 3000.0, book.Mid)
	require.Len(t, book.Bids, 1)
	require.Equal(t, 1.5, book.Asks[0].Quantity)

	_, err = ParseOrderBook([]byte(`not json`))
	require.Error(t, err)
}
