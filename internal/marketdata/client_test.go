package marketdata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"papervenue/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSymbolInfo(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exchange" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %q", got)
		}
		w.Write([]byte(`{"status":"OK","data":{
			"pair":"BTCUSDT","exchange":"binance",
			"baseAsset":{"name":"BTC","minAmount":0.0001},
			"quoteAsset":{"name":"USDT","minAmount":10},
			"priceAssetPrecision":2}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	sym, err := c.SymbolInfo(context.Background(), "BTCUSDT", types.Binance)
	if err != nil {
		t.Fatalf("SymbolInfo: %v", err)
	}
	if sym.BaseAsset.Name != "BTC" || sym.QuoteAsset.MinAmount != 10 {
		t.Errorf("symbol = %+v", sym)
	}
}

func TestNotOKStatusSurfacesReason(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"NOTOK","reason":"symbol unknown"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if _, err := c.SymbolInfo(context.Background(), "NOPE", types.Binance); err == nil {
		t.Fatal("expected error for NOTOK envelope")
	}
}

func TestLatestPriceCachesPerExchange(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// String-typed price: lenient parsing required.
		w.Write([]byte(`{"status":"OK","data":[{"symbol":"BTCUSDT","price":"50000"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())

	p, err := c.LatestPrice(context.Background(), "BTCUSDT", types.Binance)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if p != 50000 {
		t.Errorf("price = %v, want 50000", p)
	}

	// Second read inside the 60 s window comes from the cache.
	if _, err := c.LatestPrice(context.Background(), "BTCUSDT", types.Binance); err != nil {
		t.Fatalf("cached LatestPrice: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}

	// Invalidation forces a refetch.
	c.InvalidatePrice("BTCUSDT", types.Binance)
	if _, err := c.LatestPrice(context.Background(), "BTCUSDT", types.Binance); err != nil {
		t.Fatalf("LatestPrice after invalidate: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"OK","data":{
			"pair":"BTCUSDT","exchange":"binance",
			"baseAsset":{"name":"BTC","minAmount":0.0001},
			"quoteAsset":{"name":"USDT","minAmount":10}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if _, err := c.SymbolInfo(context.Background(), "BTCUSDT", types.Binance); err != nil {
		t.Fatalf("SymbolInfo after retries: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("upstream calls = %d, want 3", n)
	}
}
