// Package marketdata implements the clients for the upstream market-data
// aggregator: the HTTP symbol/price service and the websocket pub/sub that
// publishes per-symbol ticker channels.
//
// The REST client talks to the aggregator's GET endpoints:
//   - exchange/all?exchange=…            — all symbols for a venue
//   - exchange?symbol=…&exchange=…       — one symbol's parameters
//   - latestPrice?symbol=…&exchange=…    — most recent trade price
//   - candles, trades, prices            — passthrough market data
//
// Every response uses the {status, data, reason, timeProfile} envelope and
// numeric fields may arrive as strings. Failed requests are retried up to
// five attempts before the error surfaces.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"papervenue/pkg/types"
)

const (
	requestAttempts = 5
	priceCacheTTL   = 60 * time.Second
)

// BaseReturn is the aggregator's response envelope.
type BaseReturn struct {
	Status      string          `json:"status"` // "OK" | "NOTOK"
	Data        json.RawMessage `json:"data"`
	Reason      string          `json:"reason,omitempty"`
	TimeProfile *TimeProfile    `json:"timeProfile,omitempty"`
}

// TimeProfile carries upstream request timing. It is decoded with the
// envelope but not read; latest-price cache entries are dated by the local
// fetch time.
type TimeProfile struct {
	ExchangeRequestEndTime int64 `json:"exchangeRequestEndTime"`
}

// PriceEntry is one row of the latestPrice / prices responses.
type PriceEntry struct {
	Symbol string           `json:"symbol"`
	Price  types.LooseFloat `json:"price"`
}

type cachedPrices struct {
	prices    map[string]float64
	fetchedAt time.Time
}

// Client is the aggregator REST client. It wraps a resty HTTP client with
// retry and keeps a 60 s latest-price cache per exchange.
type Client struct {
	http   *resty.Client
	logger *slog.Logger

	priceMu    sync.Mutex
	priceCache map[types.Exchange]cachedPrices
}

// NewClient creates a REST client with retry.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(requestAttempts - 1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		logger:     logger.With("component", "marketdata"),
		priceCache: make(map[types.Exchange]cachedPrices),
	}
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	var envelope BaseReturn
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	// Decode the envelope from the raw body so a response without a JSON
	// Content-Type header is still parsed.
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("decode %s envelope: %w", path, err)
	}
	if envelope.Status != "OK" {
		return fmt.Errorf("get %s: %s", path, envelope.Reason)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

// SymbolInfo fetches one symbol's parameters from the aggregator.
func (c *Client) SymbolInfo(ctx context.Context, symbol string, exchange types.Exchange) (*types.Symbol, error) {
	var sym types.Symbol
	err := c.get(ctx, "exchange", map[string]string{
		"symbol":   symbol,
		"exchange": string(exchange),
	}, &sym)
	if err != nil {
		return nil, err
	}
	if sym.Pair == "" {
		return nil, types.ErrSymbolNotFound
	}
	return &sym, nil
}

// AllSymbols fetches every symbol listed on a venue.
func (c *Client) AllSymbols(ctx context.Context, exchange types.Exchange) ([]types.Symbol, error) {
	var syms []types.Symbol
	if err := c.get(ctx, "exchange/all", map[string]string{
		"exchange": string(exchange),
	}, &syms); err != nil {
		return nil, err
	}
	return syms, nil
}

// LatestPrice returns the most recent trade price for a symbol, serving from
// the per-exchange cache when it is younger than 60 s.
func (c *Client) LatestPrice(ctx context.Context, symbol string, exchange types.Exchange) (float64, error) {
	c.priceMu.Lock()
	cached, ok := c.priceCache[exchange]
	if ok && time.Since(cached.fetchedAt) < priceCacheTTL {
		if p, ok := cached.prices[symbol]; ok {
			c.priceMu.Unlock()
			return p, nil
		}
	}
	c.priceMu.Unlock()

	var entries []PriceEntry
	if err := c.get(ctx, "latestPrice", map[string]string{
		"symbol":   symbol,
		"exchange": string(exchange),
	}, &entries); err != nil {
		return 0, err
	}

	prices := make(map[string]float64, len(entries))
	for _, e := range entries {
		prices[e.Symbol] = float64(e.Price)
	}

	c.priceMu.Lock()
	c.priceCache[exchange] = cachedPrices{prices: prices, fetchedAt: time.Now()}
	c.priceMu.Unlock()

	p, ok := prices[symbol]
	if !ok {
		return 0, fmt.Errorf("latestPrice: no price for %s@%s", symbol, exchange)
	}
	return p, nil
}

// InvalidatePrice drops the cached price for one symbol on an exchange.
// Called by the intake path when a stale tick is observed.
func (c *Client) InvalidatePrice(symbol string, exchange types.Exchange) {
	c.priceMu.Lock()
	defer c.priceMu.Unlock()
	if cached, ok := c.priceCache[exchange]; ok {
		delete(cached.prices, symbol)
	}
}

// Candles proxies the candles endpoint, returning the raw data payload.
func (c *Client) Candles(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	return c.raw(ctx, "candles", params)
}

// Trades proxies the trades endpoint, returning the raw data payload.
func (c *Client) Trades(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	return c.raw(ctx, "trades", params)
}

// Prices proxies the prices endpoint, returning the raw data payload.
func (c *Client) Prices(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	return c.raw(ctx, "prices", params)
}

func (c *Client) raw(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	var data json.RawMessage
	if err := c.get(ctx, path, params, &data); err != nil {
		return nil, err
	}
	return data, nil
}
