package marketdata

import (
	"context"
	"sync"
	"time"

	"papervenue/pkg/types"
)

// SymbolSource fetches symbol parameters; satisfied by *Client and by test
// fakes.
type SymbolSource interface {
	SymbolInfo(ctx context.Context, symbol string, exchange types.Exchange) (*types.Symbol, error)
}

type symbolEntry struct {
	sym       types.Symbol
	fetchedAt time.Time
}

// SymbolCache caches immutable per-symbol parameters keyed by
// (symbol, exchange). Entries older than the TTL are refreshed from the
// aggregator on the next read. Get returns a snapshot; callers must not hold
// it across suspension points beyond one request.
type SymbolCache struct {
	source SymbolSource
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]symbolEntry
}

// NewSymbolCache creates a cache over the given source.
func NewSymbolCache(source SymbolSource, ttl time.Duration) *SymbolCache {
	return &SymbolCache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]symbolEntry),
	}
}

// Get returns the symbol parameters, refreshing on miss or expiry.
func (c *SymbolCache) Get(ctx context.Context, symbol string, exchange types.Exchange) (types.Symbol, error) {
	key := types.WatchKey(symbol, exchange)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.sym, nil
	}

	sym, err := c.source.SymbolInfo(ctx, symbol, exchange)
	if err != nil {
		// Serve a stale entry over failing the caller when we have one.
		if ok {
			return entry.sym, nil
		}
		return types.Symbol{}, err
	}

	c.mu.Lock()
	c.entries[key] = symbolEntry{sym: *sym, fetchedAt: time.Now()}
	c.mu.Unlock()
	return *sym, nil
}
