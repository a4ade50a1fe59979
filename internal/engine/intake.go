package engine

import (
	"context"
	"time"

	"papervenue/internal/locks"
	"papervenue/pkg/types"
)

// runIntake consumes the decoded tick stream, applies the three intake
// filters in order (per-exchange monotonicity, freshness, signature dedup),
// records surviving prices, and coalesces survivors into per-exchange batches
// for the matching scan.
func (e *Engine) runIntake(ctx context.Context, ticks <-chan types.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			e.handleTick(ctx, tick)
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, tick types.Ticker) {
	key := types.WatchKey(tick.Symbol, tick.Exchange)
	ts := tick.TickerTime()

	e.tickMu.Lock()

	// Filter 1: per-exchange monotonicity.
	if last, ok := e.lastSeen[tick.Exchange]; ok && ts.Before(last) {
		e.tickMu.Unlock()
		mtxTicks.WithLabelValues("out_of_order").Inc()
		return
	}
	e.lastSeen[tick.Exchange] = ts

	// Filter 2: freshness. A stale tick also invalidates the cached price
	// for its symbol so marketable-limit checks do not act on it.
	if ts.Add(e.cfg.StaleTick).Before(time.Now()) {
		delete(e.priceMap, key)
		e.tickMu.Unlock()
		e.prices.InvalidatePrice(tick.Symbol, tick.Exchange)
		e.logger.Warn("stale tick dropped",
			"symbol", tick.Symbol,
			"exchange", tick.Exchange,
			"age", time.Since(ts),
		)
		mtxTicks.WithLabelValues("stale").Inc()
		return
	}

	// Filter 3: signature dedup per symbol.
	sig := tick.Signature()
	if e.lastSig[key] == sig {
		e.tickMu.Unlock()
		mtxTicks.WithLabelValues("duplicate").Inc()
		return
	}
	e.lastSig[key] = sig

	if p := float64(tick.Price); p > 0 {
		e.priceMap[key] = p
	}
	e.tickMu.Unlock()

	mtxTicks.WithLabelValues("accepted").Inc()
	e.enqueue(ctx, tick)
}

// enqueue coalesces a surviving tick into its exchange's pending batch and
// wakes the exchange worker. Later ticks for the same symbol replace earlier
// ones still pending, giving the implicit queue-of-one the original relied
// on.
func (e *Engine) enqueue(ctx context.Context, tick types.Ticker) {
	e.pendingMu.Lock()
	batch, ok := e.pending[tick.Exchange]
	if !ok {
		batch = make(map[string]types.Ticker)
		e.pending[tick.Exchange] = batch
	}
	batch[tick.Symbol] = tick

	notify, ok := e.notify[tick.Exchange]
	if !ok {
		notify = make(chan struct{}, 1)
		e.notify[tick.Exchange] = notify
		e.wg.Add(1)
		go func(exchange types.Exchange) {
			defer e.wg.Done()
			e.runExchangeWorker(ctx, exchange, notify)
		}(tick.Exchange)
	}
	e.pendingMu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
}

// runExchangeWorker drains an exchange's pending batch under its Ticker lock,
// so batches for one exchange apply one after another and never
// concurrently. Within a batch, symbols are processed in map iteration
// order. Different exchanges run in parallel.
func (e *Engine) runExchangeWorker(ctx context.Context, exchange types.Exchange, notify <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		}

		for {
			e.pendingMu.Lock()
			batch := e.pending[exchange]
			if len(batch) == 0 {
				e.pendingMu.Unlock()
				break
			}
			e.pending[exchange] = make(map[string]types.Ticker)
			e.pendingMu.Unlock()

			e.locks.With(locks.TickerKey(string(exchange)), func() error {
				for symbol, tick := range batch {
					e.processSymbolTick(ctx, symbol, tick)
				}
				return nil
			})
		}
	}
}
