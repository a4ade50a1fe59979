package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"papervenue/internal/config"
	"papervenue/internal/locks"
	"papervenue/internal/store"
	"papervenue/pkg/types"
)

// Subscriber is the pub/sub membership surface of the ticker feed.
type Subscriber interface {
	Subscribe(channels ...string) error
	Unsubscribe(channels ...string) error
}

// Publisher delivers events to a user's push channel. Delivery is best
// effort; settlement state is already durable when an event is emitted.
type Publisher interface {
	Publish(userID string, evt types.Event)
}

// PriceSource resolves the latest traded price for a symbol and lets the
// intake path invalidate cached entries when a stale tick is observed.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string, exchange types.Exchange) (float64, error)
	InvalidatePrice(symbol string, exchange types.Exchange)
}

// SymbolGetter resolves per-symbol parameters (usually the TTL cache).
type SymbolGetter interface {
	Get(ctx context.Context, symbol string, exchange types.Exchange) (types.Symbol, error)
}

// Engine owns the matching and settlement core. All mutable state (the
// projection, watch set, price map, and intake filters) is process-local and
// owned by this value; durable truth lives in the store.
type Engine struct {
	cfg     config.EngineConfig
	store   *store.Store
	symbols SymbolGetter
	prices  PriceSource
	feed    Subscriber
	push    Publisher
	locks   *locks.Manager
	proj    *Projection
	watch   *WatchSet
	logger  *slog.Logger

	// Intake filter state. priceMap carries the last accepted price per
	// symbol@exchange; lastSeen enforces per-exchange monotonicity; lastSig
	// dedups identical consecutive ticks per symbol.
	tickMu   sync.Mutex
	priceMap map[string]float64
	lastSeen map[types.Exchange]time.Time
	lastSig  map[string]string

	// Per-exchange pending batches and worker wakeup signals.
	pendingMu sync.Mutex
	pending   map[types.Exchange]map[string]types.Ticker
	notify    map[types.Exchange]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine over its collaborators.
func New(
	cfg config.EngineConfig,
	st *store.Store,
	symbols SymbolGetter,
	prices PriceSource,
	feed Subscriber,
	push Publisher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		symbols:  symbols,
		prices:   prices,
		feed:     feed,
		push:     push,
		locks:    locks.NewManager(),
		proj:     NewProjection(),
		watch:    NewWatchSet(),
		logger:   logger.With("component", "engine"),
		priceMap: make(map[string]float64),
		lastSeen: make(map[types.Exchange]time.Time),
		lastSig:  make(map[string]string),
		pending:  make(map[types.Exchange]map[string]types.Ticker),
		notify:   make(map[types.Exchange]chan struct{}),
	}
}

// Start launches the intake loop over the given tick stream. Reconcile must
// have run first so the projection and watch set reflect durable state.
func (e *Engine) Start(ctx context.Context, ticks <-chan types.Ticker) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runIntake(e.ctx, ticks)
	}()
}

// Stop cancels the intake workers and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// currentPrice returns the most recent known price for a symbol, preferring
// the live tick map over the aggregator's latest-price endpoint.
func (e *Engine) currentPrice(ctx context.Context, symbol string, exchange types.Exchange) (float64, error) {
	key := types.WatchKey(symbol, exchange)
	e.tickMu.Lock()
	p, ok := e.priceMap[key]
	e.tickMu.Unlock()
	if ok && p > 0 {
		return p, nil
	}
	return e.prices.LatestPrice(ctx, symbol, exchange)
}

// adjustBalance applies free/locked deltas to one wallet row and persists it.
func (e *Engine) adjustBalance(userID, asset string, dFree, dLocked float64) (types.Balance, error) {
	b := e.store.GetBalance(userID, asset)
	b.Free += dFree
	b.Locked += dLocked
	if err := e.store.PutBalance(b); err != nil {
		return b, err
	}
	return b, nil
}

// watchAdd registers a holder and subscribes the channel on the first holder.
func (e *Engine) watchAdd(symbol string, exchange types.Exchange, holderID string) {
	key := types.WatchKey(symbol, exchange)
	if e.watch.Add(key, holderID) {
		if err := e.feed.Subscribe(types.ChannelName(symbol, exchange)); err != nil {
			e.logger.Warn("subscribe failed", "channel", types.ChannelName(symbol, exchange), "error", err)
		}
	}
}

// watchRemove drops a holder and unsubscribes the channel when the set
// empties.
func (e *Engine) watchRemove(symbol string, exchange types.Exchange, holderID string) {
	key := types.WatchKey(symbol, exchange)
	if e.watch.Remove(key, holderID) {
		if err := e.feed.Unsubscribe(types.ChannelName(symbol, exchange)); err != nil {
			e.logger.Warn("unsubscribe failed", "channel", types.ChannelName(symbol, exchange), "error", err)
		}
	}
}

// emitOrder pushes an execution report followed by a balance snapshot.
// Events are best effort: state is already persisted when they go out.
func (e *Engine) emitOrder(o types.Order) {
	e.push.Publish(o.UserID, types.OrderUpdate(o))
	e.push.Publish(o.UserID, types.AccountInfo(e.store.BalancesByUser(o.UserID)))
}
