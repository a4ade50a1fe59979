package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"papervenue/internal/config"
	"papervenue/internal/store"
	"papervenue/pkg/types"
)

// ———— test doubles ————

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]bool
}

func newFakeFeed() *fakeFeed { return &fakeFeed{subs: make(map[string]bool)} }

func (f *fakeFeed) Subscribe(channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		f.subs[ch] = true
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		delete(f.subs, ch)
	}
	return nil
}

func (f *fakeFeed) subscribed(ch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[ch]
}

type fakePush struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *fakePush) Publish(userID string, evt types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *fakePush) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (p *fakePrices) LatestPrice(ctx context.Context, symbol string, exchange types.Exchange) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.prices[types.WatchKey(symbol, exchange)]; ok {
		return v, nil
	}
	return 0, errors.New("no price")
}

func (p *fakePrices) InvalidatePrice(symbol string, exchange types.Exchange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, types.WatchKey(symbol, exchange))
}

type fakeSymbols struct {
	syms map[string]types.Symbol
}

func (s *fakeSymbols) Get(ctx context.Context, symbol string, exchange types.Exchange) (types.Symbol, error) {
	if sym, ok := s.syms[types.WatchKey(symbol, exchange)]; ok {
		return sym, nil
	}
	return types.Symbol{}, types.ErrSymbolNotFound
}

// ———— harness ————

type harness struct {
	eng    *Engine
	store  *store.Store
	feed   *fakeFeed
	push   *fakePush
	prices *fakePrices
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	symbols := &fakeSymbols{syms: map[string]types.Symbol{
		"BTCUSDT@binance": {
			Pair: "BTCUSDT", Exchange: types.Binance,
			BaseAsset:      types.Asset{Name: "BTC", MinAmount: 0.0001, Step: 0.0001},
			QuoteAsset:     types.Asset{Name: "USDT", MinAmount: 10},
			PricePrecision: 2,
		},
		"BTCUSDT@binanceUsdm": {
			Pair: "BTCUSDT", Exchange: types.BinanceUsdm,
			BaseAsset:  types.Asset{Name: "BTC", MinAmount: 0.001},
			QuoteAsset: types.Asset{Name: "USDT", MinAmount: 10},
		},
		"BTCUSD@binanceCoinm": {
			Pair: "BTCUSD", Exchange: types.BinanceCoinm,
			BaseAsset:  types.Asset{Name: "BTC", MinAmount: 0.001},
			QuoteAsset: types.Asset{Name: "USD", MinAmount: 100},
		},
	}}

	feed := newFakeFeed()
	pushHub := &fakePush{}
	prices := &fakePrices{prices: map[string]float64{
		"BTCUSDT@binance":     50000,
		"BTCUSDT@binanceUsdm": 50000,
		"BTCUSD@binanceCoinm": 50000,
	}}

	cfg := config.EngineConfig{
		SymbolTTL:     3 * time.Hour,
		StaleTick:     30 * time.Second,
		PriceCacheTTL: time.Minute,
	}

	logger := testLogger()
	eng := New(cfg, st, symbols, prices, feed, pushHub, logger)

	if err := st.PutUser(types.User{ID: "u1", Key: "k1", Secret: "s1"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := st.PutUser(types.User{ID: "u2", Key: "k2", Secret: "s2"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	return &harness{eng: eng, store: st, feed: feed, push: pushHub, prices: prices}
}

func (h *harness) fund(t *testing.T, userID, asset string, free float64) {
	t.Helper()
	if err := h.store.PutBalance(types.Balance{UserID: userID, Asset: asset, Free: free}); err != nil {
		t.Fatalf("PutBalance: %v", err)
	}
}

func (h *harness) balance(userID, asset string) types.Balance {
	return h.store.GetBalance(userID, asset)
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func tick(symbol string, exchange types.Exchange, bid, ask, bidQnt, askQnt float64) types.Ticker {
	return types.Ticker{
		Symbol:     symbol,
		Exchange:   exchange,
		BestBid:    types.LooseFloat(bid),
		BestAsk:    types.LooseFloat(ask),
		BestBidQnt: types.LooseFloat(bidQnt),
		BestAskQnt: types.LooseFloat(askQnt),
		Price:      types.LooseFloat((bid + ask) / 2),
		Time:       time.Now().UnixMilli(),
	}
}

// ———— spot scenarios ————

func TestSpotLimitBuyReservesBalance(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT,
		Price: 50000, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.Status != types.OrderStatusNew {
		t.Errorf("status = %s, want NEW", order.Status)
	}
	if order.FeePerc != types.SpotMakerFee {
		t.Errorf("feePerc = %v, want %v", order.FeePerc, types.SpotMakerFee)
	}

	usdt := h.balance("u1", "USDT")
	approx(t, "USDT.Free", usdt.Free, 5000)
	approx(t, "USDT.Locked", usdt.Locked, 5000)

	if !h.feed.subscribed("trade@BTCUSDT@binance") {
		t.Error("expected pub/sub subscription for BTCUSDT@binance")
	}
}

func TestSpotLimitBuyFillsOnTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT,
		Price: 50000, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	h.eng.processSymbolTick(context.Background(), "BTCUSDT",
		tick("BTCUSDT", types.Binance, 49999, 50000, 0.5, 0.2))

	got, err := h.store.OrderByExternalID(order.ExternalID, "BTCUSDT")
	if err != nil {
		t.Fatalf("OrderByExternalID: %v", err)
	}
	if got.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	approx(t, "order.Fee", got.Fee, 0.0001)

	usdt := h.balance("u1", "USDT")
	btc := h.balance("u1", "BTC")
	approx(t, "USDT.Free", usdt.Free, 5000)
	approx(t, "USDT.Locked", usdt.Locked, 0)
	approx(t, "BTC.Free", btc.Free, 0.0999)
	approx(t, "BTC.Locked", btc.Locked, 0)

	if h.feed.subscribed("trade@BTCUSDT@binance") {
		t.Error("subscription should drop after last holder fills")
	}
}

func TestSpotLimitPartialFillAtTouchedPrice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "BTC", 2)

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.SELL, Type: types.LIMIT,
		Price: 60000, Amount: 1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Bid touches the order price with only 0.4 quoted.
	h.eng.processSymbolTick(context.Background(), "BTCUSDT",
		tick("BTCUSDT", types.Binance, 60000, 60001, 0.4, 1))

	got, _ := h.store.OrderByExternalID(order.ExternalID, "BTCUSDT")
	if got.Status != types.OrderStatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", got.Status)
	}
	approx(t, "filledAmount", got.FilledAmount, 0.4)

	btc := h.balance("u1", "BTC")
	usdt := h.balance("u1", "USDT")
	approx(t, "BTC.Locked", btc.Locked, 0.6)
	approx(t, "USDT.Free", usdt.Free, 0.4*60000*(1-types.SpotMakerFee))

	// Still live, still watched.
	if _, ok := h.eng.proj.GetOrder("BTCUSDT", order.ExternalID); !ok {
		t.Error("partially filled order should stay in the projection")
	}
	if !h.feed.subscribed("trade@BTCUSDT@binance") {
		t.Error("subscription should remain while the order is live")
	}
}

func TestSpotMarketBuy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.MARKET,
		Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want FILLED", order.Status)
	}
	approx(t, "price", order.Price, 50000)

	usdt := h.balance("u1", "USDT")
	btc := h.balance("u1", "BTC")
	approx(t, "USDT.Free", usdt.Free, 5000)
	approx(t, "BTC.Free", btc.Free, 0.1*(1-types.SpotMakerFee))
}

func TestMarketableLimitPromotedToMarket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	// BUY above the current price crosses the quote: promote and execute at
	// the current price, not the limit price.
	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT,
		Price: 51000, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Type != types.MARKET {
		t.Errorf("type = %s, want MARKET", order.Type)
	}
	if order.Status != types.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
	approx(t, "price", order.Price, 50000)
}

func TestCreateOrderSnapsToPrecisionGrid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	// Price rounds to 2 decimals, amount floors to the 0.0001 base step.
	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT,
		Price: 49000.129, Amount: 0.12348,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	approx(t, "price", order.Price, 49000.13)
	approx(t, "amount", order.Amount, 0.1234)
	approx(t, "quoteAmount", order.QuoteAmount, 0.1234*49000.13)

	// The reservation uses the snapped numbers.
	usdt := h.balance("u1", "USDT")
	approx(t, "USDT.Locked", usdt.Locked, 0.1234*49000.13)

	// An amount below one step rounds to zero and is rejected.
	if _, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT,
		Price: 49000, Amount: 0.00004,
	}); err == nil {
		t.Error("expected rejection for amount below the step size")
	}
}

func TestCancelRestoresReservation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1",
		Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT,
		Price: 50000, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	canceled, err := h.eng.CancelOrder(context.Background(), order.ExternalID, "", false)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if canceled.Status != types.OrderStatusCanceled {
		t.Errorf("status = %s, want CANCELED", canceled.Status)
	}

	usdt := h.balance("u1", "USDT")
	approx(t, "USDT.Free", usdt.Free, 10000)
	approx(t, "USDT.Locked", usdt.Locked, 0)

	// Cancel again: terminal.
	if _, err := h.eng.CancelOrder(context.Background(), order.ExternalID, "", false); !errors.Is(err, types.ErrOrderTerminal) {
		t.Errorf("second cancel error = %v, want ErrOrderTerminal", err)
	}
	if _, ok := h.eng.proj.GetOrder("BTCUSDT", order.ExternalID); ok {
		t.Error("canceled order must not reappear in the projection")
	}
}

func TestWatchSetSharedAcrossUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)
	h.fund(t, "u2", "USDT", 10000)

	a, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT, Price: 49000, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder a: %v", err)
	}
	b, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k2", Secret: "s2", Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT, Price: 48000, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder b: %v", err)
	}

	if _, err := h.eng.CancelOrder(context.Background(), a.ExternalID, "", false); err != nil {
		t.Fatalf("cancel a: %v", err)
	}
	if !h.feed.subscribed("trade@BTCUSDT@binance") {
		t.Error("subscription must survive while another user's order is live")
	}

	if _, err := h.eng.CancelOrder(context.Background(), b.ExternalID, "", false); err != nil {
		t.Fatalf("cancel b: %v", err)
	}
	if h.feed.subscribed("trade@BTCUSDT@binance") {
		t.Error("subscription must drop after the last order goes")
	}
}

// ———— validation ————

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 100)

	tests := []struct {
		name string
		req  CreateOrderRequest
		want error
	}{
		{
			name: "unknown user",
			req: CreateOrderRequest{
				Key: "nope", Secret: "nope", Symbol: "BTCUSDT", Exchange: types.Binance,
				Side: types.BUY, Type: types.LIMIT, Price: 50000, Amount: 0.1,
			},
			want: types.ErrUserNotFound,
		},
		{
			name: "unknown exchange",
			req: CreateOrderRequest{
				Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: "nasdaq",
				Side: types.BUY, Type: types.LIMIT, Price: 50000, Amount: 0.1,
			},
			want: types.ErrUnknownExchange,
		},
		{
			name: "insufficient balance",
			req: CreateOrderRequest{
				Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.Binance,
				Side: types.BUY, Type: types.LIMIT, Price: 50000, Amount: 0.1,
			},
			want: types.ErrInsufficientBalance,
		},
		{
			name: "reduce only without position",
			req: CreateOrderRequest{
				Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
				Side: types.SELL, Type: types.MARKET, Amount: 0.01, ReduceOnly: true,
			},
			want: types.ErrReduceRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.CreateOrder(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDuplicateExternalID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 100000)

	req := CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.LIMIT, Price: 49000, Amount: 0.1,
		ExternalID: "dup-1",
	}
	if _, err := h.eng.CreateOrder(context.Background(), req); err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	if _, err := h.eng.CreateOrder(context.Background(), req); !errors.Is(err, types.ErrDuplicateOrder) {
		t.Errorf("error = %v, want ErrDuplicateOrder", err)
	}
}

func TestHedgeModeRequiresExplicitSide(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)
	if err := h.eng.SetHedge("u1", true); err != nil {
		t.Fatalf("SetHedge: %v", err)
	}

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.BUY, Type: types.MARKET, Amount: 0.01,
	})
	if !errors.Is(err, types.ErrHedgeSide) {
		t.Errorf("error = %v, want ErrHedgeSide", err)
	}
}

// ———— derivatives scenarios ————

func TestLinearMarketOpenPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 1000)
	if err := h.eng.SetLeverage("u1", "BTCUSDT", types.PositionSideBoth, 10); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.BUY, Type: types.MARKET, Amount: 0.01,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	positions := h.eng.Positions("u1")
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.PositionSide != types.PositionSideLong {
		t.Errorf("side = %s, want LONG", pos.PositionSide)
	}
	approx(t, "positionAmt", pos.PositionAmt, 0.01)
	approx(t, "entryPrice", pos.EntryPrice, 50000)
	approx(t, "margin", pos.Margin, 50)
	approx(t, "leverage", pos.Leverage, 10)
	approx(t, "liquidationPrice", pos.LiquidationPrice, 50000*(1-0.1)*(1-0.0004))

	usdt := h.balance("u1", "USDT")
	approx(t, "USDT.Free", usdt.Free, 949.8)
	approx(t, "USDT.Locked", usdt.Locked, 50)

	// Leverage is locked while the position is open.
	if err := h.eng.SetLeverage("u1", "BTCUSDT", types.PositionSideBoth, 5); !errors.Is(err, types.ErrLeverageLocked) {
		t.Errorf("SetLeverage error = %v, want ErrLeverageLocked", err)
	}
}

func TestLiquidationOnTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 1000)
	if err := h.eng.SetLeverage("u1", "BTCUSDT", types.PositionSideBoth, 10); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.BUY, Type: types.MARKET, Amount: 0.01,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	pos := h.eng.Positions("u1")[0]

	// Bid drops through the trigger (≈44982).
	h.eng.processSymbolTick(context.Background(), "BTCUSDT",
		tick("BTCUSDT", types.BinanceUsdm, 44980, 44981, 1, 1))

	stored, err := h.store.PositionByUUID(pos.UUID)
	if err != nil {
		t.Fatalf("PositionByUUID: %v", err)
	}
	if stored.Status != types.PositionStatusClosed {
		t.Fatalf("position status = %s, want CLOSED", stored.Status)
	}
	approx(t, "closePrice", stored.ClosePrice, pos.LiquidationPrice)

	liq := pos.LiquidationPrice
	pnl := (liq-50000)*0.01 - 0.01*liq*0.0004
	usdt := h.balance("u1", "USDT")
	approx(t, "USDT.Free", usdt.Free, 949.8+50+pnl)
	approx(t, "USDT.Locked", usdt.Locked, 0)

	if h.feed.subscribed("trade@BTCUSDT@binanceUsdm") {
		t.Error("subscription must drop after the position is liquidated")
	}
	// Leverage unlocked again.
	if err := h.eng.SetLeverage("u1", "BTCUSDT", types.PositionSideBoth, 5); err != nil {
		t.Errorf("SetLeverage after liquidation: %v", err)
	}
}

func TestHedgeReduceOnlyCloseOnTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 2000)
	if err := h.eng.SetHedge("u1", true); err != nil {
		t.Fatalf("SetHedge: %v", err)
	}

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.BUY, Type: types.MARKET, Amount: 0.01,
		PositionSide: types.PositionSideLong,
	})
	if err != nil {
		t.Fatalf("open long: %v", err)
	}

	usdtAfterOpen := h.balance("u1", "USDT")
	approx(t, "USDT.Locked after open", usdtAfterOpen.Locked, 500)

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.SELL, Type: types.LIMIT, Price: 55000, Amount: 0.01,
		ReduceOnly: true, PositionSide: types.PositionSideLong,
	})
	if err != nil {
		t.Fatalf("reduce-only limit: %v", err)
	}
	if order.Status != types.OrderStatusNew {
		t.Fatalf("status = %s, want NEW", order.Status)
	}
	// No extra margin reserved for the reduce-only order.
	approx(t, "USDT.Locked after reduce-only", h.balance("u1", "USDT").Locked, 500)

	h.eng.processSymbolTick(context.Background(), "BTCUSDT",
		tick("BTCUSDT", types.BinanceUsdm, 55000, 55001, 1, 1))

	got, _ := h.store.OrderByExternalID(order.ExternalID, "BTCUSDT")
	if got.Status != types.OrderStatusFilled {
		t.Fatalf("order status = %s, want FILLED", got.Status)
	}
	if n := len(h.eng.Positions("u1")); n != 0 {
		t.Fatalf("open positions = %d, want 0", n)
	}

	// margin 500 back plus pnl = (55000-50000)*0.01 - maker fee 0.11
	usdt := h.balance("u1", "USDT")
	approx(t, "USDT.Free", usdt.Free, 2000-500.2+500+(5000*0.01-0.01*55000*types.UsdmMakerFee))
	approx(t, "USDT.Locked", usdt.Locked, 0)

	// Leverage row for the LONG leg is unlocked again.
	if err := h.eng.SetLeverage("u1", "BTCUSDT", types.PositionSideLong, 3); err != nil {
		t.Errorf("SetLeverage after close: %v", err)
	}
}

func TestReduceOnlyOverfillTrimmed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 2000)

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.BUY, Type: types.MARKET, Amount: 0.01,
	})
	if err != nil {
		t.Fatalf("open long: %v", err)
	}

	// Reduce-only for twice the position: trimmed in place to 0.01.
	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.SELL, Type: types.MARKET, Amount: 0.02, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("reduce-only market: %v", err)
	}

	approx(t, "order.Amount", order.Amount, 0.01)
	approx(t, "order.FilledAmount", order.FilledAmount, 0.01)
	if order.Status != types.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
	if n := len(h.eng.Positions("u1")); n != 0 {
		t.Errorf("open positions = %d, want 0", n)
	}
	approx(t, "USDT.Locked", h.balance("u1", "USDT").Locked, 0)
}

func TestOppositeOrderFlipsPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 5000)

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.BUY, Type: types.MARKET, Amount: 0.01,
	})
	if err != nil {
		t.Fatalf("open long: %v", err)
	}

	// SELL 0.03 against a 0.01 LONG: closes it and opens a 0.02 SHORT.
	_, err = h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.BinanceUsdm,
		Side: types.SELL, Type: types.MARKET, Amount: 0.03,
	})
	if err != nil {
		t.Fatalf("flip: %v", err)
	}

	positions := h.eng.Positions("u1")
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.PositionSide != types.PositionSideShort {
		t.Errorf("side = %s, want SHORT", pos.PositionSide)
	}
	approx(t, "positionAmt", pos.PositionAmt, 0.02)
	approx(t, "entryPrice", pos.EntryPrice, 50000)
	approx(t, "margin", pos.Margin, 0.02*50000)
	approx(t, "USDT.Locked", h.balance("u1", "USDT").Locked, 0.02*50000)
}

func TestInverseOpenAndClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "BTC", 1)

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSD", Exchange: types.BinanceCoinm,
		Side: types.BUY, Type: types.MARKET, Amount: 10,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pos := h.eng.Positions("u1")[0]
	// 10 contracts × $100 at 50000, 1x: margin = 0.02 BTC.
	approx(t, "margin", pos.Margin, 0.02)
	taker := types.TakerFee(types.BinanceCoinm)
	approx(t, "liquidationPrice", pos.LiquidationPrice, 50000*taker)

	btc := h.balance("u1", "BTC")
	openFee := 10 * 100 / 50000.0 * taker
	approx(t, "BTC.Free", btc.Free, 1-0.02-openFee)
	approx(t, "BTC.Locked", btc.Locked, 0.02)

	h.prices.mu.Lock()
	h.prices.prices["BTCUSD@binanceCoinm"] = 55000
	h.prices.mu.Unlock()

	_, err = h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSD", Exchange: types.BinanceCoinm,
		Side: types.SELL, Type: types.MARKET, Amount: 10, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if n := len(h.eng.Positions("u1")); n != 0 {
		t.Fatalf("open positions = %d, want 0", n)
	}
	closeFee := 10 * 100 / 55000.0 * taker
	pnl := (10*100/50000.0 - 10*100/55000.0) - closeFee
	btc = h.balance("u1", "BTC")
	approx(t, "BTC.Free", btc.Free, 1-0.02-openFee+0.02+pnl)
	approx(t, "BTC.Locked", btc.Locked, 0)
}

// ———— push events ————

func TestExecutionReportsPushed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(t, "u1", "USDT", 10000)

	_, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		Key: "k1", Secret: "s1", Symbol: "BTCUSDT", Exchange: types.Binance,
		Side: types.BUY, Type: types.MARKET, Amount: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if h.push.count(types.TopicOrder) == 0 {
		t.Error("expected an order event on the push channel")
	}
	if h.push.count(types.TopicAccount) == 0 {
		t.Error("expected a balance snapshot on the push channel")
	}
}
