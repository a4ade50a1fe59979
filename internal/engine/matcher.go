package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"papervenue/internal/locks"
	"papervenue/pkg/types"
)

// processSymbolTick runs the per-symbol scan for one surviving tick. The
// caller holds the exchange's Ticker lock, so ticks for the same exchange
// never interleave. Liquidations precede fills within a batch.
func (e *Engine) processSymbolTick(ctx context.Context, symbol string, tick types.Ticker) {
	e.scanLiquidations(ctx, symbol, tick)
	e.scanLimitOrders(ctx, symbol, tick)
	e.updateGauges()
}

// scanLiquidations force-closes positions whose trigger price is crossed by
// the tick: LONGs with liquidationPrice ≥ bestBid in ascending trigger order,
// SHORTs with liquidationPrice ≤ bestAsk in descending order.
func (e *Engine) scanLiquidations(ctx context.Context, symbol string, tick types.Ticker) {
	positions := e.proj.PositionsBySymbol(symbol, tick.Exchange)
	if len(positions) == 0 {
		return
	}

	bestBid := float64(tick.BestBid)
	bestAsk := float64(tick.BestAsk)

	var longs, shorts []types.Position
	for _, p := range positions {
		switch {
		case p.PositionSide == types.PositionSideLong && bestBid > 0 && p.LiquidationPrice >= bestBid:
			longs = append(longs, p)
		case p.PositionSide == types.PositionSideShort && bestAsk > 0 && p.LiquidationPrice <= bestAsk:
			shorts = append(shorts, p)
		}
	}
	sort.Slice(longs, func(i, j int) bool {
		return longs[i].LiquidationPrice < longs[j].LiquidationPrice
	})
	sort.Slice(shorts, func(i, j int) bool {
		return shorts[i].LiquidationPrice > shorts[j].LiquidationPrice
	})

	for _, p := range longs {
		e.liquidate(ctx, p)
	}
	for _, p := range shorts {
		e.liquidate(ctx, p)
	}
}

// liquidate expires the position owner's reduce-only orders on the symbol and
// submits a synthetic reduce-only MARKET order at the trigger price. The path
// never raises to a caller: a failure is logged, and when the position's user
// record is also missing the position is force-closed in storage.
func (e *Engine) liquidate(ctx context.Context, pos types.Position) {
	// Reduce-only orders for the dying position would fight the synthetic
	// close; expire them first, before the position lock, to keep the
	// UpdateOrder → Common nesting order.
	for _, o := range e.proj.OrdersBySymbol(pos.Symbol, pos.Exchange) {
		if o.UserID != pos.UserID || !o.ReduceOnly {
			continue
		}
		o := o
		err := e.locks.With(locks.UpdateOrderKey(o.ExternalID), func() error {
			_, err := e.cancelOrderLocked(ctx, o.ExternalID, o.Symbol, true)
			return err
		})
		if err != nil {
			e.logger.Warn("expire reduce-only order", "externalId", o.ExternalID, "error", err)
		}
	}

	err := e.locks.With(locks.PositionKey(pos.UUID), func() error {
		current, ok := e.proj.GetPosition(pos.Symbol, pos.UUID)
		if !ok || current.Status != types.PositionStatusNew {
			return nil
		}
		return e.submitLiquidationOrder(ctx, current)
	})
	if err != nil {
		if !e.store.UserExists(pos.UserID) {
			e.logger.Error("liquidation failed for missing user, force-closing position",
				"uuid", pos.UUID,
				"symbol", pos.Symbol,
				"error", err,
			)
			e.forceClose(pos)
			return
		}
		e.logger.Error("liquidation order failed",
			"uuid", pos.UUID,
			"symbol", pos.Symbol,
			"error", err,
		)
	}
}

// submitLiquidationOrder books and settles the synthetic MARKET close at the
// position's liquidation price.
func (e *Engine) submitLiquidationOrder(ctx context.Context, pos types.Position) error {
	sym, err := e.symbols.Get(ctx, pos.Symbol, pos.Exchange)
	if err != nil {
		return err
	}

	side := types.SELL
	if pos.PositionSide == types.PositionSideShort {
		side = types.BUY
	}
	posSide := types.PositionSideBoth
	if e.store.GetHedge(pos.UserID) {
		posSide = pos.PositionSide
	}

	now := time.Now()
	order := types.Order{
		ID:           uuid.NewString(),
		ExternalID:   "liquidation_" + uuid.NewString(),
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		Exchange:     pos.Exchange,
		Side:         side,
		Type:         types.MARKET,
		Price:        pos.LiquidationPrice,
		Amount:       pos.PositionAmt,
		QuoteAmount:  pos.PositionAmt * pos.LiquidationPrice,
		FeePerc:      types.TakerFee(pos.Exchange),
		Status:       types.OrderStatusNew,
		ReduceOnly:   true,
		PositionSide: posSide,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.InsertOrder(order); err != nil {
		return err
	}
	fill, err := e.settleDerivative(&order, sym, order.Amount, order.Price)
	if err != nil {
		return err
	}
	applyFill(&order, fill, order.Price)
	if err := e.store.UpdateOrder(order); err != nil {
		return err
	}

	mtxLiquidations.Inc()
	e.emitOrder(order)
	e.logger.Warn("position liquidated",
		"uuid", pos.UUID,
		"symbol", pos.Symbol,
		"side", pos.PositionSide,
		"price", pos.LiquidationPrice,
	)
	return nil
}

// forceClose marks a position CLOSED in storage when the synthetic order
// failed and the user record is gone, and drops it from the projection.
func (e *Engine) forceClose(pos types.Position) {
	pos.Status = types.PositionStatusClosed
	pos.ClosePrice = pos.LiquidationPrice
	pos.UpdatedAt = time.Now()
	if err := e.store.UpdatePosition(pos); err != nil {
		e.logger.Error("force-close position", "uuid", pos.UUID, "error", err)
	}
	e.proj.RemovePosition(pos.Symbol, pos.UUID)
	e.watchRemove(pos.Symbol, pos.Exchange, pos.UUID)
}

// scanLimitOrders fires the open limit orders the tick's top of book crosses:
// SELLs at or below the bid (ascending), then BUYs at or above the ask
// (descending).
func (e *Engine) scanLimitOrders(ctx context.Context, symbol string, tick types.Ticker) {
	orders := e.proj.OrdersBySymbol(symbol, tick.Exchange)
	if len(orders) == 0 {
		return
	}

	bestBid := float64(tick.BestBid)
	bestAsk := float64(tick.BestAsk)
	bidQnt := float64(tick.BestBidQnt)
	askQnt := float64(tick.BestAskQnt)
	spot := tick.Exchange.IsSpot()

	var sells, buys []types.Order
	for _, o := range orders {
		if o.Type != types.LIMIT || o.Status.IsTerminal() {
			continue
		}
		switch o.Side {
		case types.SELL:
			if bestBid > 0 && o.Price <= bestBid && (!spot || bidQnt > 0) {
				sells = append(sells, o)
			}
		case types.BUY:
			if bestAsk > 0 && o.Price >= bestAsk && (!spot || askQnt > 0) {
				buys = append(buys, o)
			}
		}
	}
	sort.Slice(sells, func(i, j int) bool { return sells[i].Price < sells[j].Price })
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price > buys[j].Price })

	for _, o := range sells {
		e.processLimitOrder(ctx, o.ExternalID, o.Symbol, tick)
	}
	for _, o := range buys {
		e.processLimitOrder(ctx, o.ExternalID, o.Symbol, tick)
	}
}

// processLimitOrder executes one candidate fill under the order's UpdateOrder
// lock, re-fetching the record in case a cancel or an earlier fill raced the
// scan.
func (e *Engine) processLimitOrder(ctx context.Context, externalID, symbol string, tick types.Ticker) {
	err := e.locks.With(locks.UpdateOrderKey(externalID), func() error {
		order, ok := e.proj.GetOrder(symbol, externalID)
		if !ok || order.Status.IsTerminal() {
			return nil
		}

		sym, err := e.symbols.Get(ctx, order.Symbol, order.Exchange)
		if err != nil {
			return err
		}

		remaining := order.Remaining()
		fillAmount := remaining
		if order.Exchange.IsSpot() {
			touched, size := float64(tick.BestBid), float64(tick.BestBidQnt)
			if order.Side == types.BUY {
				touched, size = float64(tick.BestAsk), float64(tick.BestAskQnt)
			}
			// At the exact touched price only the quoted size is available;
			// a strictly better price sweeps the full remainder.
			if order.Price == touched && size < remaining {
				fillAmount = size
			}
		}
		if fillAmount <= 0 {
			return nil
		}

		if order.Exchange.IsSpot() {
			if err := e.settleSpotLimitFill(&order, sym, fillAmount); err != nil {
				return err
			}
			applyFill(&order, fillAmount, order.Price)
		} else {
			fill, err := e.settleDerivative(&order, sym, fillAmount, order.Price)
			if err == types.ErrReduceRejected {
				// The position this reduce-only order tracked is gone.
				_, err := e.cancelOrderLocked(ctx, order.ExternalID, order.Symbol, true)
				return err
			}
			if err != nil {
				return err
			}
			applyFill(&order, fill, order.Price)
		}

		if err := e.store.UpdateOrder(order); err != nil {
			return err
		}

		if order.Status == types.OrderStatusFilled {
			e.proj.RemoveOrder(order.Symbol, order.ExternalID)
			e.watchRemove(order.Symbol, order.Exchange, order.ExternalID)
			mtxFills.WithLabelValues("limit").Inc()
		} else {
			e.proj.PutOrder(order)
			mtxFills.WithLabelValues("partial").Inc()
		}

		e.emitOrder(order)
		return nil
	})
	if err != nil {
		e.logger.Error("limit fill failed",
			"externalId", externalID,
			"symbol", symbol,
			"error", err,
		)
	}
}
