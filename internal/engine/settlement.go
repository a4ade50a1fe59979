package engine

import (
	"time"

	"github.com/google/uuid"

	"papervenue/internal/locks"
	"papervenue/pkg/types"
)

// marginFor computes the initial margin for a fill. Inverse contracts margin
// in base units against the contract notional; linear contracts margin in
// quote units.
func marginFor(sym types.Symbol, inverse bool, amount, price, lev float64) float64 {
	if lev < 1 {
		lev = 1
	}
	if inverse {
		return amount * sym.ContractSize() / price / lev
	}
	return amount * price / lev
}

// derivFee computes the fee for a derivatives fill, denominated in the margin
// asset: quote for linear, base for inverse.
func derivFee(sym types.Symbol, inverse bool, amount, price, feePerc float64) float64 {
	if inverse {
		return amount * sym.ContractSize() / price * feePerc
	}
	return amount * price * feePerc
}

// liquidationPrice derives the forced-close trigger from entry price, side,
// fee rate, and leverage. Derived once at open and recomputed only when the
// position grows.
func liquidationPrice(entry float64, side types.PositionSide, feePerc, lev float64) float64 {
	s := -1.0
	if side == types.PositionSideShort {
		s = 1.0
	}
	if lev > 1 {
		return entry * (1 + (1/lev)*s) * (1 + feePerc*s)
	}
	if side == types.PositionSideShort {
		return entry / feePerc
	}
	return entry * feePerc
}

// closeThreshold is the residual below which a position counts as fully
// consumed: one contract for inverse, the base min amount for linear.
func closeThreshold(sym types.Symbol, inverse bool) float64 {
	if inverse {
		return 1
	}
	return sym.BaseAsset.MinAmount
}

// marginAssetFor returns the asset margins and derivative fees settle in.
func marginAssetFor(sym types.Symbol, inverse bool) string {
	if inverse {
		return sym.BaseAsset.Name
	}
	return sym.QuoteAsset.Name
}

// applyFill folds an execution into the order's filled fields and advances
// the status.
func applyFill(o *types.Order, fillAmount, price float64) {
	o.FilledAmount += fillAmount
	o.FilledQuoteAmount += fillAmount * price
	if o.FilledAmount > 0 {
		o.AvgFilledPrice = o.FilledQuoteAmount / o.FilledAmount
	}
	if o.Remaining() <= 0 {
		o.Status = types.OrderStatusFilled
	} else {
		o.Status = types.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
}

// settleSpotMarket settles a spot MARKET execution: full amount at o.Price,
// fee in base units for BUY and quote units for SELL.
func (e *Engine) settleSpotMarket(o *types.Order, sym types.Symbol) error {
	price := o.Price
	if o.Side == types.BUY {
		fee := o.Amount * o.FeePerc
		if _, err := e.adjustBalance(o.UserID, sym.QuoteAsset.Name, -o.Amount*price, 0); err != nil {
			return err
		}
		if _, err := e.adjustBalance(o.UserID, sym.BaseAsset.Name, o.Amount-fee, 0); err != nil {
			return err
		}
		o.Fee += fee
		return nil
	}

	fee := o.Amount * price * o.FeePerc
	if _, err := e.adjustBalance(o.UserID, sym.BaseAsset.Name, -o.Amount, 0); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, sym.QuoteAsset.Name, o.Amount*price-fee, 0); err != nil {
		return err
	}
	o.Fee += fee
	return nil
}

// settleSpotLimitFill settles a (partial or full) spot limit fill at the
// order price, releasing the reservation taken at order entry.
func (e *Engine) settleSpotLimitFill(o *types.Order, sym types.Symbol, fillAmount float64) error {
	price := o.Price
	if o.Side == types.BUY {
		fee := fillAmount * o.FeePerc
		if _, err := e.adjustBalance(o.UserID, sym.QuoteAsset.Name, 0, -fillAmount*price); err != nil {
			return err
		}
		if _, err := e.adjustBalance(o.UserID, sym.BaseAsset.Name, fillAmount-fee, 0); err != nil {
			return err
		}
		o.Fee += fee
		return nil
	}

	fee := fillAmount * price * o.FeePerc
	if _, err := e.adjustBalance(o.UserID, sym.BaseAsset.Name, 0, -fillAmount); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, sym.QuoteAsset.Name, fillAmount*price-fee, 0); err != nil {
		return err
	}
	o.Fee += fee
	return nil
}

// positionLeg resolves which position leg an order acts on: the explicit
// LONG/SHORT leg in hedge mode, BOTH (netted) otherwise.
func positionLeg(hedge bool, o *types.Order) types.PositionSide {
	if hedge {
		return o.PositionSide
	}
	return types.PositionSideBoth
}

// isIncreasing reports whether an order grows the given leg rather than
// reducing it.
func isIncreasing(hedge bool, o *types.Order, pos *types.Position) bool {
	if hedge {
		if o.PositionSide == types.PositionSideLong {
			return o.Side == types.BUY
		}
		return o.Side == types.SELL
	}
	if pos == nil {
		return true
	}
	if pos.PositionSide == types.PositionSideLong {
		return o.Side == types.BUY
	}
	return o.Side == types.SELL
}

// settleDerivative applies a derivatives fill of fillAmount at price to the
// user's position, covering open, increase, reduce, close, and flip. It
// returns the effective fill (reduce-only over-fills are trimmed in place on
// the order). The caller folds the returned fill into the order afterwards.
func (e *Engine) settleDerivative(o *types.Order, sym types.Symbol, fillAmount, price float64) (float64, error) {
	inverse := o.Exchange.IsInverse()
	asset := marginAssetFor(sym, inverse)
	hedge := e.store.GetHedge(o.UserID)
	leg := positionLeg(hedge, o)
	lev := e.leverageFor(o.UserID, o.Symbol, leg)

	pos, havePos := e.proj.FindUserPosition(o.UserID, o.Symbol, o.Exchange, leg)

	if !havePos {
		if o.ReduceOnly {
			return 0, types.ErrReduceRejected
		}
		return fillAmount, e.openPosition(o, sym, inverse, asset, leg, lev, fillAmount, price)
	}

	if isIncreasing(hedge, o, &pos) {
		return fillAmount, e.increasePosition(o, &pos, sym, inverse, asset, fillAmount, price)
	}

	// Reduce-only orders may not exceed the position: trim the order in
	// place and refund the fee on the excess by charging only the kept part.
	if o.ReduceOnly && fillAmount > pos.PositionAmt {
		fillAmount = pos.PositionAmt
		o.Amount = o.FilledAmount + fillAmount
		o.QuoteAmount = o.Amount * o.Price
	}

	threshold := closeThreshold(sym, inverse)

	if fillAmount > pos.PositionAmt && fillAmount-pos.PositionAmt >= threshold && !o.ReduceOnly {
		return fillAmount, e.flipPosition(o, &pos, sym, inverse, asset, leg, lev, fillAmount, price)
	}

	if pos.PositionAmt-fillAmount < threshold {
		closeFee := derivFee(sym, inverse, pos.PositionAmt, price, o.FeePerc)
		return fillAmount, e.closePosition(o, &pos, sym, inverse, asset, leg, price, closeFee)
	}

	return fillAmount, e.reducePosition(o, &pos, sym, inverse, asset, lev, fillAmount, price)
}

// openPosition creates a fresh position from a fill (case 1).
func (e *Engine) openPosition(o *types.Order, sym types.Symbol, inverse bool, asset string, leg types.PositionSide, lev, fillAmount, price float64) error {
	side := types.PositionSideLong
	if o.Side == types.SELL {
		side = types.PositionSideShort
	}

	m := marginFor(sym, inverse, fillAmount, price, lev)
	fee := derivFee(sym, inverse, fillAmount, price, o.FeePerc)
	now := time.Now()

	pos := types.Position{
		UUID:             uuid.NewString(),
		UserID:           o.UserID,
		Symbol:           o.Symbol,
		Exchange:         o.Exchange,
		PositionSide:     side,
		PositionAmt:      fillAmount,
		EntryPrice:       price,
		Margin:           m,
		LiquidationPrice: liquidationPrice(price, side, o.FeePerc, lev),
		Leverage:         lev,
		Profit:           -fee,
		Fee:              fee,
		Status:           types.PositionStatusNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.store.InsertPosition(pos); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, asset, -(m + fee), m); err != nil {
		return err
	}
	e.lockLeverage(o.UserID, o.Symbol, leg, lev)

	e.proj.PutPosition(pos)
	e.watchAdd(o.Symbol, o.Exchange, pos.UUID)
	o.Fee += fee
	return nil
}

// increasePosition adds to an existing same-direction position (case 2),
// re-deriving entry and liquidation prices from the blended entry.
func (e *Engine) increasePosition(o *types.Order, pos *types.Position, sym types.Symbol, inverse bool, asset string, fillAmount, price float64) error {
	m := marginFor(sym, inverse, fillAmount, price, pos.Leverage)
	fee := derivFee(sym, inverse, fillAmount, price, o.FeePerc)

	newAmt := pos.PositionAmt + fillAmount
	newEntry := (pos.PositionAmt*pos.EntryPrice + fillAmount*price) / newAmt

	pos.PositionAmt = newAmt
	pos.EntryPrice = newEntry
	pos.Margin += m
	pos.LiquidationPrice = liquidationPrice(newEntry, pos.PositionSide, o.FeePerc, pos.Leverage)
	pos.Profit -= fee
	pos.Fee += fee
	pos.UpdatedAt = time.Now()

	if err := e.store.UpdatePosition(*pos); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, asset, -(m + fee), m); err != nil {
		return err
	}
	e.proj.PutPosition(*pos)
	o.Fee += fee
	return nil
}

// realizedPnL computes the profit on closing closeAmt of a position at price,
// before fees.
func realizedPnL(pos *types.Position, sym types.Symbol, inverse bool, closeAmt, price float64) float64 {
	dir := pos.Direction()
	if inverse {
		cs := sym.ContractSize()
		return (closeAmt*cs/pos.EntryPrice - closeAmt*cs/price) * dir
	}
	return (closeAmt*price - closeAmt*pos.EntryPrice) * dir
}

// closePosition fully consumes a position (case 3): realize PnL, return the
// margin, unlock leverage, drop the watch-set holder.
func (e *Engine) closePosition(o *types.Order, pos *types.Position, sym types.Symbol, inverse bool, asset string, leg types.PositionSide, price, fee float64) error {
	pnl := realizedPnL(pos, sym, inverse, pos.PositionAmt, price) - fee
	margin := pos.Margin

	pos.Status = types.PositionStatusClosed
	pos.ClosePrice = price
	pos.Profit += pnl
	pos.Fee += fee
	pos.PositionAmt = 0
	pos.Margin = 0
	pos.UpdatedAt = time.Now()

	if err := e.store.UpdatePosition(*pos); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, asset, margin+pnl, -margin); err != nil {
		return err
	}
	e.unlockLeverage(o.UserID, o.Symbol, leg)

	e.proj.RemovePosition(pos.Symbol, pos.UUID)
	e.watchRemove(pos.Symbol, pos.Exchange, pos.UUID)
	o.Fee += fee
	return nil
}

// flipPosition closes the existing position and opens an opposite one for the
// remainder (case 4). The new leg's margin and fee are the totals minus the
// parts consumed unwinding the old leg, with diffMargin computed at the old
// leg's entry price and leverage.
func (e *Engine) flipPosition(o *types.Order, pos *types.Position, sym types.Symbol, inverse bool, asset string, leg types.PositionSide, lev, fillAmount, price float64) error {
	closeAmt := pos.PositionAmt
	remainder := fillAmount - closeAmt

	total := marginFor(sym, inverse, fillAmount, price, lev)
	totalFee := derivFee(sym, inverse, fillAmount, price, o.FeePerc)
	diffMargin := marginFor(sym, inverse, closeAmt, pos.EntryPrice, pos.Leverage)
	closingFee := derivFee(sym, inverse, closeAmt, price, o.FeePerc)

	if err := e.closePosition(o, pos, sym, inverse, asset, leg, price, closingFee); err != nil {
		return err
	}

	side := types.PositionSideLong
	if o.Side == types.SELL {
		side = types.PositionSideShort
	}
	m := total - diffMargin
	fee := totalFee - closingFee
	now := time.Now()

	next := types.Position{
		UUID:             uuid.NewString(),
		UserID:           o.UserID,
		Symbol:           o.Symbol,
		Exchange:         o.Exchange,
		PositionSide:     side,
		PositionAmt:      remainder,
		EntryPrice:       price,
		Margin:           m,
		LiquidationPrice: liquidationPrice(price, side, o.FeePerc, lev),
		Leverage:         lev,
		Profit:           -fee,
		Fee:              fee,
		Status:           types.PositionStatusNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.store.InsertPosition(next); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, asset, -(m + fee), m); err != nil {
		return err
	}
	e.lockLeverage(o.UserID, o.Symbol, leg, lev)

	e.proj.PutPosition(next)
	e.watchAdd(o.Symbol, o.Exchange, next.UUID)
	o.Fee += fee
	return nil
}

// reducePosition shrinks a position without closing it (case 6), realizing
// PnL on the reduced amount. The liquidation price is never re-derived on a
// reduce.
func (e *Engine) reducePosition(o *types.Order, pos *types.Position, sym types.Symbol, inverse bool, asset string, lev, fillAmount, price float64) error {
	m := marginFor(sym, inverse, fillAmount, price, lev)
	fee := derivFee(sym, inverse, fillAmount, price, o.FeePerc)
	pnl := realizedPnL(pos, sym, inverse, fillAmount, price) - fee

	pos.PositionAmt -= fillAmount
	pos.Margin -= m
	pos.Profit += pnl
	pos.Fee += fee
	pos.UpdatedAt = time.Now()

	if err := e.store.UpdatePosition(*pos); err != nil {
		return err
	}
	if _, err := e.adjustBalance(o.UserID, asset, m+pnl, -m); err != nil {
		return err
	}
	e.proj.PutPosition(*pos)
	o.Fee += fee
	return nil
}

// leverageFor reads the current leverage value for (user, symbol, leg),
// defaulting to 1.
func (e *Engine) leverageFor(userID, symbol string, leg types.PositionSide) float64 {
	if l, ok := e.store.GetLeverage(userID, symbol, leg); ok && l.Leverage >= 1 {
		return l.Leverage
	}
	return 1
}

// ensureLeverage inserts a default leverage row (1x, unlocked) if none exists
// for the key.
func (e *Engine) ensureLeverage(userID, symbol string, leg types.PositionSide) error {
	var err error
	e.locks.With(locks.LeverageKey(userID, symbol), func() error {
		if _, ok := e.store.GetLeverage(userID, symbol, leg); !ok {
			err = e.store.PutLeverage(types.Leverage{
				UserID: userID, Symbol: symbol, Side: leg, Leverage: 1,
			})
		}
		return nil
	})
	return err
}

// lockLeverage marks the leverage row locked while a position is open.
func (e *Engine) lockLeverage(userID, symbol string, leg types.PositionSide, lev float64) {
	e.locks.With(locks.LeverageKey(userID, symbol), func() error {
		row, ok := e.store.GetLeverage(userID, symbol, leg)
		if !ok {
			row = types.Leverage{UserID: userID, Symbol: symbol, Side: leg, Leverage: lev}
		}
		row.Locked = true
		if err := e.store.PutLeverage(row); err != nil {
			e.logger.Error("lock leverage", "user", userID, "symbol", symbol, "error", err)
		}
		return nil
	})
}

// unlockLeverage clears the lock when the last position for the key closes.
func (e *Engine) unlockLeverage(userID, symbol string, leg types.PositionSide) {
	e.locks.With(locks.LeverageKey(userID, symbol), func() error {
		row, ok := e.store.GetLeverage(userID, symbol, leg)
		if !ok {
			return nil
		}
		row.Locked = false
		if err := e.store.PutLeverage(row); err != nil {
			e.logger.Error("unlock leverage", "user", userID, "symbol", symbol, "error", err)
		}
		return nil
	})
}
