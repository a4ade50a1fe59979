package engine

import (
	"context"
	"math"

	"papervenue/pkg/types"
)

// balanceEpsilon absorbs float drift when comparing stored locked balances
// against recomputed expectations.
const balanceEpsilon = 1e-9

// Reconcile rebuilds the projection and watch set from storage, recomputes
// the locked balance every open order and position implies, corrects drift in
// the wallet rows, and backfills missing sides on locked leverage rows. Run
// once at startup before ticks flow. On healthy state it is a no-op.
func (e *Engine) Reconcile(ctx context.Context) error {
	expected := make(map[string]map[string]float64) // userID → asset → locked

	addExpected := func(userID, asset string, amt float64) {
		if expected[userID] == nil {
			expected[userID] = make(map[string]float64)
		}
		expected[userID][asset] += amt
	}

	for _, o := range e.store.OpenLimitOrders() {
		e.proj.PutOrder(o)
		e.watchAdd(o.Symbol, o.Exchange, o.ExternalID)

		if !o.Exchange.IsSpot() {
			continue
		}
		sym, err := e.symbols.Get(ctx, o.Symbol, o.Exchange)
		if err != nil {
			e.logger.Warn("reconcile: symbol lookup failed, skipping order reservation",
				"symbol", o.Symbol, "exchange", o.Exchange, "error", err)
			continue
		}
		if o.Side == types.BUY {
			addExpected(o.UserID, sym.QuoteAsset.Name, o.QuoteAmount-o.FilledQuoteAmount)
		} else {
			addExpected(o.UserID, sym.BaseAsset.Name, o.Amount-o.FilledAmount)
		}
	}

	for _, p := range e.store.OpenPositions() {
		e.proj.PutPosition(p)
		e.watchAdd(p.Symbol, p.Exchange, p.UUID)

		sym, err := e.symbols.Get(ctx, p.Symbol, p.Exchange)
		if err != nil {
			e.logger.Warn("reconcile: symbol lookup failed, skipping position margin",
				"symbol", p.Symbol, "exchange", p.Exchange, "error", err)
			continue
		}
		addExpected(p.UserID, marginAssetFor(sym, p.Exchange.IsInverse()), p.Margin)
	}

	e.correctDrift(expected)
	e.backfillLeverageSides()
	e.updateGauges()

	e.logger.Info("reconciliation complete",
		"open_orders", e.proj.OrderCount(),
		"open_positions", e.proj.PositionCount(),
	)
	return nil
}

// correctDrift moves the difference between stored and expected locked
// amounts back to free. Orphaned locks (no orders or positions behind them)
// are reset without ever crediting a negative lock.
func (e *Engine) correctDrift(expected map[string]map[string]float64) {
	for _, b := range e.store.AllBalances() {
		exp := expected[b.UserID][b.Asset]
		if math.Abs(b.Locked-exp) <= balanceEpsilon {
			continue
		}

		e.logger.Warn("balance drift detected",
			"user", b.UserID,
			"asset", b.Asset,
			"locked", b.Locked,
			"expected", exp,
		)

		if exp == 0 {
			b.Free += math.Max(b.Locked, 0)
			b.Locked = 0
		} else {
			diff := b.Locked - exp
			b.Free += diff
			b.Locked = exp
		}
		if err := e.store.PutBalance(b); err != nil {
			e.logger.Error("correct balance drift", "user", b.UserID, "asset", b.Asset, "error", err)
		}
	}
}

// backfillLeverageSides repairs locked leverage rows persisted without a
// side: split into LONG and SHORT rows when the user hedges with two open
// positions, adopt the single position's side, or fall back to BOTH.
func (e *Engine) backfillLeverageSides() {
	for _, row := range e.store.AllLeverage() {
		if !row.Locked || row.Side != "" {
			continue
		}

		var open []types.Position
		for _, p := range e.proj.PositionsByUser(row.UserID) {
			if p.Symbol == row.Symbol {
				open = append(open, p)
			}
		}

		hedge := e.store.GetHedge(row.UserID)
		if err := e.store.DeleteLeverage(row.UserID, row.Symbol, row.Side); err != nil {
			e.logger.Error("drop legacy leverage row", "user", row.UserID, "symbol", row.Symbol, "error", err)
			continue
		}

		switch {
		case hedge && len(open) == 2:
			for _, side := range []types.PositionSide{types.PositionSideLong, types.PositionSideShort} {
				row.Side = side
				if err := e.store.PutLeverage(row); err != nil {
					e.logger.Error("split leverage row", "user", row.UserID, "symbol", row.Symbol, "error", err)
				}
			}
		case len(open) == 1:
			row.Side = open[0].PositionSide
			if err := e.store.PutLeverage(row); err != nil {
				e.logger.Error("backfill leverage side", "user", row.UserID, "symbol", row.Symbol, "error", err)
			}
		default:
			row.Side = types.PositionSideBoth
			if err := e.store.PutLeverage(row); err != nil {
				e.logger.Error("backfill leverage side", "user", row.UserID, "symbol", row.Symbol, "error", err)
			}
		}
	}
}
