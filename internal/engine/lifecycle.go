package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"papervenue/internal/locks"
	"papervenue/pkg/types"
)

// CreateOrderRequest is the createOrder command as it arrives from the API
// layer. Key/Secret identify the user via the credential store.
type CreateOrderRequest struct {
	Key          string             `json:"key"`
	Secret       string             `json:"secret"`
	Symbol       string             `json:"symbol"`
	Exchange     types.Exchange     `json:"exchange"`
	Side         types.Side         `json:"side"`
	Type         types.OrderType    `json:"type"`
	Price        float64            `json:"price"`
	Amount       float64            `json:"amount"`
	ExternalID   string             `json:"externalId"`
	ReduceOnly   bool               `json:"reduceOnly"`
	PositionSide types.PositionSide `json:"positionSide"`
}

// Authenticate resolves API credentials to a user.
func (e *Engine) Authenticate(key, secret string) (types.User, error) {
	return e.store.UserByCredentials(key, secret)
}

// CreateOrder validates, books, and possibly immediately settles an order.
// All invocations with identical (key, secret, symbol, exchange) are
// serialized under the CreateOrder named lock.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error) {
	if !req.Exchange.Valid() {
		return types.Order{}, types.ErrUnknownExchange
	}
	if req.Amount <= 0 {
		return types.Order{}, fmt.Errorf("amount must be > 0")
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return types.Order{}, fmt.Errorf("side must be BUY or SELL")
	}

	user, err := e.store.UserByCredentials(req.Key, req.Secret)
	if err != nil {
		return types.Order{}, err
	}

	var out types.Order
	lockKey := locks.CreateOrderKey(req.Key, req.Secret, req.Symbol, string(req.Exchange))
	err = e.locks.With(lockKey, func() error {
		var err error
		out, err = e.createOrderLocked(ctx, user, req)
		return err
	})
	return out, err
}

func (e *Engine) createOrderLocked(ctx context.Context, user types.User, req CreateOrderRequest) (types.Order, error) {
	sym, err := e.symbols.Get(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return types.Order{}, err
	}

	// Snap the request onto the symbol's precision grid before any checks so
	// reservations, margins, and fills all see the same numbers. A zero
	// precision or step means the symbol carries no constraint.
	if sym.PricePrecision > 0 {
		req.Price = types.RoundPrice(req.Price, sym.PricePrecision)
	}
	req.Amount = types.RoundStep(req.Amount, sym.BaseAsset.Step)
	if req.Amount <= 0 {
		return types.Order{}, fmt.Errorf("amount rounds to zero at step %v", sym.BaseAsset.Step)
	}

	futures := req.Exchange.IsFutures()
	hedge := false
	leg := types.PositionSideBoth
	if futures {
		hedge = e.store.GetHedge(user.ID)
		if hedge {
			if req.PositionSide != types.PositionSideLong && req.PositionSide != types.PositionSideShort {
				return types.Order{}, types.ErrHedgeSide
			}
			leg = req.PositionSide
		} else {
			req.PositionSide = types.PositionSideBoth
		}
		if err := e.ensureLeverage(user.ID, req.Symbol, leg); err != nil {
			return types.Order{}, err
		}
	}

	currentPrice, err := e.currentPrice(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return types.Order{}, fmt.Errorf("resolve current price: %w", err)
	}

	// Marketable limits are promoted to MARKET and execute at the current
	// price.
	effType := req.Type
	if effType == types.LIMIT {
		if (req.Side == types.BUY && req.Price > currentPrice) ||
			(req.Side == types.SELL && req.Price < currentPrice) {
			effType = types.MARKET
		}
	}
	usedPrice := req.Price
	if effType == types.MARKET {
		usedPrice = currentPrice
	}

	feePerc := types.MakerFee(req.Exchange)
	if effType == types.MARKET {
		feePerc = types.TakerFee(req.Exchange)
	}

	if err := e.checkBalance(user.ID, sym, req, usedPrice, leg, futures); err != nil {
		return types.Order{}, err
	}

	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	now := time.Now()
	order := types.Order{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		UserID:       user.ID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         effType,
		Price:        usedPrice,
		Amount:       req.Amount,
		QuoteAmount:  req.Amount * usedPrice,
		FeePerc:      feePerc,
		Status:       types.OrderStatusNew,
		ReduceOnly:   req.ReduceOnly,
		PositionSide: req.PositionSide,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.InsertOrder(order); err != nil {
		return types.Order{}, err
	}

	if effType == types.MARKET {
		if err := e.executeMarket(&order, sym); err != nil {
			return types.Order{}, err
		}
		mtxOrders.WithLabelValues("created").Inc()
		mtxFills.WithLabelValues("market").Inc()
		e.emitOrder(order)
		e.updateGauges()
		return order, nil
	}

	// LIMIT path: reserve, project, watch.
	if req.Exchange.IsSpot() {
		if req.Side == types.BUY {
			if _, err := e.adjustBalance(user.ID, sym.QuoteAsset.Name, -order.QuoteAmount, order.QuoteAmount); err != nil {
				return types.Order{}, err
			}
		} else {
			if _, err := e.adjustBalance(user.ID, sym.BaseAsset.Name, -order.Amount, order.Amount); err != nil {
				return types.Order{}, err
			}
		}
	}

	e.proj.PutOrder(order)
	e.watchAdd(order.Symbol, order.Exchange, order.ExternalID)

	mtxOrders.WithLabelValues("created").Inc()
	e.emitOrder(order)
	e.updateGauges()

	e.logger.Info("order booked",
		"externalId", order.ExternalID,
		"symbol", order.Symbol,
		"exchange", order.Exchange,
		"side", order.Side,
		"price", order.Price,
		"amount", order.Amount,
	)
	return order, nil
}

// checkBalance enforces the free-balance preconditions for every order
// branch. No state changes.
func (e *Engine) checkBalance(userID string, sym types.Symbol, req CreateOrderRequest, usedPrice float64, leg types.PositionSide, futures bool) error {
	if !futures {
		if req.Side == types.BUY {
			if e.store.GetBalance(userID, sym.QuoteAsset.Name).Free < req.Amount*usedPrice {
				return types.ErrInsufficientBalance
			}
			return nil
		}
		if e.store.GetBalance(userID, sym.BaseAsset.Name).Free < req.Amount {
			return types.ErrInsufficientBalance
		}
		return nil
	}

	inverse := req.Exchange.IsInverse()
	asset := marginAssetFor(sym, inverse)
	lev := e.leverageFor(userID, req.Symbol, leg)
	hedge := e.store.GetHedge(userID)

	order := types.Order{Side: req.Side, PositionSide: req.PositionSide, ReduceOnly: req.ReduceOnly}
	pos, havePos := e.proj.FindUserPosition(userID, req.Symbol, req.Exchange, leg)

	if !havePos {
		if req.ReduceOnly {
			return types.ErrReduceRejected
		}
		if e.store.GetBalance(userID, asset).Free < marginFor(sym, inverse, req.Amount, usedPrice, lev) {
			return types.ErrInsufficientBalance
		}
		return nil
	}

	if isIncreasing(hedge, &order, &pos) {
		if e.store.GetBalance(userID, asset).Free < marginFor(sym, inverse, req.Amount, usedPrice, lev) {
			return types.ErrInsufficientBalance
		}
		return nil
	}

	if req.ReduceOnly {
		return nil
	}
	need := marginFor(sym, inverse, req.Amount-pos.PositionAmt, usedPrice, lev)
	if need > 0 && e.store.GetBalance(userID, asset).Free < need {
		return types.ErrInsufficientBalance
	}
	return nil
}

// executeMarket settles a MARKET order immediately at order.Price.
func (e *Engine) executeMarket(o *types.Order, sym types.Symbol) error {
	if o.Exchange.IsSpot() {
		if err := e.settleSpotMarket(o, sym); err != nil {
			return err
		}
		applyFill(o, o.Amount, o.Price)
		return e.store.UpdateOrder(*o)
	}

	fill, err := e.settleDerivative(o, sym, o.Amount, o.Price)
	if err != nil {
		return err
	}
	applyFill(o, fill, o.Price)
	return e.store.UpdateOrder(*o)
}

// CancelOrder transitions a live order to CANCELED (or EXPIRED when expire is
// set), releasing any spot reservation. Serialized per externalId.
func (e *Engine) CancelOrder(ctx context.Context, externalID, id string, expire bool) (types.Order, error) {
	var stored types.Order
	var err error
	switch {
	case externalID != "":
		stored, err = e.store.FindOrderByExternalID(externalID)
	case id != "":
		stored, err = e.store.OrderByID(id)
	default:
		return types.Order{}, types.ErrOrderNotFound
	}
	if err != nil {
		return types.Order{}, err
	}

	var out types.Order
	err = e.locks.With(locks.UpdateOrderKey(stored.ExternalID), func() error {
		var err error
		out, err = e.cancelOrderLocked(ctx, stored.ExternalID, stored.Symbol, expire)
		return err
	})
	return out, err
}

func (e *Engine) cancelOrderLocked(ctx context.Context, externalID, symbol string, expire bool) (types.Order, error) {
	order, err := e.store.OrderByExternalID(externalID, symbol)
	if err != nil {
		return types.Order{}, err
	}
	if order.Status.IsTerminal() {
		return types.Order{}, types.ErrOrderTerminal
	}

	status := types.OrderStatusCanceled
	action := "canceled"
	if expire {
		status = types.OrderStatusExpired
		action = "expired"
	}
	order.Status = status
	order.UpdatedAt = time.Now()

	if err := e.store.UpdateOrder(order); err != nil {
		return types.Order{}, err
	}

	// Release the unfilled spot reservation.
	if order.Exchange.IsSpot() && order.Type == types.LIMIT {
		sym, err := e.symbols.Get(ctx, order.Symbol, order.Exchange)
		if err != nil {
			return types.Order{}, err
		}
		if order.Side == types.BUY {
			residual := order.QuoteAmount - order.FilledQuoteAmount
			if _, err := e.adjustBalance(order.UserID, sym.QuoteAsset.Name, residual, -residual); err != nil {
				return types.Order{}, err
			}
		} else {
			residual := order.Amount - order.FilledAmount
			if _, err := e.adjustBalance(order.UserID, sym.BaseAsset.Name, residual, -residual); err != nil {
				return types.Order{}, err
			}
		}
	}

	e.proj.RemoveOrder(order.Symbol, order.ExternalID)
	e.watchRemove(order.Symbol, order.Exchange, order.ExternalID)

	mtxOrders.WithLabelValues(action).Inc()
	e.emitOrder(order)
	e.updateGauges()
	return order, nil
}

// GetOrder fetches an order by externalId or internal id.
func (e *Engine) GetOrder(externalID, id string) (types.Order, error) {
	if externalID != "" {
		return e.store.FindOrderByExternalID(externalID)
	}
	return e.store.OrderByID(id)
}

// OpenOrders returns the user's live orders from the projection.
func (e *Engine) OpenOrders(userID string) []types.Order {
	return e.proj.OrdersByUser(userID)
}

// Positions returns the user's open positions from the projection.
func (e *Engine) Positions(userID string) []types.Position {
	return e.proj.PositionsByUser(userID)
}

// Balances returns all wallet rows for a user.
func (e *Engine) Balances(userID string) []types.Balance {
	return e.store.BalancesByUser(userID)
}

// SetLeverage updates the leverage for (user, symbol, side). Rejected while
// the row is locked by an open position.
func (e *Engine) SetLeverage(userID, symbol string, side types.PositionSide, value float64) error {
	if value < 1 {
		return fmt.Errorf("leverage must be >= 1")
	}
	if side == "" {
		side = types.PositionSideBoth
	}
	return e.locks.With(locks.LeverageKey(userID, symbol), func() error {
		row, ok := e.store.GetLeverage(userID, symbol, side)
		if ok && row.Locked {
			return types.ErrLeverageLocked
		}
		return e.store.PutLeverage(types.Leverage{
			UserID: userID, Symbol: symbol, Side: side, Leverage: value,
		})
	})
}

// SetHedge flips the user's position mode. Changing modes with open positions
// is allowed; existing positions keep their sides.
func (e *Engine) SetHedge(userID string, hedge bool) error {
	return e.store.SetHedge(userID, hedge)
}
