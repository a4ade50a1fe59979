// Package engine implements the matching and settlement core of the paper
// trading venue: the in-memory projection of open orders and positions, the
// watch set that drives pub/sub membership, ticker intake, the per-tick
// matching scan, the order lifecycle state machine, and spot/derivatives
// settlement.
package engine

import (
	"sync"

	"papervenue/pkg/types"
)

// Projection is the in-memory primary index for matching: open limit orders
// by (symbol → externalId) and open positions by (symbol → uuid). It is a
// pure data structure; reads return copies and writes replace whole records.
// Durable truth lives in the store; the projection is rebuilt from it at
// startup.
type Projection struct {
	mu        sync.RWMutex
	orders    map[string]map[string]types.Order    // symbol → externalId → order
	positions map[string]map[string]types.Position // symbol → uuid → position
}

// NewProjection creates an empty projection.
func NewProjection() *Projection {
	return &Projection{
		orders:    make(map[string]map[string]types.Order),
		positions: make(map[string]map[string]types.Position),
	}
}

// GetOrder returns the open order for (symbol, externalId).
func (p *Projection) GetOrder(symbol, externalID string) (types.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[symbol][externalID]
	return o, ok
}

// GetOrderByID scans for an order by its internal _id. Linear; the _id lookup
// is a convenience path, not the matching index.
func (p *Projection) GetOrderByID(id string) (types.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, bySymbol := range p.orders {
		for _, o := range bySymbol {
			if o.ID == id {
				return o, true
			}
		}
	}
	return types.Order{}, false
}

// PutOrder inserts or replaces an open order.
func (p *Projection) PutOrder(o types.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.orders[o.Symbol] == nil {
		p.orders[o.Symbol] = make(map[string]types.Order)
	}
	p.orders[o.Symbol][o.ExternalID] = o
}

// RemoveOrder deletes an order from the projection. Removal happens
// atomically with the transition to a terminal status.
func (p *Projection) RemoveOrder(symbol, externalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders[symbol], externalID)
	if len(p.orders[symbol]) == 0 {
		delete(p.orders, symbol)
	}
}

// OrdersBySymbol returns copies of the open orders for a symbol on one
// exchange.
func (p *Projection) OrdersBySymbol(symbol string, exchange types.Exchange) []types.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []types.Order
	for _, o := range p.orders[symbol] {
		if o.Exchange == exchange {
			out = append(out, o)
		}
	}
	return out
}

// OrdersByUser returns copies of every open order owned by a user.
func (p *Projection) OrdersByUser(userID string) []types.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []types.Order
	for _, bySymbol := range p.orders {
		for _, o := range bySymbol {
			if o.UserID == userID {
				out = append(out, o)
			}
		}
	}
	return out
}

// OrderCount returns the number of live orders in the projection.
func (p *Projection) OrderCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, bySymbol := range p.orders {
		n += len(bySymbol)
	}
	return n
}

// GetPosition returns the open position for (symbol, uuid).
func (p *Projection) GetPosition(symbol, uuid string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol][uuid]
	return pos, ok
}

// PutPosition inserts or replaces an open position.
func (p *Projection) PutPosition(pos types.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.positions[pos.Symbol] == nil {
		p.positions[pos.Symbol] = make(map[string]types.Position)
	}
	p.positions[pos.Symbol][pos.UUID] = pos
}

// RemovePosition deletes a position from the projection.
func (p *Projection) RemovePosition(symbol, uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions[symbol], uuid)
	if len(p.positions[symbol]) == 0 {
		delete(p.positions, symbol)
	}
}

// PositionsBySymbol returns copies of the open positions for a symbol on one
// exchange.
func (p *Projection) PositionsBySymbol(symbol string, exchange types.Exchange) []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []types.Position
	for _, pos := range p.positions[symbol] {
		if pos.Exchange == exchange {
			out = append(out, pos)
		}
	}
	return out
}

// PositionsByUser returns copies of every open position owned by a user.
func (p *Projection) PositionsByUser(userID string) []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []types.Position
	for _, bySymbol := range p.positions {
		for _, pos := range bySymbol {
			if pos.UserID == userID {
				out = append(out, pos)
			}
		}
	}
	return out
}

// FindUserPosition returns the user's open position on (symbol, exchange)
// matching the given leg. In hedge mode leg is LONG or SHORT; in one-way mode
// leg is BOTH and any open position for the key matches.
func (p *Projection) FindUserPosition(userID, symbol string, exchange types.Exchange, leg types.PositionSide) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pos := range p.positions[symbol] {
		if pos.UserID != userID || pos.Exchange != exchange {
			continue
		}
		if leg == types.PositionSideBoth || pos.PositionSide == leg {
			return pos, true
		}
	}
	return types.Position{}, false
}

// PositionCount returns the number of live positions in the projection.
func (p *Projection) PositionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, bySymbol := range p.positions {
		n += len(bySymbol)
	}
	return n
}
