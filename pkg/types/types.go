// Package types defines the shared data structures of the paper trading venue.
//
// This package is the common vocabulary across all layers: orders, positions,
// wallet balances, symbols, and push events. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds. A LIMIT order whose price
// crosses the current quote at submission is promoted to MARKET (marketable
// limit) and executes immediately.
type OrderType string

const (
	LIMIT  OrderType = "LIMIT"
	MARKET OrderType = "MARKET"
)

// OrderStatus is the order lifecycle state.
//
//	NEW ────────────────────────► FILLED
//	 │                              ▲
//	 ├──► PARTIALLY_FILLED ─────────┘
//	 │             │
//	 └──► CANCELED / EXPIRED ◄───┘
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer transition.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}

// PositionSide identifies which leg of a derivatives position an order acts on.
// In one-way mode every position is BOTH; in hedge mode LONG and SHORT legs
// exist independently.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// PositionStatus is the derivatives position lifecycle state.
type PositionStatus string

const (
	PositionStatusNew    PositionStatus = "NEW"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// Asset describes one leg of a trading pair. For inverse contracts the quote
// asset's MinAmount doubles as the contract size in quote units.
type Asset struct {
	Name      string  `json:"name"`
	MinAmount float64 `json:"minAmount"`
	Step      float64 `json:"step,omitempty"`
}

// Symbol is the immutable per-symbol parameter set, cached with a TTL.
type Symbol struct {
	Pair           string   `json:"pair"`
	Exchange       Exchange `json:"exchange"`
	BaseAsset      Asset    `json:"baseAsset"`
	QuoteAsset     Asset    `json:"quoteAsset"`
	PricePrecision int      `json:"priceAssetPrecision"`
	MaxOrders      int      `json:"maxOrders"`
}

// ContractSize returns the quote-unit contract size for inverse symbols.
func (s Symbol) ContractSize() float64 { return s.QuoteAsset.MinAmount }

// Order is a spot or derivatives order.
// Uniqueness: (ExternalID, Symbol) is globally unique.
// Invariant: 0 ≤ FilledAmount ≤ Amount.
type Order struct {
	ID                string       `json:"_id"`
	ExternalID        string       `json:"externalId"`
	UserID            string       `json:"userId"`
	Symbol            string       `json:"symbol"`
	Exchange          Exchange     `json:"exchange"`
	Side              Side         `json:"side"`
	Type              OrderType    `json:"type"`
	Price             float64      `json:"price"`
	Amount            float64      `json:"amount"`
	QuoteAmount       float64      `json:"quoteAmount"`
	FilledAmount      float64      `json:"filledAmount"`
	FilledQuoteAmount float64      `json:"filledQuoteAmount"`
	AvgFilledPrice    float64      `json:"avgFilledPrice"`
	Fee               float64      `json:"fee"`
	FeePerc           float64      `json:"feePerc"`
	Status            OrderStatus  `json:"status"`
	ReduceOnly        bool         `json:"reduceOnly,omitempty"`
	PositionSide      PositionSide `json:"positionSide,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 { return o.Amount - o.FilledAmount }

// Position is an open or closed derivatives position.
// Invariant: while NEW, PositionAmt > 0 and Margin > 0.
type Position struct {
	UUID             string         `json:"uuid"`
	UserID           string         `json:"userId"`
	Symbol           string         `json:"symbol"`
	Exchange         Exchange       `json:"exchange"`
	PositionSide     PositionSide   `json:"positionSide"`
	PositionAmt      float64        `json:"positionAmt"`
	EntryPrice       float64        `json:"entryPrice"`
	Margin           float64        `json:"margin"`
	LiquidationPrice float64        `json:"liquidationPrice"`
	Leverage         float64        `json:"leverage"`
	Profit           float64        `json:"profit"`
	Fee              float64        `json:"fee"`
	Status           PositionStatus `json:"status"`
	ClosePrice       float64        `json:"closePrice,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Direction returns +1 for a LONG position and -1 for a SHORT one. One-way
// (BOTH-mode) positions are stored with the side of the order that opened
// them, so a live position is always LONG or SHORT here.
func (p Position) Direction() float64 {
	if p.PositionSide == PositionSideShort {
		return -1
	}
	return 1
}

// Balance is one wallet row. Free + Locked is the user's real holding; Locked
// equals the sum of spot limit-order reservations and open-position margins
// for the asset.
type Balance struct {
	UserID string  `json:"userId"`
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Leverage is the per-(user, symbol, side) leverage record. Locked is true
// while any open position exists for the key; leverage cannot change while
// locked.
type Leverage struct {
	UserID   string       `json:"userId"`
	Symbol   string       `json:"symbol"`
	Side     PositionSide `json:"side"`
	Leverage float64      `json:"leverage"`
	Locked   bool         `json:"locked"`
}

// HedgeMode is the per-user position mode. When Hedge is true derivatives
// orders must carry an explicit LONG or SHORT position side.
type HedgeMode struct {
	UserID string `json:"userId"`
	Hedge  bool   `json:"hedge"`
}

// User is a credential-store record resolving (key, secret) to a user id.
type User struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// ChannelName returns the pub/sub channel for a symbol on an exchange,
// trade@<symbol>@<exchange>.
func ChannelName(symbol string, exchange Exchange) string {
	return fmt.Sprintf("trade@%s@%s", symbol, exchange)
}

// WatchKey returns the symbol@exchange key used by the watch set and the
// symbol price map.
func WatchKey(symbol string, exchange Exchange) string {
	return symbol + "@" + string(exchange)
}
