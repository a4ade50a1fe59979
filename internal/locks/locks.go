// Package locks provides a named-lock manager.
//
// Every mutation path that touches the projection, balances, or positions is
// serialized under a named lock: CreateOrder (key‖secret‖symbol‖exchange),
// UpdateOrder (externalId), Ticker (exchange), and Common (leverage per
// user+symbol, position close per uuid). Locks are waiting with no fairness
// guarantee. Nesting order is {UpdateOrder|CreateOrder|Ticker} → Common, and
// Common locks are innermost. The one nesting inside Common is liquidation,
// which holds a position lock while settlement takes the leverage lock.
package locks

import "sync"

// Lock name prefixes. Callers build full keys via the helper functions so the
// families cannot collide.
const (
	prefixCreateOrder = "createOrder:"
	prefixUpdateOrder = "updateOrder:"
	prefixTicker      = "ticker:"
	prefixCommon      = "common:"
)

// Manager hands out one mutex per key. Entries are reference-counted and
// removed when the last waiter releases, so the map does not grow with the
// universe of historical keys.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// With runs fn while holding the named lock, waiting if another holder is
// active. The lock is released even if fn panics.
func (m *Manager) With(key string, fn func() error) error {
	e := m.acquire(key)
	defer m.release(key, e)
	return fn()
}

func (m *Manager) acquire(key string) *entry {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return e
}

func (m *Manager) release(key string, e *entry) {
	e.mu.Unlock()

	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// CreateOrderKey serializes createOrder for one credential + symbol + exchange.
func CreateOrderKey(key, secret, symbol, exchange string) string {
	return prefixCreateOrder + key + "|" + secret + "|" + symbol + "|" + exchange
}

// UpdateOrderKey serializes cancel and fill paths for one order.
func UpdateOrderKey(externalID string) string {
	return prefixUpdateOrder + externalID
}

// TickerKey serializes tick-batch processing per exchange.
func TickerKey(exchange string) string {
	return prefixTicker + exchange
}

// LeverageKey serializes leverage lock/unlock per user and symbol.
func LeverageKey(userID, symbol string) string {
	return prefixCommon + "leverage:" + userID + "|" + symbol
}

// PositionKey serializes close/liquidate per position uuid.
func PositionKey(uuid string) string {
	return prefixCommon + "position:" + uuid
}
