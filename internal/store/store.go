// Package store provides crash-safe persistence for all durable venue state.
//
// Each collection (users, orders, positions, wallets, leverage, hedge) is one
// JSON file in the data directory. Writes use atomic file replacement (write
// to .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save. The in-memory projection is rebuilt from these files at startup;
// the store itself is the durable truth.
//
// Uniqueness keys: orders (externalId, symbol); positions (uuid); wallets
// (user, asset); leverage (user, symbol, side); hedge (user).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"papervenue/pkg/types"
)

// Store persists all venue collections to JSON files in a directory.
// All operations are mutex-protected to prevent concurrent file corruption;
// semantic serialization (per order, per user+symbol) is the lock manager's
// job, not the store's.
type Store struct {
	dir string
	mu  sync.Mutex

	users     map[string]types.User      // id → user
	credIndex map[string]string          // key|secret → id
	orders    map[string]types.Order     // externalId|symbol → order
	orderIDs  map[string]string          // _id → externalId|symbol
	positions map[string]types.Position  // uuid → position
	wallets   map[string]types.Balance   // userId|asset → balance
	leverage  map[string]types.Leverage  // userId|symbol|side → leverage
	hedge     map[string]types.HedgeMode // userId → hedge mode
}

// Open loads (or initializes) a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		users:     make(map[string]types.User),
		credIndex: make(map[string]string),
		orders:    make(map[string]types.Order),
		orderIDs:  make(map[string]string),
		positions: make(map[string]types.Position),
		wallets:   make(map[string]types.Balance),
		leverage:  make(map[string]types.Leverage),
		hedge:     make(map[string]types.HedgeMode),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error { return nil }

func orderKey(externalID, symbol string) string { return externalID + "|" + symbol }
func walletKey(userID, asset string) string     { return userID + "|" + asset }
func leverageKey(userID, symbol string, side types.PositionSide) string {
	return userID + "|" + symbol + "|" + string(side)
}

// ———— users ————

// UserByCredentials resolves (key, secret) to a user record.
func (s *Store) UserByCredentials(key, secret string) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.credIndex[key+"|"+secret]
	if !ok {
		return types.User{}, types.ErrUserNotFound
	}
	return s.users[id], nil
}

// UserExists reports whether a user id is present in the credential store.
func (s *Store) UserExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	return ok
}

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(u types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[u.ID]; ok {
		delete(s.credIndex, old.Key+"|"+old.Secret)
	}
	s.users[u.ID] = u
	s.credIndex[u.Key+"|"+u.Secret] = u.ID
	return s.save("users.json", s.users)
}

// ———— orders ————

// InsertOrder persists a new order, enforcing (externalId, symbol) uniqueness.
func (s *Store) InsertOrder(o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(o.ExternalID, o.Symbol)
	if _, ok := s.orders[k]; ok {
		return types.ErrDuplicateOrder
	}
	s.orders[k] = o
	s.orderIDs[o.ID] = k
	return s.save("orders.json", s.orders)
}

// UpdateOrder replaces a persisted order record.
func (s *Store) UpdateOrder(o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(o.ExternalID, o.Symbol)
	if _, ok := s.orders[k]; !ok {
		return types.ErrOrderNotFound
	}
	s.orders[k] = o
	return s.save("orders.json", s.orders)
}

// OrderByExternalID fetches an order by its (externalId, symbol) key.
func (s *Store) OrderByExternalID(externalID, symbol string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderKey(externalID, symbol)]
	if !ok {
		return types.Order{}, types.ErrOrderNotFound
	}
	return o, nil
}

// FindOrderByExternalID fetches an order by externalId alone, scanning
// symbols. Used by the cancel path where the caller supplies no symbol.
func (s *Store) FindOrderByExternalID(externalID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ExternalID == externalID {
			return o, nil
		}
	}
	return types.Order{}, types.ErrOrderNotFound
}

// OrderByID fetches an order by its internal _id.
func (s *Store) OrderByID(id string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.orderIDs[id]
	if !ok {
		return types.Order{}, types.ErrOrderNotFound
	}
	return s.orders[k], nil
}

// OpenLimitOrders returns all live limit orders, for projection rebuild.
func (s *Store) OpenLimitOrders() []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.Type == types.LIMIT && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// OrdersByUser returns every order owned by a user.
func (s *Store) OrdersByUser(userID string) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// ———— positions ————

// InsertPosition persists a new position, enforcing uuid uniqueness.
func (s *Store) InsertPosition(p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.UUID]; ok {
		return fmt.Errorf("duplicate position uuid %s", p.UUID)
	}
	s.positions[p.UUID] = p
	return s.save("positions.json", s.positions)
}

// UpdatePosition replaces a persisted position record.
func (s *Store) UpdatePosition(p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.UUID]; !ok {
		return types.ErrPositionNotFound
	}
	s.positions[p.UUID] = p
	return s.save("positions.json", s.positions)
}

// PositionByUUID fetches a position by uuid.
func (s *Store) PositionByUUID(uuid string) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[uuid]
	if !ok {
		return types.Position{}, types.ErrPositionNotFound
	}
	return p, nil
}

// OpenPositions returns all positions with status NEW, for projection rebuild.
func (s *Store) OpenPositions() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, p := range s.positions {
		if p.Status == types.PositionStatusNew {
			out = append(out, p)
		}
	}
	return out
}

// PositionsByUser returns every position owned by a user.
func (s *Store) PositionsByUser(userID string) []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// ———— wallets ————

// GetBalance returns the wallet row for (user, asset), zero-valued if absent.
func (s *Store) GetBalance(userID, asset string) types.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.wallets[walletKey(userID, asset)]
	if !ok {
		return types.Balance{UserID: userID, Asset: asset}
	}
	return b
}

// PutBalance writes one wallet row (atomic per row).
func (s *Store) PutBalance(b types.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[walletKey(b.UserID, b.Asset)] = b
	return s.save("wallets.json", s.wallets)
}

// BalancesByUser returns all wallet rows for a user.
func (s *Store) BalancesByUser(userID string) []types.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Balance
	for _, b := range s.wallets {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out
}

// AllBalances returns every wallet row, for startup reconciliation.
func (s *Store) AllBalances() []types.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Balance, 0, len(s.wallets))
	for _, b := range s.wallets {
		out = append(out, b)
	}
	return out
}

// ———— leverage ————

// GetLeverage returns the leverage row for (user, symbol, side) and whether
// it exists.
func (s *Store) GetLeverage(userID, symbol string, side types.PositionSide) (types.Leverage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leverage[leverageKey(userID, symbol, side)]
	return l, ok
}

// PutLeverage inserts or replaces a leverage row.
func (s *Store) PutLeverage(l types.Leverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverage[leverageKey(l.UserID, l.Symbol, l.Side)] = l
	return s.save("leverage.json", s.leverage)
}

// DeleteLeverage removes a leverage row; used by the startup side backfill
// when a legacy side-less row is split.
func (s *Store) DeleteLeverage(userID, symbol string, side types.PositionSide) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leverage, leverageKey(userID, symbol, side))
	return s.save("leverage.json", s.leverage)
}

// AllLeverage returns every leverage row, for startup backfill.
func (s *Store) AllLeverage() []types.Leverage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Leverage, 0, len(s.leverage))
	for _, l := range s.leverage {
		out = append(out, l)
	}
	return out
}

// ———— hedge ————

// GetHedge returns the hedge mode for a user (false if never set).
func (s *Store) GetHedge(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hedge[userID].Hedge
}

// SetHedge writes the hedge mode for a user.
func (s *Store) SetHedge(userID string, hedge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hedge[userID] = types.HedgeMode{UserID: userID, Hedge: hedge}
	return s.save("hedge.json", s.hedge)
}

// ———— persistence plumbing ————

// save atomically writes one collection file. Caller holds s.mu.
func (s *Store) save(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadAll() error {
	if err := s.load("users.json", &s.users); err != nil {
		return err
	}
	for id, u := range s.users {
		s.credIndex[u.Key+"|"+u.Secret] = id
	}
	if err := s.load("orders.json", &s.orders); err != nil {
		return err
	}
	for k, o := range s.orders {
		s.orderIDs[o.ID] = k
	}
	if err := s.load("positions.json", &s.positions); err != nil {
		return err
	}
	if err := s.load("wallets.json", &s.wallets); err != nil {
		return err
	}
	if err := s.load("leverage.json", &s.leverage); err != nil {
		return err
	}
	return s.load("hedge.json", &s.hedge)
}

func (s *Store) load(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
