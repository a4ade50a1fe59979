package engine

import "sync"

// WatchSet tracks which symbol@exchange keys the engine needs ticks for and
// which holders (order externalIds and position uuids) depend on each. The
// first holder added for a key subscribes the pub/sub channel; removing the
// last unsubscribes it. The transitions are reported to the caller, who owns
// the actual subscribe/unsubscribe calls.
type WatchSet struct {
	mu      sync.Mutex
	holders map[string]map[string]bool // symbol@exchange → holder ids
}

// NewWatchSet creates an empty watch set.
func NewWatchSet() *WatchSet {
	return &WatchSet{holders: make(map[string]map[string]bool)}
}

// Add registers a holder for a key. Returns true if this was the key's first
// holder, meaning the channel must be subscribed.
func (w *WatchSet) Add(key, holderID string) (first bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.holders[key]
	if !ok {
		set = make(map[string]bool)
		w.holders[key] = set
	}
	first = len(set) == 0
	set[holderID] = true
	return first
}

// Remove drops a holder from a key. Returns true if the key's set became
// empty, meaning the channel must be unsubscribed.
func (w *WatchSet) Remove(key, holderID string) (empty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.holders[key]
	if !ok {
		return false
	}
	delete(set, holderID)
	if len(set) == 0 {
		delete(w.holders, key)
		return true
	}
	return false
}

// Has reports whether a holder is registered for a key.
func (w *WatchSet) Has(key, holderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holders[key][holderID]
}

// Keys returns all watched keys.
func (w *WatchSet) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.holders))
	for k := range w.holders {
		keys = append(keys, k)
	}
	return keys
}
