// feed.go implements the websocket subscriber for the aggregator's ticker
// pub/sub. Channels are named trade@<symbol>@<exchange>; payloads are Ticker
// JSON objects whose numeric fields may arrive quoted.
//
// The feed auto-reconnects with fixed 3 s attempts (capped at 1000) and
// replays the full subscription set after every reconnect. If resubscription
// keeps failing it tears the connection down after 15 attempts and dials
// fresh.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"papervenue/pkg/types"
)

const (
	reconnectWait       = 3 * time.Second
	maxReconnects       = 1000
	maxResubscribeTries = 15
	feedWriteTimeout    = 10 * time.Second
	feedReadTimeout     = 90 * time.Second
	tickBufferSize      = 512
)

// subscribeMsg is the control message for channel membership changes.
type subscribeMsg struct {
	Operation string   `json:"operation"` // "subscribe" | "unsubscribe"
	Channels  []string `json:"channels"`
}

// Feed manages the ticker pub/sub connection. It tracks subscribed channels
// for replay on reconnect and delivers decoded ticks on Ticks().
type Feed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // channel name → true

	tickCh chan types.Ticker
}

// NewFeed creates a ticker feed for the given websocket URL.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		logger:     logger.With("component", "ticker_feed"),
		subscribed: make(map[string]bool),
		tickCh:     make(chan types.Ticker, tickBufferSize),
	}
}

// Ticks returns the read-only channel of decoded ticker updates.
func (f *Feed) Ticks() <-chan types.Ticker { return f.tickCh }

// Run connects and maintains the pub/sub connection. Blocks until ctx is
// cancelled or the reconnect budget is exhausted.
func (f *Feed) Run(ctx context.Context) error {
	for attempt := 0; attempt < maxReconnects; attempt++ {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("pub/sub disconnected, reconnecting",
			"error", err,
			"attempt", attempt+1,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectWait):
		}
	}
	return fmt.Errorf("pub/sub reconnect budget exhausted after %d attempts", maxReconnects)
}

// Subscribe adds channels and announces them on the live connection. The
// membership is recorded first so a racing reconnect replays it.
func (f *Feed) Subscribe(channels ...string) error {
	f.subscribedMu.Lock()
	for _, ch := range channels {
		f.subscribed[ch] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Channels: channels})
}

// Unsubscribe removes channels from the membership and the live connection.
func (f *Feed) Unsubscribe(channels ...string) error {
	f.subscribedMu.Lock()
	for _, ch := range channels {
		delete(f.subscribed, ch)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Channels: channels})
}

// Close closes the live connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return err
	}

	f.logger.Info("pub/sub connected", "url", f.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

// resubscribeAll replays the tracked channel set after a reconnect. Failing
// 15 times in a row abandons this connection so Run dials a fresh one.
func (f *Feed) resubscribeAll() error {
	f.subscribedMu.RLock()
	channels := make([]string, 0, len(f.subscribed))
	for ch := range f.subscribed {
		channels = append(channels, ch)
	}
	f.subscribedMu.RUnlock()

	if len(channels) == 0 {
		return nil
	}

	var err error
	for i := 0; i < maxResubscribeTries; i++ {
		err = f.writeJSON(subscribeMsg{Operation: "subscribe", Channels: channels})
		if err == nil {
			return nil
		}
		f.logger.Warn("resubscribe failed", "error", err, "attempt", i+1)
	}
	return fmt.Errorf("resubscribe: %w", err)
}

func (f *Feed) dispatch(data []byte) {
	var tick types.Ticker
	if err := json.Unmarshal(data, &tick); err != nil {
		f.logger.Debug("ignoring non-ticker message", "error", err)
		return
	}
	if tick.Symbol == "" || tick.Exchange == "" {
		return
	}

	select {
	case f.tickCh <- tick:
	default:
		f.logger.Warn("tick channel full, dropping tick",
			"symbol", tick.Symbol, "exchange", tick.Exchange)
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("pub/sub not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}
