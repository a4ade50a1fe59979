package push

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"papervenue/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialHub(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Attach(userID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishReachesUserConnection(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger())
	conn := dialHub(t, hub, "u1")

	// Attach happens on the server goroutine; give it a beat.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.clients["u1"])
		hub.mu.RUnlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish("u1", types.OrderUpdate(types.Order{ExternalID: "x1", Symbol: "BTCUSDT"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var evt types.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if evt.Topic != types.TopicOrder || evt.Type != "update" {
		t.Errorf("event = %+v", evt)
	}
}

func TestPublishToUnknownUserIsNoOp(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger())
	// No connections: must not panic or block.
	hub.Publish("ghost", types.ErrorEvent(types.TopicOrder, "nope"))
}
