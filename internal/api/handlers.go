package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"papervenue/internal/engine"
	"papervenue/internal/marketdata"
	"papervenue/internal/push"
	"papervenue/pkg/types"
)

// Handlers implements the REST endpoints. Each mutating handler authenticates
// via the X-API-Key / X-API-Secret headers (or body fields for POST /order)
// and maps domain errors to 400 responses.
type Handlers struct {
	eng    *engine.Engine
	md     *marketdata.Client
	hub    *push.Hub
	logger *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHandlers creates the handler set.
func NewHandlers(eng *engine.Engine, md *marketdata.Client, hub *push.Hub, logger *slog.Logger) *Handlers {
	return &Handlers{eng: eng, md: md, hub: hub, logger: logger.With("component", "api")}
}

type apiResponse struct {
	Status string      `json:"status"` // "OK" | "NOTOK"
	Data   interface{} `json:"data,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiResponse{Status: "OK", Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if types.IsClientError(err) {
		code = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(apiResponse{Status: "NOTOK", Reason: err.Error()})
}

func (h *Handlers) authenticate(r *http.Request) (types.User, error) {
	return h.eng.Authenticate(r.Header.Get("X-API-Key"), r.Header.Get("X-API-Secret"))
}

// HandleHealth responds to liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "up"})
}

// HandleOrder routes POST (create), GET (query by externalId), and DELETE
// (cancel by externalId).
func (h *Handlers) HandleOrder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createOrder(w, r)
	case http.MethodGet:
		h.getOrder(w, r, r.URL.Query().Get("externalId"), "")
	case http.MethodDelete:
		h.cancelOrder(w, r, r.URL.Query().Get("externalId"), "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleOrderByID handles DELETE /order/byid (cancel by internal id).
func (h *Handlers) HandleOrderByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.cancelOrder(w, r, "", r.URL.Query().Get("orderId"))
}

// HandleOrderPath handles GET /order/{orderId}.
func (h *Handlers) HandleOrderPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orderID := strings.TrimPrefix(r.URL.Path, "/order/")
	h.getOrder(w, r, "", orderID)
}

func (h *Handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		req.Key = r.Header.Get("X-API-Key")
		req.Secret = r.Header.Get("X-API-Secret")
	}

	order, err := h.eng.CreateOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, order)
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request, externalID, id string) {
	if _, err := h.authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	order, err := h.eng.GetOrder(externalID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, order)
}

func (h *Handlers) cancelOrder(w http.ResponseWriter, r *http.Request, externalID, id string) {
	if _, err := h.authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	order, err := h.eng.CancelOrder(r.Context(), externalID, id, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, order)
}

// HandleOpenOrders returns the caller's live orders.
func (h *Handlers) HandleOpenOrders(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, h.eng.OpenOrders(user.ID))
}

// HandlePositions returns the caller's open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, h.eng.Positions(user.ID))
}

// HandleLeverage sets the caller's leverage for a symbol.
func (h *Handlers) HandleLeverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Symbol   string             `json:"symbol"`
		Side     types.PositionSide `json:"side"`
		Leverage float64            `json:"leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.eng.SetLeverage(user.ID, req.Symbol, req.Side, req.Leverage); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"symbol": req.Symbol, "leverage": req.Leverage})
}

// HandleHedge flips the caller's position mode.
func (h *Handlers) HandleHedge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Hedge bool `json:"hedge"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.eng.SetHedge(user.ID, req.Hedge); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]bool{"hedge": req.Hedge})
}

// HandleBalance returns the caller's wallet rows.
func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, h.eng.Balances(user.ID))
}

// HandleExchange proxies market-data reads (symbols, candles, trades, prices)
// to the aggregator.
func (h *Handlers) HandleExchange(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/exchange/")
	params := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	var data interface{}
	var err error
	switch path {
	case "all":
		data, err = h.md.AllSymbols(r.Context(), types.Exchange(params["exchange"]))
	case "info", "":
		data, err = h.md.SymbolInfo(r.Context(), params["symbol"], types.Exchange(params["exchange"]))
	case "latestPrice":
		data, err = h.md.LatestPrice(r.Context(), params["symbol"], types.Exchange(params["exchange"]))
	case "candles":
		data, err = h.md.Candles(r.Context(), params)
	case "trades":
		data, err = h.md.Trades(r.Context(), params)
	case "prices":
		data, err = h.md.Prices(r.Context(), params)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, data)
}

// HandleStream upgrades to the per-user push websocket carrying the order and
// outboundAccountInfo topics.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	secret := r.URL.Query().Get("secret")
	if key == "" {
		key = r.Header.Get("X-API-Key")
		secret = r.Header.Get("X-API-Secret")
	}
	user, err := h.eng.Authenticate(key, secret)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.hub.Attach(user.ID, conn)
}
