package engine

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics the engine updates during operation:
//   - venue_ticks_total{result}   — ticks accepted vs dropped (by filter)
//   - venue_orders_total{action}  — orders created / canceled / expired
//   - venue_fills_total{kind}     — limit fills and market executions
//   - venue_liquidations_total    — forced position closes
//   - venue_open_orders           — live limit orders in the projection
//   - venue_open_positions        — live positions in the projection
//
// Registered in init() and served by the API server at /metrics.
var (
	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_ticks_total",
			Help: "Ticker updates by intake result",
		},
		[]string{"result"}, // accepted|stale|out_of_order|duplicate
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_orders_total",
			Help: "Order lifecycle actions",
		},
		[]string{"action"}, // created|canceled|expired
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_fills_total",
			Help: "Executions by kind",
		},
		[]string{"kind"}, // market|limit|partial
	)

	mtxLiquidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_liquidations_total",
			Help: "Forced position closes",
		},
	)

	gaugeOpenOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "venue_open_orders",
			Help: "Live limit orders in the projection",
		},
	)

	gaugeOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "venue_open_positions",
			Help: "Live positions in the projection",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxTicks,
		mtxOrders,
		mtxFills,
		mtxLiquidations,
		gaugeOpenOrders,
		gaugeOpenPositions,
	)
}

func (e *Engine) updateGauges() {
	gaugeOpenOrders.Set(float64(e.proj.OrderCount()))
	gaugeOpenPositions.Set(float64(e.proj.PositionCount()))
}
