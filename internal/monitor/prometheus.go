package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botcore_cycles_total",
			Help: "Analysis cycles by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botcore_cycle_duration_seconds",
			Help:    "Duration of one analysis cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"symbol"},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botcore_signals_total",
			Help: "Signals emitted by the rule engine",
		},
		[]string{"symbol", "action"},
	)

	riskDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botcore_risk_denials_total",
			Help: "Entries denied by the risk gate",
		},
		[]string{"symbol"},
	)

	advisorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botcore_advisor_outcomes_total",
			Help: "Advisor consultations by outcome",
		},
		[]string{"outcome"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botcore_order_events_total",
			Help: "Execution events by type",
		},
		[]string{"symbol", "type"},
	)

	tradePnL = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botcore_trade_pnl",
			Help:    "Net P&L of closed trades",
			Buckets: []float64{-100, -10, -1, 0, 1, 10, 100},
		},
		[]string{"symbol", "side"},
	)

	currentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "botcore_current_price",
			Help: "Last observed price per symbol",
		},
		[]string{"symbol"},
	)

	// BotsRunning is the number of live bot instances.
	BotsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "botcore_bots_running",
		Help: "Running bot instances",
	})

	unhealthyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botcore_unhealthy_total",
			Help: "Health-check flags by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(riskDenialsTotal)
	prometheus.MustRegister(advisorTotal)
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(tradePnL)
	prometheus.MustRegister(currentPrice)
	prometheus.MustRegister(BotsRunning)
	prometheus.MustRegister(unhealthyTotal)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records one cycle; outcome is ok, skipped or failed.
func RecordCycle(symbol, outcome string, seconds float64) {
	cyclesTotal.WithLabelValues(symbol, outcome).Inc()
	cycleDuration.WithLabelValues(symbol).Observe(seconds)
}

// RecordSignal counts an emitted signal.
func RecordSignal(symbol, action string) {
	signalsTotal.WithLabelValues(symbol, action).Inc()
}

// RecordDenial counts a risk denial.
func RecordDenial(symbol string) {
	riskDenialsTotal.WithLabelValues(symbol).Inc()
}

// RecordAdvisor counts an advisor outcome.
func RecordAdvisor(outcome string) {
	advisorTotal.WithLabelValues(outcome).Inc()
}

// RecordOrderEvent counts an execution event.
func RecordOrderEvent(symbol, typ string) {
	ordersTotal.WithLabelValues(symbol, typ).Inc()
}

// RecordTrade observes a closed trade.
func RecordTrade(symbol, side string, pnl float64) {
	tradePnL.WithLabelValues(symbol, side).Observe(pnl)
}

// UpdatePrice sets the last observed price.
func UpdatePrice(symbol string, price float64) {
	currentPrice.WithLabelValues(symbol).Set(price)
}

// RecordUnhealthy counts a health-check flag.
func RecordUnhealthy(reason string) {
	unhealthyTotal.WithLabelValues(reason).Inc()
}
