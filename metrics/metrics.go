// Package metrics holds the Prometheus collectors updated by the engine,
// guardian, liquidator and gateway wrapper.
//
//   - ibkr_engine_state{symbol}              – numeric engine state (see strategy.State)
//   - ibkr_stop_replacements_total{symbol}   – protective stop cancel/replace pairs
//   - ibkr_guardian_cycles_total             – completed guardian cycles
//   - ibkr_guardian_breaches_total{check}    – breaches by check name
//   - ibkr_guardian_checks_skipped_total{check} – checks skipped on read error
//   - ibkr_liquidations_total{result}        – flatten_all runs (ok|noop|unresolved)
//   - ibkr_orders_total{type,action}         – orders handed to the gateway
//   - ibkr_gateway_errors_total{op}          – gateway call failures after retries
//
// They are registered in init() and served at /metrics by the monitor package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ibkr_engine_state",
			Help: "Scaled entry engine state (0=idle,1=placing,2=monitoring,3=closing,4=done,5=failed)",
		},
		[]string{"symbol"},
	)

	stopReplacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibkr_stop_replacements_total",
			Help: "Protective stop cancel and replace pairs",
		},
		[]string{"symbol"},
	)

	guardianCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ibkr_guardian_cycles_total",
			Help: "Completed guardian cycles",
		},
	)

	guardianBreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibkr_guardian_breaches_total",
			Help: "Risk limit breaches by check",
		},
		[]string{"check"},
	)

	guardianSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibkr_guardian_checks_skipped_total",
			Help: "Checks skipped because their broker read failed",
		},
		[]string{"check"},
	)

	liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibkr_liquidations_total",
			Help: "Flatten-all runs by result",
		},
		[]string{"result"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibkr_orders_total",
			Help: "Orders handed to the gateway",
		},
		[]string{"type", "action"},
	)

	gatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibkr_gateway_errors_total",
			Help: "Gateway calls that failed after retries",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		engineState, stopReplacements,
		guardianCycles, guardianBreaches, guardianSkipped,
		liquidations, orders, gatewayErrors,
	)
}

func SetEngineState(symbol string, state int) { engineState.WithLabelValues(symbol).Set(float64(state)) }
func IncStopReplacement(symbol string)        { stopReplacements.WithLabelValues(symbol).Inc() }
func IncGuardianCycle()                       { guardianCycles.Inc() }
func IncBreach(check string)                  { guardianBreaches.WithLabelValues(check).Inc() }
func IncCheckSkipped(check string)            { guardianSkipped.WithLabelValues(check).Inc() }
func IncLiquidation(result string)            { liquidations.WithLabelValues(result).Inc() }
func IncOrder(orderType, action string)       { orders.WithLabelValues(orderType, action).Inc() }
func IncGatewayError(op string)               { gatewayErrors.WithLabelValues(op).Inc() }
