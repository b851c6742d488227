// Package metrics exposes prometheus collectors for the trading core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExitsTriggered counts exit triggers by reason.
var ExitsTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "exit",
		Name:      "triggers_total",
		Help:      "Total number of exit triggers by reason",
	},
	[]string{"pair", "reason"},
)

// ExitsBlocked counts exit candidates rejected by the fee gate.
var ExitsBlocked = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "exit",
		Name:      "fee_gate_blocked_total",
		Help:      "Exit candidates blocked by the fee gate",
	},
	[]string{"pair", "reason"},
)

// SellFailures counts sells rejected or failed by the exchange.
var SellFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "exit",
		Name:      "sell_failures_total",
		Help:      "Sell orders rejected or failed by the exchange",
	},
	[]string{"pair"},
)

// ReconcileOutcomes counts balance reconciliation outcomes.
var ReconcileOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "exit",
		Name:      "reconcile_outcomes_total",
		Help:      "Balance drift reconciliation outcomes (absorbed, shrunk, orphan_deleted, external)",
	},
	[]string{"outcome"},
)

// FillsApplied counts fills applied by fill watchers.
var FillsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "fills",
		Name:      "applied_total",
		Help:      "Exchange fills applied to positions",
	},
	[]string{"pair", "source"},
)

// FillsRejected counts fills discarded by the corruption guard.
var FillsRejected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "fills",
		Name:      "rejected_total",
		Help:      "Fills discarded for non-finite or non-positive price/amount",
	},
)

// WatcherOutcomes counts fill watcher terminal outcomes.
var WatcherOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "fills",
		Name:      "watcher_outcomes_total",
		Help:      "Fill watcher terminal outcomes (open, late_fill, failed, cancelled)",
	},
	[]string{"outcome"},
)

// LotMatchesRecorded counts FIFO match rows recorded.
var LotMatchesRecorded = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "fifo",
		Name:      "matches_total",
		Help:      "Lot match ledger rows recorded",
	},
)

// OrphanQtyTotal accumulates sold quantity with no matching entry cost.
var OrphanQtyTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "fifo",
		Name:      "orphan_qty_total",
		Help:      "Accumulated sold quantity with no matching open lot",
	},
)

// RealizedPnl accumulates realized net P&L in quote currency.
var RealizedPnl = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "fifo",
		Name:      "realized_pnl_quote",
		Help:      "Realized net P&L by pair and sign",
	},
	[]string{"pair", "sign"},
)

// OrdersPlaced counts orders sent to the exchange.
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "krakenbot",
		Subsystem: "execution",
		Name:      "orders_placed_total",
		Help:      "Orders sent to the exchange by pair and side",
	},
	[]string{"pair", "side"},
)

// TickDuration observes the exit evaluation tick duration.
var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "krakenbot",
		Subsystem: "exit",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one full exit evaluation tick",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

// OpenLots tracks the number of open lots in the store.
var OpenLots = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "krakenbot",
		Subsystem: "store",
		Name:      "open_lots",
		Help:      "Open lots currently held in the position store",
	},
)
