// Package metrics exposes the execution core's prometheus signals on a
// private registry via promauto.With(Registry) per-namespace
// gauge/counter/histogram construction: signal intake, L2 validation,
// execution chasing, safety gates, reconciliation, and the dead man's
// switch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for execution-core metrics.
var Registry = prometheus.NewRegistry()

var (
	// ============================================
	// Signal intake
	// ============================================

	SignalsReceivedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "webhook",
			Name:      "signals_received_total",
			Help:      "Total webhook signals received by type",
		},
		[]string{"type"}, // PREPARE, CONFIRM, ABORT, HEARTBEAT
	)

	SignalsRejectedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "webhook",
			Name:      "signals_rejected_total",
			Help:      "Total webhook signals rejected by reason code",
		},
		[]string{"reason"},
	)

	WebhookRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "execcore",
			Subsystem: "webhook",
			Name:      "request_duration_seconds",
			Help:      "Webhook handler duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"type"},
	)

	// ============================================
	// L2 validation
	// ============================================

	L2ValidationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "l2validator",
			Name:      "validations_total",
			Help:      "Total L2 order book validations by outcome",
		},
		[]string{"symbol", "outcome"}, // outcome: pass, widened, rejected
	)

	OrderBookImbalance = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "l2validator",
			Name:      "order_book_imbalance",
			Help:      "Last observed order book imbalance ratio",
		},
		[]string{"symbol"},
	)

	// ============================================
	// Execution / chase outcomes
	// ============================================

	ChaseOutcomesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "strategy",
			Name:      "chase_outcomes_total",
			Help:      "Limit chaser outcomes by result",
		},
		[]string{"symbol", "result"}, // filled, alpha_decayed, error, partially_filled, missed_entry
	)

	OrderFillDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "execcore",
			Subsystem: "strategy",
			Name:      "order_fill_duration_seconds",
			Help:      "Time from order placement to fill",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"symbol"},
	)

	RateLimiterQueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "ratelimiter",
			Name:      "queue_depth",
			Help:      "Current broker request queue depth",
		},
	)

	// ============================================
	// Safety gates / master arm
	// ============================================

	SafetyRejectionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "safety",
			Name:      "rejections_total",
			Help:      "Trades rejected by the safety gates by reason",
		},
		[]string{"reason"}, // safety gate error code, e.g. ASSET_DISABLED, CIRCUIT_BREAKER_OPEN
	)

	ConsecutiveLosses = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "safety",
			Name:      "consecutive_losses",
			Help:      "Current consecutive losing trade count",
		},
	)

	MasterArmState = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "safety",
			Name:      "master_arm_state",
			Help:      "Master arm state, 1 armed, 0 disabled",
		},
	)

	DriftGuardZScore = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "driftguard",
			Name:      "pnl_zscore",
			Help:      "Rolling PnL z-score last observed",
		},
	)

	DriftGuardTripsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "driftguard",
			Name:      "trips_total",
			Help:      "Drift guard trips by kind",
		},
		[]string{"kind"}, // safety_stop, hard_kill
	)

	// ============================================
	// Dead man's switch
	// ============================================

	HeartbeatMissedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "heartbeat",
			Name:      "missed_total",
			Help:      "Total missed heartbeat intervals",
		},
	)

	EmergencyFlattensTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "heartbeat",
			Name:      "emergency_flattens_total",
			Help:      "Total emergency flattens by trigger reason",
		},
		[]string{"reason"}, // DEAD_MANS_SWITCH, FLASH_CRASH_PROTECTION, CONSECUTIVE_MISMATCHES
	)

	// ============================================
	// Reconciliation
	// ============================================

	ReconcileMismatchesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "reconcile",
			Name:      "mismatches_total",
			Help:      "Reconciliation mismatches by kind",
		},
		[]string{"symbol", "kind"},
	)

	ReconcileConsecutiveMismatches = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "reconcile",
			Name:      "consecutive_mismatches",
			Help:      "Current consecutive reconciliation mismatch count",
		},
	)

	// ============================================
	// Positions / equity
	// ============================================

	OpenPositionsCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "positions",
			Name:      "open_count",
			Help:      "Number of currently open positions",
		},
	)

	EquityTotal = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "account",
			Name:      "equity_total",
			Help:      "Current total equity",
		},
	)

	CurrentPhase = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "account",
			Name:      "phase",
			Help:      "Currently active phase, 1 for the labeled phase name",
		},
		[]string{"phase"},
	)

	ConsoleClientsConnected = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execcore",
			Subsystem: "console",
			Name:      "clients_connected",
			Help:      "Current connected console websocket clients",
		},
	)
)

// RecordSignalReceived increments the per-type webhook signal counter.
func RecordSignalReceived(signalType string) {
	SignalsReceivedTotal.WithLabelValues(signalType).Inc()
}

// RecordSignalRejected increments the rejection counter for reason.
func RecordSignalRejected(reason string) {
	SignalsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordWebhookDuration observes handler latency for a signal type.
func RecordWebhookDuration(signalType string, seconds float64) {
	WebhookRequestDuration.WithLabelValues(signalType).Observe(seconds)
}

// RecordL2Validation records an L2 validation outcome for symbol.
func RecordL2Validation(symbol, outcome string) {
	L2ValidationsTotal.WithLabelValues(symbol, outcome).Inc()
}

// SetOrderBookImbalance sets the last observed OBI for symbol.
func SetOrderBookImbalance(symbol string, obi float64) {
	OrderBookImbalance.WithLabelValues(symbol).Set(obi)
}

// RecordChaseOutcome records a limit chaser result for symbol.
func RecordChaseOutcome(symbol, result string) {
	ChaseOutcomesTotal.WithLabelValues(symbol, result).Inc()
}

// RecordOrderFillDuration observes fill latency for symbol.
func RecordOrderFillDuration(symbol string, seconds float64) {
	OrderFillDuration.WithLabelValues(symbol).Observe(seconds)
}

// RecordSafetyRejection increments the safety gate rejection counter.
func RecordSafetyRejection(reason string) {
	SafetyRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordReconcileMismatch increments the mismatch counter for symbol/kind.
func RecordReconcileMismatch(symbol, kind string) {
	ReconcileMismatchesTotal.WithLabelValues(symbol, kind).Inc()
}

// RecordEmergencyFlatten increments the emergency flatten counter for reason.
func RecordEmergencyFlatten(reason string) {
	EmergencyFlattensTotal.WithLabelValues(reason).Inc()
}

// SetCurrentPhase zeroes every known phase gauge then sets phaseName to 1.
func SetCurrentPhase(phaseName string, known []string) {
	for _, p := range known {
		CurrentPhase.WithLabelValues(p).Set(0)
	}
	CurrentPhase.WithLabelValues(phaseName).Set(1)
}

// SetMasterArmState sets the master arm gauge, 1 for armed.
func SetMasterArmState(armed bool) {
	if armed {
		MasterArmState.Set(1)
		return
	}
	MasterArmState.Set(0)
}

// Init registers the standard go/process collectors alongside the
// domain collectors declared above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
