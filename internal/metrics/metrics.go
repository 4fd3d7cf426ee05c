package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus call metrics
	GatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quartermaster_gateway_calls_total",
			Help: "Total number of bus method calls by method and result",
		},
		[]string{"method", "result"},
	)

	GatewayCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quartermaster_gateway_call_duration_seconds",
			Help:    "Duration of bus method calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120}, // registration can take minutes
		},
		[]string{"method"},
	)

	SignalListenersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartermaster_signal_listeners_active",
			Help: "Number of signal registrations currently installed on the bus",
		},
	)

	// Entitlement status
	EntitlementStatusCode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartermaster_entitlement_status_code",
			Help: "Last observed entitlement status code (-1 unknown)",
		},
	)

	StatusChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quartermaster_status_changes_total",
			Help: "Total number of entitlement status values observed",
		},
	)

	// Registration flow
	FlowResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quartermaster_flow_results_total",
			Help: "Total number of register/unregister outcomes",
		},
		[]string{"action", "kind"},
	)

	// Screen sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartermaster_sessions_active",
			Help: "Number of mounted panel sessions",
		},
	)
)

// RecordCall records the outcome of one bus method call
func RecordCall(method string, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	GatewayCallsTotal.WithLabelValues(method, result).Inc()
	GatewayCallDurationSeconds.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

// RecordStatus records an observed entitlement status code
func RecordStatus(code int) {
	EntitlementStatusCode.Set(float64(code))
	StatusChangesTotal.Inc()
}

// RecordFlowResult records a register or unregister outcome
func RecordFlowResult(action, kind string) {
	FlowResultsTotal.WithLabelValues(action, kind).Inc()
}
