// Package telemetry exposes Prometheus metrics for the UWB solve pipeline
// and the procedure engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the race backend registers.
type Metrics struct {
	SolveLatency      prometheus.Histogram
	SolveIterations   prometheus.Histogram
	SolveResidualM    prometheus.Histogram
	PacketsAccepted   prometheus.Counter
	PacketsRejected   prometheus.Counter
	PacketsDropped    prometheus.Counter
	OCSEventsTotal    *prometheus.CounterVec
	RaceStatusGauge   *prometheus.GaugeVec
	AuditBlocksTotal  prometheus.Counter
	ProcedureTicks    prometheus.Counter
}

// NewMetrics registers and returns the race backend's metric collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		SolveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "uwb_solve_duration_seconds",
			Help:    "Wall-clock time to solve one measurement epoch.",
			Buckets: prometheus.DefBuckets,
		}),
		SolveIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "uwb_solve_iterations",
			Help:    "Gauss-Newton iterations used per solve.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}),
		SolveResidualM: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "uwb_solve_residual_meters",
			Help:    "RMS residual of converged solves, in meters.",
			Buckets: []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0},
		}),
		PacketsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "uwb_packets_accepted_total",
			Help: "UWB measurement packets accepted by the sequence guard.",
		}),
		PacketsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "uwb_packets_rejected_total",
			Help: "UWB measurement packets rejected as stale or replayed.",
		}),
		PacketsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "uwb_packets_dropped_total",
			Help: "UWB measurement packets dropped for malformed content.",
		}),
		OCSEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "uwb_ocs_events_total",
			Help: "On-course-side detections raised per node.",
		}, []string{"node_id"}),
		RaceStatusGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "race_status",
			Help: "1 if the procedure engine currently reports this status, 0 otherwise.",
		}, []string{"status"}),
		AuditBlocksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_blocks_appended_total",
			Help: "Blocks appended to the hash-chained audit journal.",
		}),
		ProcedureTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "procedure_ticks_total",
			Help: "Ticks processed by the procedure engine.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetRaceStatus zeroes every known status gauge, then sets the active one to
// 1, so the exported series is always a clean one-hot vector.
func (m *Metrics) SetRaceStatus(active string, allStatuses []string) {
	for _, s := range allStatuses {
		if s == active {
			m.RaceStatusGauge.WithLabelValues(s).Set(1)
		} else {
			m.RaceStatusGauge.WithLabelValues(s).Set(0)
		}
	}
}
