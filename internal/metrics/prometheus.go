// Package metrics exposes Prometheus metrics for mountrix operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MacJediWizard/mountrix/internal/models"
)

// PrometheusMetrics holds the registered collectors. A nil *PrometheusMetrics
// is valid and records nothing.
type PrometheusMetrics struct {
	OperationCounter  *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RollbackCounter   prometheus.Counter
	DiagnosticCounter *prometheus.CounterVec
	BackupsPruned     prometheus.Counter
	MountStatus       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		OperationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mountrix_operations_total",
				Help: "Total number of orchestrated operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mountrix_operation_duration_seconds",
				Help:    "Duration of orchestrated operations in seconds",
				Buckets: []float64{0.05, 0.25, 1, 3, 10, 30},
			},
			[]string{"operation"},
		),
		RollbackCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mountrix_rollbacks_total",
				Help: "Total number of mount table rollbacks",
			},
		),
		DiagnosticCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mountrix_diagnostics_total",
				Help: "Total number of diagnostic runs by result",
			},
			[]string{"result"},
		),
		BackupsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mountrix_backups_pruned_total",
				Help: "Total number of mount table backups removed by retention",
			},
		),
		MountStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mountrix_mounts",
				Help: "Number of table entries by live status",
			},
			[]string{"status"},
		),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		m.OperationCounter,
		m.OperationDuration,
		m.RollbackCounter,
		m.DiagnosticCounter,
		m.BackupsPruned,
		m.MountStatus,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordOperation counts a finished operation and observes its duration.
func (m *PrometheusMetrics) RecordOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationCounter.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRollback counts a table rollback.
func (m *PrometheusMetrics) RecordRollback() {
	if m == nil {
		return
	}
	m.RollbackCounter.Inc()
}

// RecordDiagnostic counts a diagnostic run.
func (m *PrometheusMetrics) RecordDiagnostic(ok bool) {
	if m == nil {
		return
	}
	result := "pass"
	if !ok {
		result = "fail"
	}
	m.DiagnosticCounter.WithLabelValues(result).Inc()
}

// RecordPruned counts backups removed by retention.
func (m *PrometheusMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BackupsPruned.Add(float64(n))
}

// SetMountStatuses replaces the per-status gauges.
func (m *PrometheusMetrics) SetMountStatuses(statuses []models.EntryStatus) {
	if m == nil {
		return
	}
	counts := map[models.MountStatus]int{
		models.MountStatusConnected:    0,
		models.MountStatusStale:        0,
		models.MountStatusDisconnected: 0,
	}
	for _, st := range statuses {
		counts[st.Status]++
	}
	for status, n := range counts {
		m.MountStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
