// Package metrics exposes Prometheus instrumentation for the tranche engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the tranche engine.
type Metrics struct {
	TranchesCreated   *prometheus.CounterVec // labels: symbol, side
	TranchesClosed    *prometheus.CounterVec
	TranchesIsolated  *prometheus.CounterVec
	TranchesRecovered *prometheus.CounterVec
	PartialCloses     *prometheus.CounterVec
	DriftCorrections  *prometheus.CounterVec // labels: symbol, action

	ActiveTranches   *prometheus.GaugeVec // labels: symbol, side
	IsolatedTranches *prometheus.GaugeVec
	GroupQuantity    *prometheus.GaugeVec

	PriceFetchDur  prometheus.Histogram
	MonitorTickDur prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all tranche engine metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TranchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_created_total",
			Help: "Tranches created, by symbol and side.",
		}, []string{"symbol", "side"}),
		TranchesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_closed_total",
			Help: "Tranches fully closed, by symbol and side.",
		}, []string{"symbol", "side"}),
		TranchesIsolated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_isolated_total",
			Help: "Tranches isolated, by symbol and side.",
		}, []string{"symbol", "side"}),
		TranchesRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_recovered_total",
			Help: "Isolated tranches auto-closed after recovering, by symbol and side.",
		}, []string{"symbol", "side"}),
		PartialCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_partial_close_total",
			Help: "Partial tranche closes, by symbol and side.",
		}, []string{"symbol", "side"}),
		DriftCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_drift_corrections_total",
			Help: "Reconciliation corrective actions, by symbol and action.",
		}, []string{"symbol", "action"}),
		ActiveTranches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_active",
			Help: "Current active (non-isolated) tranches per group.",
		}, []string{"symbol", "side"}),
		IsolatedTranches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_isolated",
			Help: "Current isolated tranches per group.",
		}, []string{"symbol", "side"}),
		GroupQuantity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_group_quantity",
			Help: "Sum of active tranche quantities per group.",
		}, []string{"symbol", "side"}),
		PriceFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_price_fetch_seconds",
			Help:    "Mark price fetch duration.",
			Buckets: prometheus.DefBuckets,
		}),
		MonitorTickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_monitor_tick_seconds",
			Help:    "Full isolation/recovery monitor tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.TranchesCreated, m.TranchesClosed, m.TranchesIsolated,
		m.TranchesRecovered, m.PartialCloses, m.DriftCorrections,
		m.ActiveTranches, m.IsolatedTranches, m.GroupQuantity,
		m.PriceFetchDur, m.MonitorTickDur,
	)

	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetGroupGauges updates the per-group gauges after a mutation.
func (m *Metrics) SetGroupGauges(symbol, side string, active, isolated int, quantity float64) {
	m.ActiveTranches.WithLabelValues(symbol, side).Set(float64(active))
	m.IsolatedTranches.WithLabelValues(symbol, side).Set(float64(isolated))
	m.GroupQuantity.WithLabelValues(symbol, side).Set(quantity)
}
