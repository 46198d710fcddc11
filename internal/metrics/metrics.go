// Package metrics exposes ledger and handover state as prometheus
// metrics. A CLI run is short lived, so the registry is written out as a
// node-exporter textfile instead of being served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/state"
	"github.com/boshu2/aion/internal/types"
)

const namespace = "aion"

// Metrics holds one private registry and the collectors on it.
type Metrics struct {
	reg *prometheus.Registry

	commits        *prometheus.GaugeVec
	rollbackRate   prometheus.Gauge
	handovers      prometheus.Gauge
	transitions    *prometheus.GaugeVec
	currentPersona *prometheus.GaugeVec
	duration       *prometheus.HistogramVec
	failures       *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		commits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commits",
			Help:      "Commits in the ledger by persona and status",
		}, []string{"persona", "status"}),
		rollbackRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rollback_rate_percent",
			Help:      "Share of ledger commits that were rolled back",
		}),
		handovers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handovers",
			Help:      "Handovers in the handover log",
		}),
		transitions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handover_transitions",
			Help:      "Handovers per persona transition",
		}, []string{"from", "to"}),
		currentPersona: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_persona",
			Help:      "1 for the persona currently in control",
		}, []string{"persona"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of aion operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed aion operations by error kind",
		}, []string{"operation", "kind"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveLedger sets the ledger gauges from stats.
func (m *Metrics) ObserveLedger(stats ledger.Statistics) {
	m.commits.Reset()
	byPersonaStatus := map[[2]string]int{}
	for persona, n := range stats.CountsByPersona {
		byPersonaStatus[[2]string{string(persona), "all"}] = n
	}
	for status, n := range stats.CountsByStatus {
		byPersonaStatus[[2]string{"all", string(status)}] = n
	}
	for k, n := range byPersonaStatus {
		m.commits.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
	m.rollbackRate.Set(stats.RollbackRatePercent)
}

// ObserveHandovers sets the handover gauges from stats and the log.
func (m *Metrics) ObserveHandovers(stats state.Statistics, log []types.Handover) {
	m.handovers.Set(float64(stats.TotalHandovers))

	m.transitions.Reset()
	for _, h := range log {
		m.transitions.WithLabelValues(string(h.From), string(h.To)).Inc()
	}

	m.currentPersona.Reset()
	if stats.CurrentState != "" {
		m.currentPersona.WithLabelValues(string(stats.CurrentState)).Set(1)
	}
}

// Observe records the duration of operation and, on failure, its error kind.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failures.WithLabelValues(operation, types.KindName(err)).Inc()
	}
}

// WriteTextfile writes the registry in text exposition format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
