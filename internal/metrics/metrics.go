// Package metrics exposes Prometheus metrics for audits and catalog events.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metrics holds the Kestrel collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Audit outcomes by decision
	AuditsTotal *prometheus.CounterVec

	// Triggered rules by kind
	RulesTriggered *prometheus.CounterVec

	// Risk scores of audited documents
	RiskScore prometheus.Histogram

	// Evaluation latency, excluding persistence
	AuditDuration prometheus.Histogram

	// Categories whose linkage was derived from legacy tags
	LinkageMigrations prometheus.Counter
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		AuditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_audits_total",
			Help: "Total audits by decision",
		}, []string{"decision"}),

		RulesTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rules_triggered_total",
			Help: "Total triggered rules by kind",
		}, []string{"kind"}),

		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_risk_score",
			Help:    "Distribution of document risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0..100
		}),

		AuditDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_audit_duration_seconds",
			Help:    "Duration of rule evaluation for one document",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),

		LinkageMigrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_linkage_migrations_total",
			Help: "Total categories migrated from legacy rule tags to explicit linkage",
		}),
	}
}

// ObserveAudit records a completed audit. kinds are the kinds of the
// triggered rules.
func (m *Metrics) ObserveAudit(audit *domain.Audit, kinds []domain.RuleKind, d time.Duration) {
	if m == nil {
		return
	}
	m.AuditsTotal.WithLabelValues(string(audit.Decision)).Inc()
	m.RiskScore.Observe(float64(audit.Result.Score))
	m.AuditDuration.Observe(d.Seconds())
	for _, k := range kinds {
		m.RulesTriggered.WithLabelValues(string(k)).Inc()
	}
}

// LinkageMigrated implements catalog.Observer.
func (m *Metrics) LinkageMigrated(tenantID string, categories int) {
	if m == nil {
		return
	}
	m.LinkageMigrations.Add(float64(categories))
}

// StatsSource is implemented by caches that report hit statistics.
type StatsSource interface {
	Stats() cache.Stats
}

// RegisterCache exports cache statistics as gauges read at scrape time.
func (m *Metrics) RegisterCache(src StatsSource) {
	if m == nil || src == nil {
		return
	}
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kestrel_catalog_cache_entries",
		Help: "Entries in the local catalog cache",
	}, func() float64 { return float64(src.Stats().Size) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kestrel_catalog_cache_hits_total",
		Help: "Local catalog cache hits",
	}, func() float64 { return float64(src.Stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kestrel_catalog_cache_misses_total",
		Help: "Local catalog cache misses",
	}, func() float64 { return float64(src.Stats().Misses) })
}

// DropSource is implemented by event buses that count dropped messages.
type DropSource interface {
	Dropped() uint64
}

// RegisterBus exports the dropped message count of an in-process bus.
func (m *Metrics) RegisterBus(src DropSource) {
	if m == nil || src == nil {
		return
	}
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "kestrel_bus_dropped_messages_total",
		Help: "Messages dropped because a subscriber buffer was full",
	}, func() float64 { return float64(src.Dropped()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
