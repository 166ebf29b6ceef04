// Package metrics exposes rollout telemetry for external scraping: live
// decision counters bumped by the engine plus report-derived gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crechebooks/rollout/internal/models"
)

// Comparison outcomes used as label values.
const (
	OutcomeMatch        = "match"
	OutcomeMismatch     = "mismatch"
	OutcomeVariantError = "variant_error"
)

// Collector owns the rollout metric families on a private registry.
type Collector struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	comparisons *prometheus.CounterVec

	matchRate    *prometheus.GaugeVec
	observations *prometheus.GaugeVec
	baselineMs   *prometheus.GaugeVec
	variantMs    *prometheus.GaugeVec
	baselineConf *prometheus.GaugeVec
	variantConf  *prometheus.GaugeVec
}

func NewCollector() *Collector {
	labels := []string{"tenant", "capability"}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_decisions_total",
			Help: "Engine invocations by resolved mode.",
		}, []string{"tenant", "capability", "mode"}),
		comparisons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_comparisons_total",
			Help: "Shadow comparison outcomes.",
		}, []string{"tenant", "capability", "outcome"}),
		matchRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_match_rate",
			Help: "Match rate percentage over the last report window.",
		}, labels),
		observations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_observations",
			Help: "Comparison observations in the last report window.",
		}, labels),
		baselineMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_baseline_latency_ms",
			Help: "Average baseline latency over the last report window.",
		}, labels),
		variantMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_variant_latency_ms",
			Help: "Average variant latency over the last report window.",
		}, labels),
		baselineConf: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_baseline_confidence",
			Help: "Average baseline confidence over the last report window.",
		}, labels),
		variantConf: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_variant_confidence",
			Help: "Average variant confidence over the last report window.",
		}, labels),
	}
	c.registry.MustRegister(
		c.decisions, c.comparisons,
		c.matchRate, c.observations,
		c.baselineMs, c.variantMs,
		c.baselineConf, c.variantConf,
	)
	return c
}

// Handler serves the collector's registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordDecision counts one engine invocation. Safe on a nil collector.
func (c *Collector) RecordDecision(tenantID string, capability models.Capability, mode models.Mode) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(tenantID, string(capability), string(mode)).Inc()
}

// RecordComparison counts one shadow comparison outcome. Safe on a nil
// collector.
func (c *Collector) RecordComparison(tenantID string, capability models.Capability, outcome string) {
	if c == nil {
		return
	}
	c.comparisons.WithLabelValues(tenantID, string(capability), outcome).Inc()
}

// UpdateFromReport projects a comparison report into the window gauges.
func (c *Collector) UpdateFromReport(report models.ComparisonReport) {
	if c == nil {
		return
	}
	tenant, capability := report.TenantID, string(report.Capability)
	c.matchRate.WithLabelValues(tenant, capability).Set(report.MatchRate)
	c.observations.WithLabelValues(tenant, capability).Set(float64(report.TotalObservations))
	c.baselineMs.WithLabelValues(tenant, capability).Set(report.AvgBaselineDurationMs)
	c.variantMs.WithLabelValues(tenant, capability).Set(report.AvgVariantDurationMs)
	c.baselineConf.WithLabelValues(tenant, capability).Set(report.AvgBaselineConfidence)
	c.variantConf.WithLabelValues(tenant, capability).Set(report.AvgVariantConfidence)
}
