// Package report aggregates comparison telemetry into windowed statistics
// and evaluates the objective go/no-go criteria gating promotion.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/store"
)

// Aggregator computes reports from the comparison store. Aggregation is a
// pure, repeatable read with no side effects.
type Aggregator struct {
	store    store.Store
	defaults models.PromotionCriteria
}

func New(st store.Store, defaults models.PromotionCriteria) *Aggregator {
	if defaults == (models.PromotionCriteria{}) {
		defaults = models.DefaultPromotionCriteria()
	}
	return &Aggregator{store: st, defaults: defaults}
}

// GenerateReport builds the windowed report for one (tenant, capability)
// pair. A nil criteria uses the aggregator's defaults.
func (a *Aggregator) GenerateReport(ctx context.Context, capability models.Capability, tenantID string, windowDays int, criteria *models.PromotionCriteria) (models.ComparisonReport, error) {
	c := a.defaults
	if criteria != nil {
		c = *criteria
	}
	if windowDays <= 0 {
		windowDays = c.MinWindowDays
	}
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -windowDays)

	records, err := a.store.ListComparisons(ctx, store.ComparisonFilter{
		TenantID:   tenantID,
		Capability: capability,
		Since:      since,
		Until:      now,
	})
	if err != nil {
		return models.ComparisonReport{}, fmt.Errorf("list comparisons: %w", err)
	}

	report := models.ComparisonReport{
		Capability:  capability,
		TenantID:    tenantID,
		WindowStart: since,
		WindowEnd:   now,
		WindowDays:  windowDays,
		Criteria:    c,
	}
	tally(&report, records)
	evaluate(&report, c)
	return report, nil
}

func tally(report *models.ComparisonReport, records []models.ComparisonRecord) {
	total := len(records)
	report.TotalObservations = total
	if total == 0 {
		report.LatencyMultiplier = 1.0
		return
	}

	var (
		matches         int
		sumBaselineMs   int64
		sumVariantMs    int64
		sumBaselineConf float64
		sumVariantConf  float64
	)
	for _, rec := range records {
		sumBaselineMs += rec.BaselineDurationMs
		sumVariantMs += rec.VariantDurationMs
		sumBaselineConf += rec.BaselineConfidence
		sumVariantConf += rec.VariantConfidence

		switch {
		case rec.ResultsMatch:
			matches++
			report.IdenticalCount++
		case rec.VariantFailed():
			report.VariantFailureCount++
			report.BaselineBetterCount++
		case rec.VariantConfidence > rec.BaselineConfidence:
			report.VariantBetterCount++
		default:
			// Ties go to the trusted side.
			report.BaselineBetterCount++
		}
	}

	report.MatchRate = float64(matches) / float64(total) * 100
	report.VariantErrorRate = float64(report.VariantFailureCount) / float64(total) * 100
	report.AvgBaselineDurationMs = float64(sumBaselineMs) / float64(total)
	report.AvgVariantDurationMs = float64(sumVariantMs) / float64(total)
	report.AvgBaselineConfidence = sumBaselineConf / float64(total)
	report.AvgVariantConfidence = sumVariantConf / float64(total)
	if report.AvgBaselineDurationMs > 0 {
		report.LatencyMultiplier = report.AvgVariantDurationMs / report.AvgBaselineDurationMs
	} else {
		report.LatencyMultiplier = 1.0
	}
}

func evaluate(report *models.ComparisonReport, c models.PromotionCriteria) {
	var blockers []string
	if report.TotalObservations < c.MinObservations {
		blockers = append(blockers, fmt.Sprintf("insufficient observations: %d < %d required", report.TotalObservations, c.MinObservations))
	}
	if report.MatchRate < c.MinMatchRate {
		blockers = append(blockers, fmt.Sprintf("match rate %.1f%% below minimum %.1f%%", report.MatchRate, c.MinMatchRate))
	}
	if report.LatencyMultiplier > c.MaxLatencyMultiplier {
		blockers = append(blockers, fmt.Sprintf("latency multiplier %.2fx exceeds maximum %.2fx", report.LatencyMultiplier, c.MaxLatencyMultiplier))
	}
	if report.VariantErrorRate > c.MaxVariantErrorRate {
		blockers = append(blockers, fmt.Sprintf("variant error rate %.1f%% exceeds maximum %.1f%%", report.VariantErrorRate, c.MaxVariantErrorRate))
	}
	if report.WindowDays < c.MinWindowDays {
		blockers = append(blockers, fmt.Sprintf("window of %d days shorter than minimum %d days", report.WindowDays, c.MinWindowDays))
	}
	report.Blockers = blockers
	report.MeetsPromotionCriteria = len(blockers) == 0
}

// GenerateAllReports fans out across the fixed capability set.
func (a *Aggregator) GenerateAllReports(ctx context.Context, tenantID string, windowDays int) (map[models.Capability]models.ComparisonReport, error) {
	reports := make(map[models.Capability]models.ComparisonReport, len(models.Capabilities()))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, capability := range models.Capabilities() {
		capability := capability
		g.Go(func() error {
			report, err := a.GenerateReport(ctx, capability, tenantID, windowDays, nil)
			if err != nil {
				return fmt.Errorf("report %s: %w", capability, err)
			}
			mu.Lock()
			reports[capability] = report
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Observation is one named numeric series value for external scraping.
type Observation struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Metrics projects the last-24h reports for a tenant into named numeric
// observations.
func (a *Aggregator) Metrics(ctx context.Context, tenantID string) ([]Observation, error) {
	reports, err := a.GenerateAllReports(ctx, tenantID, 1)
	if err != nil {
		return nil, err
	}
	var observations []Observation
	for _, capability := range models.Capabilities() {
		report := reports[capability]
		prefix := fmt.Sprintf("rollout.%s", capability)
		observations = append(observations,
			Observation{Name: prefix + ".decision_count", Value: float64(report.TotalObservations)},
			Observation{Name: prefix + ".match_rate", Value: report.MatchRate},
			Observation{Name: prefix + ".baseline_latency_ms", Value: report.AvgBaselineDurationMs},
			Observation{Name: prefix + ".variant_latency_ms", Value: report.AvgVariantDurationMs},
			Observation{Name: prefix + ".baseline_confidence", Value: report.AvgBaselineConfidence},
			Observation{Name: prefix + ".variant_confidence", Value: report.AvgVariantConfidence},
		)
	}
	return observations, nil
}
