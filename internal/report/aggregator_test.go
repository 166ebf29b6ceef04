package report_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/report"
	"github.com/crechebooks/rollout/internal/store"
)

type seed struct {
	count              int
	match              bool
	variantFailed      bool
	baselineMs         int64
	variantMs          int64
	baselineConfidence float64
	variantConfidence  float64
	age                time.Duration
}

func seedRecords(t *testing.T, st store.Store, tenantID string, capability models.Capability, seeds ...seed) {
	t.Helper()
	ctx := context.Background()
	for _, s := range seeds {
		for i := 0; i < s.count; i++ {
			in := store.ComparisonInput{
				TenantID:           tenantID,
				Capability:         capability,
				BaselineResult:     json.RawMessage(`{"category":"groceries"}`),
				BaselineConfidence: s.baselineConfidence,
				VariantConfidence:  s.variantConfidence,
				BaselineDurationMs: s.baselineMs,
				VariantDurationMs:  s.variantMs,
				ResultsMatch:       s.match,
				CreatedAt:          time.Now().UTC().Add(-s.age),
			}
			if !s.variantFailed {
				in.VariantResult = json.RawMessage(`{"category":"groceries"}`)
			}
			_, err := st.AppendComparison(ctx, in)
			require.NoError(t, err)
		}
	}
}

func TestGenerateReportEmptyWindow(t *testing.T) {
	agg := report.New(store.NewMemoryStore(), models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityTransactionCategorization, "tenant-1", 7, nil)
	require.NoError(t, err)

	assert.Zero(t, rep.TotalObservations)
	assert.Zero(t, rep.MatchRate)
	assert.Equal(t, 1.0, rep.LatencyMultiplier)
	assert.False(t, rep.MeetsPromotionCriteria)
	assert.Contains(t, rep.Blockers[0], "insufficient observations")
}

func TestGenerateReportBlockedOnLatency(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization,
		seed{count: 115, match: true, baselineMs: 60, variantMs: 180, baselineConfidence: 80, variantConfidence: 90},
		seed{count: 5, match: false, baselineMs: 60, variantMs: 180, baselineConfidence: 80, variantConfidence: 70},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityTransactionCategorization, "tenant-1", 7, nil)
	require.NoError(t, err)

	assert.Equal(t, 120, rep.TotalObservations)
	assert.InDelta(t, 95.8, rep.MatchRate, 0.1)
	assert.InDelta(t, 3.0, rep.LatencyMultiplier, 0.01)
	assert.False(t, rep.MeetsPromotionCriteria)
	require.Len(t, rep.Blockers, 1)
	assert.Contains(t, rep.Blockers[0], "latency multiplier 3.00x exceeds maximum 2.00x")
}

func TestGenerateReportMeetsCriteria(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization,
		seed{count: 118, match: true, baselineMs: 60, variantMs: 90, baselineConfidence: 80, variantConfidence: 92},
		seed{count: 2, match: false, baselineMs: 60, variantMs: 90, baselineConfidence: 80, variantConfidence: 95},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityTransactionCategorization, "tenant-1", 7, nil)
	require.NoError(t, err)

	assert.Equal(t, 120, rep.TotalObservations)
	assert.InDelta(t, 98.3, rep.MatchRate, 0.1)
	assert.InDelta(t, 1.5, rep.LatencyMultiplier, 0.01)
	assert.True(t, rep.MeetsPromotionCriteria)
	assert.Empty(t, rep.Blockers)
	assert.Equal(t, 118, rep.IdenticalCount)
	assert.Equal(t, 2, rep.VariantBetterCount, "higher-confidence mismatches count for the variant")
}

func TestGenerateReportVariantFailuresBlock(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityPaymentMatching,
		seed{count: 110, match: true, baselineMs: 50, variantMs: 50, baselineConfidence: 80, variantConfidence: 85},
		seed{count: 10, variantFailed: true, baselineMs: 50, variantMs: 50, baselineConfidence: 80},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityPaymentMatching, "tenant-1", 7, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, rep.VariantFailureCount)
	assert.Equal(t, 10, rep.BaselineBetterCount, "a failed variant is a win for the baseline")
	assert.InDelta(t, 8.3, rep.VariantErrorRate, 0.1)
	assert.False(t, rep.MeetsPromotionCriteria)

	var sawErrorRate, sawMatchRate bool
	for _, b := range rep.Blockers {
		sawErrorRate = sawErrorRate || strings.Contains(b, "variant error rate")
		sawMatchRate = sawMatchRate || strings.Contains(b, "match rate")
	}
	assert.True(t, sawErrorRate)
	assert.True(t, sawMatchRate)
}

func TestGenerateReportTiesGoToBaseline(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTaxComputation,
		seed{count: 4, match: false, baselineMs: 50, variantMs: 50, baselineConfidence: 80, variantConfidence: 80},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityTaxComputation, "tenant-1", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.BaselineBetterCount)
	assert.Zero(t, rep.VariantBetterCount)
}

func TestGenerateReportWindowExcludesOldRecords(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization,
		seed{count: 3, match: true, baselineMs: 50, variantMs: 50, age: time.Hour},
		seed{count: 5, match: true, baselineMs: 50, variantMs: 50, age: 10 * 24 * time.Hour},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityTransactionCategorization, "tenant-1", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalObservations)
}

func TestGenerateReportCustomCriteria(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityDocumentExtraction,
		seed{count: 10, match: true, baselineMs: 50, variantMs: 50, baselineConfidence: 80, variantConfidence: 85},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	relaxed := models.PromotionCriteria{
		MinMatchRate:         90,
		MaxLatencyMultiplier: 2.0,
		MinObservations:      10,
		MaxVariantErrorRate:  1,
		MinWindowDays:        3,
	}
	rep, err := agg.GenerateReport(context.Background(), models.CapabilityDocumentExtraction, "tenant-1", 3, &relaxed)
	require.NoError(t, err)
	assert.True(t, rep.MeetsPromotionCriteria)
	assert.Equal(t, relaxed, rep.Criteria)
}

func TestGenerateReportMatchRateThresholdMonotonic(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization,
		seed{count: 115, match: true, baselineMs: 50, variantMs: 60, baselineConfidence: 80, variantConfidence: 90},
		seed{count: 5, match: false, baselineMs: 50, variantMs: 60, baselineConfidence: 80, variantConfidence: 70},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	criteriaAt := func(minMatchRate float64) *models.PromotionCriteria {
		c := models.DefaultPromotionCriteria()
		c.MinMatchRate = minMatchRate
		return &c
	}

	// Same underlying records either side of the 95.8% observed rate.
	strict, err := agg.GenerateReport(context.Background(), models.CapabilityTransactionCategorization, "tenant-1", 7, criteriaAt(99))
	require.NoError(t, err)
	loose, err := agg.GenerateReport(context.Background(), models.CapabilityTransactionCategorization, "tenant-1", 7, criteriaAt(90))
	require.NoError(t, err)

	assert.Equal(t, strict.MatchRate, loose.MatchRate, "the threshold must not change the observed statistics")
	assert.Equal(t, strict.TotalObservations, loose.TotalObservations)

	// Lowering the threshold can only turn a failing report passing, never
	// the reverse.
	assert.False(t, strict.MeetsPromotionCriteria)
	assert.True(t, loose.MeetsPromotionCriteria)
}

func TestGenerateReportShortWindowBlocks(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityOrchestration,
		seed{count: 150, match: true, baselineMs: 50, variantMs: 50, baselineConfidence: 80, variantConfidence: 85},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	rep, err := agg.GenerateReport(context.Background(), models.CapabilityOrchestration, "tenant-1", 2, nil)
	require.NoError(t, err)
	assert.False(t, rep.MeetsPromotionCriteria)
	require.Len(t, rep.Blockers, 1)
	assert.Contains(t, rep.Blockers[0], "window of 2 days shorter than minimum 7 days")
}

func TestGenerateAllReportsCoversEveryCapability(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization,
		seed{count: 2, match: true, baselineMs: 50, variantMs: 50},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	reports, err := agg.GenerateAllReports(context.Background(), "tenant-1", 7)
	require.NoError(t, err)
	require.Len(t, reports, len(models.Capabilities()))
	assert.Equal(t, 2, reports[models.CapabilityTransactionCategorization].TotalObservations)
	assert.Zero(t, reports[models.CapabilityPaymentMatching].TotalObservations)
}

func TestMetricsProjection(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization,
		seed{count: 4, match: true, baselineMs: 40, variantMs: 80, baselineConfidence: 70, variantConfidence: 90},
	)
	agg := report.New(mem, models.PromotionCriteria{})

	observations, err := agg.Metrics(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, observations, 6*len(models.Capabilities()))

	byName := make(map[string]float64, len(observations))
	for _, o := range observations {
		byName[o.Name] = o.Value
	}
	assert.Equal(t, 4.0, byName["rollout.transaction_categorization.decision_count"])
	assert.Equal(t, 100.0, byName["rollout.transaction_categorization.match_rate"])
	assert.Equal(t, 40.0, byName["rollout.transaction_categorization.baseline_latency_ms"])
	assert.Equal(t, 80.0, byName["rollout.transaction_categorization.variant_latency_ms"])
	assert.Equal(t, 70.0, byName["rollout.transaction_categorization.baseline_confidence"])
	assert.Equal(t, 90.0, byName["rollout.transaction_categorization.variant_confidence"])
	assert.Equal(t, 0.0, byName["rollout.payment_matching.decision_count"])
}
