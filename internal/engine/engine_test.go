package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crechebooks/rollout/internal/engine"
	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/rollout"
	"github.com/crechebooks/rollout/internal/store"
)

type categorization struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func newTestEngine(t *testing.T, st store.Store) (*engine.Engine, *rollout.Resolver) {
	t.Helper()
	resolver := rollout.New(st)
	return engine.New(resolver, st, nil, nil), resolver
}

func compareByCategory(variant, baseline categorization) engine.Comparison {
	return engine.Comparison{
		ResultsMatch:       variant.Category == baseline.Category,
		BaselineConfidence: baseline.Confidence,
		VariantConfidence:  variant.Confidence,
	}
}

func listRecords(t *testing.T, st store.Store, tenantID string, capability models.Capability) []models.ComparisonRecord {
	t.Helper()
	records, err := st.ListComparisons(context.Background(), store.ComparisonFilter{
		TenantID:   tenantID,
		Capability: capability,
	})
	require.NoError(t, err)
	return records
}

func TestRunDisabledExecutesBaselineOnly(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, _ := newTestEngine(t, mem)

	var variantCalls int32
	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityTransactionCategorization,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "groceries", Confidence: 80}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			atomic.AddInt32(&variantCalls, 1)
			return categorization{Category: "groceries", Confidence: 95}, nil
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "groceries", result.Category)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&variantCalls))
	assert.Empty(t, listRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization))
}

func TestRunNilEngineFallsBackToBaseline(t *testing.T) {
	result, err := engine.Run(context.Background(), nil, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityTransactionCategorization,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "rent"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			t.Fatal("variant must not run without an engine")
			return categorization{}, nil
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "rent", result.Category)
}

func TestRunShadowReturnsBaselineAndRecordsComparison(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityTransactionCategorization, models.TransitionMetadata{})
	require.NoError(t, err)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityTransactionCategorization,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "groceries", Confidence: 80}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "dining", Confidence: 92}, nil
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "groceries", result.Category, "shadow mode must always return the baseline result")

	require.Eventually(t, func() bool {
		return len(listRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := listRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization)[0]
	assert.False(t, rec.ResultsMatch)
	assert.False(t, rec.VariantFailed())
	assert.EqualValues(t, 80, rec.BaselineConfidence)
	assert.EqualValues(t, 92, rec.VariantConfidence)
	assert.GreaterOrEqual(t, rec.BaselineDurationMs, int64(0))
	assert.GreaterOrEqual(t, rec.VariantDurationMs, int64(0))

	var baseline categorization
	require.NoError(t, json.Unmarshal(rec.BaselineResult, &baseline))
	assert.Equal(t, "groceries", baseline.Category)
	var variant categorization
	require.NoError(t, json.Unmarshal(rec.VariantResult, &variant))
	assert.Equal(t, "dining", variant.Category)
}

func TestRunShadowVariantErrorAbsorbed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityPaymentMatching, models.TransitionMetadata{})
	require.NoError(t, err)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityPaymentMatching,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "matched", Confidence: 99}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{}, errors.New("model unavailable")
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "matched", result.Category)

	require.Eventually(t, func() bool {
		return len(listRecords(t, mem, "tenant-1", models.CapabilityPaymentMatching)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := listRecords(t, mem, "tenant-1", models.CapabilityPaymentMatching)[0]
	assert.True(t, rec.VariantFailed())
	assert.False(t, rec.ResultsMatch)
	assert.Contains(t, string(rec.MatchDetail), "model unavailable")
}

func TestRunShadowVariantPanicAbsorbed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityOrchestration, models.TransitionMetadata{})
	require.NoError(t, err)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityOrchestration,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "scheduled"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			panic("nil pointer in variant")
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "scheduled", result.Category)

	require.Eventually(t, func() bool {
		return len(listRecords(t, mem, "tenant-1", models.CapabilityOrchestration)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	rec := listRecords(t, mem, "tenant-1", models.CapabilityOrchestration)[0]
	assert.True(t, rec.VariantFailed())
	assert.Contains(t, string(rec.MatchDetail), "variant panic")
}

func TestRunShadowComparatorPanicAbsorbed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityDocumentExtraction, models.TransitionMetadata{})
	require.NoError(t, err)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityDocumentExtraction,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "invoice", Confidence: 88}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "receipt", Confidence: 91}, nil
		},
		Compare: func(variant, baseline categorization) engine.Comparison {
			var fields map[string]string
			fields["category"] = variant.Category // nil map write
			return engine.Comparison{}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "invoice", result.Category)

	require.Eventually(t, func() bool {
		return len(listRecords(t, mem, "tenant-1", models.CapabilityDocumentExtraction)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := listRecords(t, mem, "tenant-1", models.CapabilityDocumentExtraction)[0]
	assert.False(t, rec.ResultsMatch)
	assert.False(t, rec.VariantFailed(), "the variant itself succeeded")
	assert.Contains(t, string(rec.MatchDetail), "comparator panic")

	var variant categorization
	require.NoError(t, json.Unmarshal(rec.VariantResult, &variant))
	assert.Equal(t, "receipt", variant.Category)
}

func TestRunShadowHungVariantDoesNotBlockCaller(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityTaxComputation, models.TransitionMetadata{})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityTaxComputation,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "vat"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			<-release
			return categorization{}, errors.New("released")
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "vat", result.Category)
	assert.Less(t, time.Since(start), time.Second, "caller latency must be baseline latency, not baseline+variant")

	// A hung variant produces no comparison record.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, listRecords(t, mem, "tenant-1", models.CapabilityTaxComputation))
}

func TestRunShadowBaselineErrorPropagates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityPaymentMatching, models.TransitionMetadata{})
	require.NoError(t, err)

	baselineErr := errors.New("ledger locked")
	_, err = engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityPaymentMatching,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{}, baselineErr
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "matched"}, nil
		},
		Compare: compareByCategory,
	})
	assert.ErrorIs(t, err, baselineErr)

	// No record without a baseline result to compare against.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, listRecords(t, mem, "tenant-1", models.CapabilityPaymentMatching))
}

type appendFailingStore struct {
	store.Store
}

func (s *appendFailingStore) AppendComparison(ctx context.Context, in store.ComparisonInput) (models.ComparisonRecord, error) {
	return models.ComparisonRecord{}, errors.New("telemetry store down")
}

func TestRunShadowPersistenceFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	wrapped := &appendFailingStore{Store: mem}
	resolver := rollout.New(wrapped)
	eng := engine.New(resolver, wrapped, nil, nil)

	_, err := resolver.EnableShadow(ctx, "tenant-1", models.CapabilityDocumentExtraction, models.TransitionMetadata{})
	require.NoError(t, err)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityDocumentExtraction,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "invoice"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "invoice"}, nil
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "invoice", result.Category)
}

func TestRunPrimaryServesVariant(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnablePrimary(ctx, "tenant-1", models.CapabilityTransactionCategorization, models.TransitionMetadata{})
	require.NoError(t, err)

	var baselineCalls int32
	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityTransactionCategorization,
		Baseline: func(ctx context.Context) (categorization, error) {
			atomic.AddInt32(&baselineCalls, 1)
			return categorization{Category: "groceries"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "dining", Confidence: 97}, nil
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "dining", result.Category)
	assert.EqualValues(t, 97, result.Confidence)
	assert.Zero(t, atomic.LoadInt32(&baselineCalls))

	// Primary is switched-over-with-fallback, not a comparison mode.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, listRecords(t, mem, "tenant-1", models.CapabilityTransactionCategorization))
}

func TestRunPrimaryFallsBackOnVariantFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng, resolver := newTestEngine(t, mem)
	_, err := resolver.EnablePrimary(ctx, "tenant-1", models.CapabilityTaxComputation, models.TransitionMetadata{})
	require.NoError(t, err)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityTaxComputation,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "vat-baseline"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			return categorization{}, errors.New("variant broke")
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err)
	assert.Equal(t, "vat-baseline", result.Category)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, listRecords(t, mem, "tenant-1", models.CapabilityTaxComputation))
}

type brokenFlagStore struct {
	store.Store
}

func (s *brokenFlagStore) GetFlag(ctx context.Context, tenantID string, capability models.Capability) (models.RolloutFlag, error) {
	return models.RolloutFlag{}, errors.New("flag store unreachable")
}

func TestRunModeResolutionFailureDegradesToBaseline(t *testing.T) {
	ctx := context.Background()
	wrapped := &brokenFlagStore{Store: store.NewMemoryStore()}
	resolver := rollout.New(wrapped)
	eng := engine.New(resolver, wrapped, nil, nil)

	result, err := engine.Run(ctx, eng, engine.Request[categorization]{
		TenantID:   "tenant-1",
		Capability: models.CapabilityOrchestration,
		Baseline: func(ctx context.Context) (categorization, error) {
			return categorization{Category: "scheduled"}, nil
		},
		Variant: func(ctx context.Context) (categorization, error) {
			t.Fatal("variant must not run when the mode cannot be resolved")
			return categorization{}, nil
		},
		Compare: compareByCategory,
	})
	require.NoError(t, err, "store unavailability must never surface to the capability caller")
	assert.Equal(t, "scheduled", result.Category)
}
