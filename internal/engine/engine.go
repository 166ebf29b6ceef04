// Package engine runs a capability's baseline and variant implementations
// according to the tenant's resolved rollout mode. The variant path can
// never change the caller's result, latency, or success in shadow mode;
// baseline errors always propagate in every mode.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/crechebooks/rollout/internal/audit"
	"github.com/crechebooks/rollout/internal/metrics"
	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/rollout"
	"github.com/crechebooks/rollout/internal/store"
)

// Comparison is what a capability's comparator reports about one variant
// result measured against the baseline result.
type Comparison struct {
	ResultsMatch       bool
	BaselineConfidence float64
	VariantConfidence  float64
	// Detail is an opaque diff the capability wants retained for review.
	Detail json.RawMessage
}

// CompareFunc compares a variant result against the baseline result. It is
// only invoked when the variant succeeded.
type CompareFunc[T any] func(variant, baseline T) Comparison

// Request is one dual-execution invocation.
type Request[T any] struct {
	TenantID   string
	Capability models.Capability
	Baseline   func(ctx context.Context) (T, error)
	Variant    func(ctx context.Context) (T, error)
	Compare    CompareFunc[T]
}

// Engine resolves the mode per call and dispatches. Capability code treats
// the engine as an optional collaborator: a nil *Engine runs the baseline
// only.
type Engine struct {
	resolver  *rollout.Resolver
	store     store.Store
	sink      *audit.Sink
	collector *metrics.Collector
}

func New(resolver *rollout.Resolver, st store.Store, sink *audit.Sink, collector *metrics.Collector) *Engine {
	return &Engine{
		resolver:  resolver,
		store:     st,
		sink:      sink,
		collector: collector,
	}
}

// Run executes the request under the tenant's effective mode and returns
// the observable result. Mode resolution failures degrade to disabled, so
// callers keep receiving baseline results when the flag store is down.
func Run[T any](ctx context.Context, e *Engine, req Request[T]) (T, error) {
	if e == nil {
		return req.Baseline(ctx)
	}

	mode, err := e.resolver.GetMode(ctx, req.TenantID, req.Capability)
	if err != nil {
		log.Printf("[engine] tenant=%s capability=%s mode resolution failed, running baseline only: %v", req.TenantID, req.Capability, err)
		mode = models.ModeDisabled
	}
	e.collector.RecordDecision(req.TenantID, req.Capability, mode)

	switch mode {
	case models.ModeShadow:
		return runShadow(ctx, e, req)
	case models.ModePrimary:
		return runPrimary(ctx, e, req)
	default:
		return req.Baseline(ctx)
	}
}

type baselineOutcome[T any] struct {
	result   T
	duration time.Duration
	err      error
}

// runShadow returns the baseline result unconditionally. The variant runs
// detached on its own lifetime; its completion performs the comparison and
// the store write, and is never awaited by this call path.
func runShadow[T any](ctx context.Context, e *Engine, req Request[T]) (T, error) {
	outcomes := make(chan baselineOutcome[T], 1)
	go observeVariant(context.WithoutCancel(ctx), e, req, outcomes)

	start := time.Now()
	result, err := req.Baseline(ctx)
	outcomes <- baselineOutcome[T]{result: result, duration: time.Since(start), err: err}
	return result, err
}

// observeVariant executes the variant, then compares it against the
// baseline outcome once that arrives. Every failure on this path is
// absorbed.
func observeVariant[T any](ctx context.Context, e *Engine, req Request[T], outcomes <-chan baselineOutcome[T]) {
	variantStart := time.Now()
	variantResult, variantErr := callSafely(ctx, req.Variant)
	variantDuration := time.Since(variantStart)

	baseline := <-outcomes
	if baseline.err != nil {
		// Nothing to compare against; the caller already saw the error.
		return
	}

	in := store.ComparisonInput{
		TenantID:           req.TenantID,
		Capability:         req.Capability,
		BaselineResult:     marshalResult(baseline.result),
		BaselineDurationMs: baseline.duration.Milliseconds(),
		VariantDurationMs:  variantDuration.Milliseconds(),
	}

	outcome := metrics.OutcomeVariantError
	if variantErr != nil {
		in.ResultsMatch = false
		in.MatchDetail = marshalDetail(map[string]string{"variantError": variantErr.Error()})
	} else {
		in.VariantResult = marshalResult(variantResult)
		cmp, cmpErr := compareSafely(req.Compare, variantResult, baseline.result)
		if cmpErr != nil {
			in.ResultsMatch = false
			in.MatchDetail = marshalDetail(map[string]string{"compareError": cmpErr.Error()})
			outcome = metrics.OutcomeMismatch
		} else {
			in.ResultsMatch = cmp.ResultsMatch
			in.BaselineConfidence = cmp.BaselineConfidence
			in.VariantConfidence = cmp.VariantConfidence
			in.MatchDetail = cmp.Detail
			if cmp.ResultsMatch {
				outcome = metrics.OutcomeMatch
			} else {
				outcome = metrics.OutcomeMismatch
			}
		}
	}

	rec, err := e.store.AppendComparison(ctx, in)
	if err != nil {
		log.Printf("[engine] tenant=%s capability=%s persist comparison: %v", req.TenantID, req.Capability, err)
		return
	}
	e.collector.RecordComparison(req.TenantID, req.Capability, outcome)
	e.sink.Forward(ctx, audit.RecordFromComparison(rec, models.ModeShadow))
}

// runPrimary serves the variant result, falling back to the baseline on
// any variant failure. No comparison record is written on this path.
func runPrimary[T any](ctx context.Context, e *Engine, req Request[T]) (T, error) {
	result, err := callSafely(ctx, req.Variant)
	if err == nil {
		return result, nil
	}
	log.Printf("[engine] tenant=%s capability=%s variant failed in primary mode, falling back to baseline: %v", req.TenantID, req.Capability, err)
	return req.Baseline(ctx)
}

// compareSafely invokes a capability's comparator, converting panics into
// errors. The comparator runs on the detached shadow goroutine, where an
// escaped panic would take down the process.
func compareSafely[T any](fn CompareFunc[T], variant, baseline T) (cmp Comparison, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("comparator panic: %v", r)
		}
	}()
	return fn(variant, baseline), nil
}

// callSafely invokes a variant producer, converting panics into errors.
// Variant failures are expected and must never escape.
func callSafely[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("variant panic: %v", r)
		}
	}()
	return fn(ctx)
}

func marshalResult(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[engine] marshal result: %v", err)
		return json.RawMessage("null")
	}
	return b
}

func marshalDetail(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
