// Package models contains the canonical types shared by the rollout
// controller: per-tenant capability flags, comparison telemetry, derived
// reports, and promotion criteria/results.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Mode is the effective execution mode for a (tenant, capability) pair.
type Mode string

const (
	// ModeDisabled runs the baseline implementation only. This is the
	// permanent fallback and the default for any unknown flag state.
	ModeDisabled Mode = "disabled"
	// ModeShadow runs both implementations; only the baseline result is
	// ever returned to the caller.
	ModeShadow Mode = "shadow"
	// ModePrimary serves the variant result, falling back to the baseline
	// on any variant failure.
	ModePrimary Mode = "primary"
)

// Valid reports whether m is one of the three known modes. Persisted flag
// rows with any other value are treated as disabled.
func (m Mode) Valid() bool {
	switch m {
	case ModeDisabled, ModeShadow, ModePrimary:
		return true
	}
	return false
}

// Capability identifies one decision function that has both a baseline and
// a variant implementation.
type Capability string

const (
	CapabilityTransactionCategorization Capability = "transaction_categorization"
	CapabilityPaymentMatching           Capability = "payment_matching"
	CapabilityTaxComputation            Capability = "tax_computation"
	CapabilityDocumentExtraction        Capability = "document_extraction"
	CapabilityOrchestration             Capability = "orchestration"
)

// Capabilities returns the fixed set of capabilities under rollout, in
// stable order. Reports and status enumerations fan out over this set.
func Capabilities() []Capability {
	return []Capability{
		CapabilityTransactionCategorization,
		CapabilityPaymentMatching,
		CapabilityTaxComputation,
		CapabilityDocumentExtraction,
		CapabilityOrchestration,
	}
}

// RolloutFlag is the persisted mode for one (tenant, capability) pair.
// Rows are created implicitly on first enable, mutated by the resolver's
// writers, and never deleted (kept for audit).
type RolloutFlag struct {
	TenantID   string          `json:"tenantId"`
	Capability Capability      `json:"capability"`
	Enabled    bool            `json:"enabled"`
	Mode       Mode            `json:"mode"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// TransitionMetadata is the audit context stamped onto a flag at each mode
// transition. Stored as the flag's opaque metadata blob.
type TransitionMetadata struct {
	Reason       string         `json:"reason,omitempty"`
	PreviousMode Mode           `json:"previousMode,omitempty"`
	TransitionAt time.Time      `json:"transitionAt"`
	Report       *ReportSummary `json:"report,omitempty"`
}

// ReportSummary is the condensed report attached to promotion metadata.
type ReportSummary struct {
	TotalObservations int     `json:"totalObservations"`
	MatchRate         float64 `json:"matchRate"`
	LatencyMultiplier float64 `json:"latencyMultiplier"`
	WindowDays        int     `json:"windowDays"`
}

// ComparisonRecord is one dual-execution observation. Results and diffs are
// opaque payloads known only to the capability's comparator. VariantResult
// is nil when the variant failed.
type ComparisonRecord struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           string          `json:"tenantId"`
	Capability         Capability      `json:"capability"`
	BaselineResult     json.RawMessage `json:"baselineResult"`
	VariantResult      json.RawMessage `json:"variantResult,omitempty"`
	BaselineConfidence float64         `json:"baselineConfidence"`
	VariantConfidence  float64         `json:"variantConfidence"`
	BaselineDurationMs int64           `json:"baselineDurationMs"`
	VariantDurationMs  int64           `json:"variantDurationMs"`
	ResultsMatch       bool            `json:"resultsMatch"`
	MatchDetail        json.RawMessage `json:"matchDetail,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// VariantFailed reports whether the observation recorded a variant-side
// failure (no variant result captured).
func (r ComparisonRecord) VariantFailed() bool {
	return len(r.VariantResult) == 0
}

// PromotionCriteria are the go/no-go thresholds evaluated against a report.
// Rates are percentages in [0,100].
type PromotionCriteria struct {
	MinMatchRate         float64 `json:"minMatchRate" yaml:"minMatchRate"`
	MaxLatencyMultiplier float64 `json:"maxLatencyMultiplier" yaml:"maxLatencyMultiplier"`
	MinObservations      int     `json:"minObservations" yaml:"minObservations"`
	MaxVariantErrorRate  float64 `json:"maxVariantErrorRate" yaml:"maxVariantErrorRate"`
	MinWindowDays        int     `json:"minWindowDays" yaml:"minWindowDays"`
}

// DefaultPromotionCriteria returns the stock thresholds: 95% match rate,
// 2.0x latency ceiling, 100 observations, 1% variant error rate, 7 days.
func DefaultPromotionCriteria() PromotionCriteria {
	return PromotionCriteria{
		MinMatchRate:         95,
		MaxLatencyMultiplier: 2.0,
		MinObservations:      100,
		MaxVariantErrorRate:  1,
		MinWindowDays:        7,
	}
}

// ComparisonReport is the derived (never persisted) aggregation over a
// window of comparison records for one (tenant, capability) pair.
type ComparisonReport struct {
	Capability             Capability        `json:"capability"`
	TenantID               string            `json:"tenantId"`
	WindowStart            time.Time         `json:"windowStart"`
	WindowEnd              time.Time         `json:"windowEnd"`
	WindowDays             int               `json:"windowDays"`
	TotalObservations      int               `json:"totalObservations"`
	MatchRate              float64           `json:"matchRate"`
	VariantBetterCount     int               `json:"variantBetterCount"`
	BaselineBetterCount    int               `json:"baselineBetterCount"`
	IdenticalCount         int               `json:"identicalCount"`
	VariantFailureCount    int               `json:"variantFailureCount"`
	VariantErrorRate       float64           `json:"variantErrorRate"`
	AvgBaselineDurationMs  float64           `json:"avgBaselineDurationMs"`
	AvgVariantDurationMs   float64           `json:"avgVariantDurationMs"`
	LatencyMultiplier      float64           `json:"latencyMultiplier"`
	AvgBaselineConfidence  float64           `json:"avgBaselineConfidence"`
	AvgVariantConfidence   float64           `json:"avgVariantConfidence"`
	MeetsPromotionCriteria bool              `json:"meetsPromotionCriteria"`
	Blockers               []string          `json:"blockers"`
	Criteria               PromotionCriteria `json:"criteria"`
}

// Summary condenses the report for flag metadata.
func (r ComparisonReport) Summary() *ReportSummary {
	return &ReportSummary{
		TotalObservations: r.TotalObservations,
		MatchRate:         r.MatchRate,
		LatencyMultiplier: r.LatencyMultiplier,
		WindowDays:        r.WindowDays,
	}
}

// PromotionResult is the transient outcome of a promote or rollback call.
type PromotionResult struct {
	Capability   Capability        `json:"capability"`
	TenantID     string            `json:"tenantId"`
	PreviousMode Mode              `json:"previousMode"`
	NewMode      Mode              `json:"newMode"`
	Success      bool              `json:"success"`
	Reason       string            `json:"reason,omitempty"`
	Report       *ComparisonReport `json:"report,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// CapabilityStatus is one row of an operator status listing.
type CapabilityStatus struct {
	Capability Capability `json:"capability"`
	Mode       Mode       `json:"mode"`
}
