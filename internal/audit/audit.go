// Package audit forwards dual-execution outcomes to external sinks as
// structured decision records. Forwarding is strictly best-effort: every
// failure is logged and swallowed so telemetry can never disturb the
// capability call path.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/crechebooks/rollout/internal/models"
)

// DecisionRecord is the envelope forwarded for each comparison outcome.
type DecisionRecord struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenantId"`
	Capability    models.Capability `json:"capability"`
	Mode          models.Mode       `json:"mode"`
	ResultsMatch  bool              `json:"resultsMatch"`
	VariantFailed bool              `json:"variantFailed"`
	BaselineMs    int64             `json:"baselineDurationMs"`
	VariantMs     int64             `json:"variantDurationMs"`
	BaselineConf  float64           `json:"baselineConfidence"`
	VariantConf   float64           `json:"variantConfidence"`
	ObservedAt    time.Time         `json:"observedAt"`
}

// RecordFromComparison builds the decision envelope for a persisted
// comparison record.
func RecordFromComparison(rec models.ComparisonRecord, mode models.Mode) DecisionRecord {
	return DecisionRecord{
		ID:            rec.ID.String(),
		TenantID:      rec.TenantID,
		Capability:    rec.Capability,
		Mode:          mode,
		ResultsMatch:  rec.ResultsMatch,
		VariantFailed: rec.VariantFailed(),
		BaselineMs:    rec.BaselineDurationMs,
		VariantMs:     rec.VariantDurationMs,
		BaselineConf:  rec.BaselineConfidence,
		VariantConf:   rec.VariantConfidence,
		ObservedAt:    rec.CreatedAt,
	}
}

// Forwarder delivers one decision record to a sink.
type Forwarder interface {
	ForwardDecision(ctx context.Context, rec DecisionRecord) error
}

// Sink fans a decision record out to zero or more forwarders, absorbing
// every error. A nil *Sink is a valid no-op.
type Sink struct {
	forwarders []Forwarder
}

func NewSink(forwarders ...Forwarder) *Sink {
	return &Sink{forwarders: forwarders}
}

// Forward delivers the record to each configured forwarder. Failures are
// logged and never returned.
func (s *Sink) Forward(ctx context.Context, rec DecisionRecord) {
	if s == nil {
		return
	}
	for _, f := range s.forwarders {
		if err := f.ForwardDecision(ctx, rec); err != nil {
			log.Printf("[audit] forward decision %s: %v", rec.ID, err)
		}
	}
}
