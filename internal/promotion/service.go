// Package promotion gates mode transitions. Promote moves a capability
// toward primary only when a fresh report clears the go/no-go criteria;
// rollback is the ungated emergency brake back to disabled.
package promotion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/report"
	"github.com/crechebooks/rollout/internal/rollout"
)

type Service struct {
	resolver   *rollout.Resolver
	aggregator *report.Aggregator
}

func New(resolver *rollout.Resolver, aggregator *report.Aggregator) *Service {
	return &Service{resolver: resolver, aggregator: aggregator}
}

// Promote generates a fresh report and, only if every criterion is met,
// upserts the flag to primary. An unmet criterion is a normal outcome, not
// an error: the result carries the blockers as the reason and the mode
// store is left untouched.
func (s *Service) Promote(ctx context.Context, capability models.Capability, tenantID string, criteria *models.PromotionCriteria) (models.PromotionResult, error) {
	previous, err := s.resolver.GetMode(ctx, tenantID, capability)
	if err != nil {
		return models.PromotionResult{}, fmt.Errorf("resolve current mode: %w", err)
	}

	rep, err := s.aggregator.GenerateReport(ctx, capability, tenantID, 0, criteria)
	if err != nil {
		return models.PromotionResult{}, fmt.Errorf("generate report: %w", err)
	}

	result := models.PromotionResult{
		Capability:   capability,
		TenantID:     tenantID,
		PreviousMode: previous,
		NewMode:      previous,
		Report:       &rep,
		Timestamp:    time.Now().UTC(),
	}

	if !rep.MeetsPromotionCriteria {
		result.Success = false
		result.Reason = "promotion criteria not met: " + strings.Join(rep.Blockers, "; ")
		log.Printf("[promotion] tenant=%s capability=%s blocked: %s", tenantID, capability, result.Reason)
		return result, nil
	}

	if _, err := s.resolver.EnablePrimary(ctx, tenantID, capability, models.TransitionMetadata{
		Reason:       "promotion criteria met",
		PreviousMode: previous,
		TransitionAt: result.Timestamp,
		Report:       rep.Summary(),
	}); err != nil {
		return models.PromotionResult{}, fmt.Errorf("enable primary: %w", err)
	}

	result.Success = true
	result.NewMode = models.ModePrimary
	log.Printf("[promotion] tenant=%s capability=%s promoted %s -> %s (match rate %.1f%%)", tenantID, capability, previous, models.ModePrimary, rep.MatchRate)
	return result, nil
}

// Rollback unconditionally disables the capability for the tenant. It is
// never gated on report data, which could itself be failing. The only way
// it fails is an unreachable store.
func (s *Service) Rollback(ctx context.Context, capability models.Capability, tenantID string, reason string) (models.PromotionResult, error) {
	now := time.Now().UTC()
	previous, err := s.resolver.GetMode(ctx, tenantID, capability)
	if err != nil {
		// Still attempt the disable; knowing the prior mode is not worth
		// blocking the brake on.
		log.Printf("[promotion] tenant=%s capability=%s rollback could not resolve prior mode: %v", tenantID, capability, err)
	}
	if reason == "" {
		reason = "operator rollback"
	}
	if _, err := s.resolver.Disable(ctx, tenantID, capability, models.TransitionMetadata{
		Reason:       reason,
		PreviousMode: previous,
		TransitionAt: now,
	}); err != nil {
		return models.PromotionResult{}, fmt.Errorf("disable flag: %w", err)
	}
	log.Printf("[promotion] tenant=%s capability=%s rolled back from %s", tenantID, capability, previous)
	return models.PromotionResult{
		Capability:   capability,
		TenantID:     tenantID,
		PreviousMode: previous,
		NewMode:      models.ModeDisabled,
		Success:      true,
		Reason:       reason,
		Timestamp:    now,
	}, nil
}

// GetStatus enumerates the fixed capability set with resolved modes,
// defaulting unset capabilities to disabled.
func (s *Service) GetStatus(ctx context.Context, tenantID string) ([]models.CapabilityStatus, error) {
	statuses := make([]models.CapabilityStatus, 0, len(models.Capabilities()))
	for _, capability := range models.Capabilities() {
		mode, err := s.resolver.GetMode(ctx, tenantID, capability)
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", capability, err)
		}
		statuses = append(statuses, models.CapabilityStatus{Capability: capability, Mode: mode})
	}
	return statuses, nil
}
