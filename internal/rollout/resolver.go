// Package rollout resolves the effective execution mode for each
// (tenant, capability) pair and owns all flag mutations.
package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/store"
)

// Resolver reads and writes rollout flags. Every GetMode call re-reads the
// store — there is deliberately no caching, so a rollback takes effect on
// the next invocation anywhere in the system.
type Resolver struct {
	store store.Store
}

func New(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// GetMode returns the effective mode for the pair. Missing rows, disabled
// rows, and corrupt mode values all resolve to disabled. Store errors
// propagate; callers on the execution path must treat them as disabled.
func (r *Resolver) GetMode(ctx context.Context, tenantID string, capability models.Capability) (models.Mode, error) {
	flag, err := r.store.GetFlag(ctx, tenantID, capability)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ModeDisabled, nil
		}
		return models.ModeDisabled, fmt.Errorf("resolve mode: %w", err)
	}
	if !flag.Enabled {
		return models.ModeDisabled, nil
	}
	if !flag.Mode.Valid() {
		log.Printf("[rollout] tenant=%s capability=%s has unknown mode %q, treating as disabled", tenantID, capability, flag.Mode)
		return models.ModeDisabled, nil
	}
	return flag.Mode, nil
}

// IsEnabled reports whether the pair resolves to any mode other than
// disabled.
func (r *Resolver) IsEnabled(ctx context.Context, tenantID string, capability models.Capability) (bool, error) {
	mode, err := r.GetMode(ctx, tenantID, capability)
	if err != nil {
		return false, err
	}
	return mode != models.ModeDisabled, nil
}

// EnableShadow switches the pair to shadow mode.
func (r *Resolver) EnableShadow(ctx context.Context, tenantID string, capability models.Capability, meta models.TransitionMetadata) (models.RolloutFlag, error) {
	return r.upsert(ctx, tenantID, capability, true, models.ModeShadow, meta)
}

// EnablePrimary switches the pair to primary mode.
func (r *Resolver) EnablePrimary(ctx context.Context, tenantID string, capability models.Capability, meta models.TransitionMetadata) (models.RolloutFlag, error) {
	return r.upsert(ctx, tenantID, capability, true, models.ModePrimary, meta)
}

// Disable switches the pair off. Idempotent; the flag row is kept for
// audit.
func (r *Resolver) Disable(ctx context.Context, tenantID string, capability models.Capability, meta models.TransitionMetadata) (models.RolloutFlag, error) {
	return r.upsert(ctx, tenantID, capability, false, models.ModeDisabled, meta)
}

// ListFlags enumerates all flag rows for a tenant.
func (r *Resolver) ListFlags(ctx context.Context, tenantID string) ([]models.RolloutFlag, error) {
	return r.store.ListFlags(ctx, tenantID)
}

func (r *Resolver) upsert(ctx context.Context, tenantID string, capability models.Capability, enabled bool, mode models.Mode, meta models.TransitionMetadata) (models.RolloutFlag, error) {
	if tenantID == "" {
		return models.RolloutFlag{}, fmt.Errorf("tenantId required")
	}
	if meta.TransitionAt.IsZero() {
		meta.TransitionAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return models.RolloutFlag{}, fmt.Errorf("marshal transition metadata: %w", err)
	}
	flag, err := r.store.UpsertFlag(ctx, store.FlagInput{
		TenantID:   tenantID,
		Capability: capability,
		Enabled:    enabled,
		Mode:       mode,
		Metadata:   metadata,
	})
	if err != nil {
		return models.RolloutFlag{}, fmt.Errorf("upsert flag: %w", err)
	}
	log.Printf("[rollout] tenant=%s capability=%s mode=%s enabled=%t", tenantID, capability, mode, enabled)
	return flag, nil
}
