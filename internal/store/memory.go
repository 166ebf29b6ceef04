package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crechebooks/rollout/internal/models"
)

type flagKey struct {
	tenantID   string
	capability models.Capability
}

// MemoryStore is the in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	flags   map[flagKey]models.RolloutFlag
	records []models.ComparisonRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags: map[flagKey]models.RolloutFlag{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		if fallback == "" {
			return nil
		}
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) UpsertFlag(ctx context.Context, in FlagInput) (models.RolloutFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := flagKey{tenantID: in.TenantID, capability: in.Capability}
	flag, ok := m.flags[key]
	if !ok {
		flag = models.RolloutFlag{
			TenantID:   in.TenantID,
			Capability: in.Capability,
			CreatedAt:  now,
		}
	}
	flag.Enabled = in.Enabled
	flag.Mode = in.Mode
	flag.Metadata = copyJSON(in.Metadata, "{}")
	flag.UpdatedAt = now
	m.flags[key] = flag
	return flag, nil
}

func (m *MemoryStore) GetFlag(ctx context.Context, tenantID string, capability models.Capability) (models.RolloutFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flag, ok := m.flags[flagKey{tenantID: tenantID, capability: capability}]
	if !ok {
		return models.RolloutFlag{}, ErrNotFound
	}
	return flag, nil
}

func (m *MemoryStore) ListFlags(ctx context.Context, tenantID string) ([]models.RolloutFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var flags []models.RolloutFlag
	for key, flag := range m.flags {
		if key.tenantID == tenantID {
			flags = append(flags, flag)
		}
	}
	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Capability < flags[j].Capability
	})
	return flags, nil
}

func (m *MemoryStore) AppendComparison(ctx context.Context, in ComparisonInput) (models.ComparisonRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	rec := models.ComparisonRecord{
		ID:                 in.ID,
		TenantID:           in.TenantID,
		Capability:         in.Capability,
		BaselineResult:     copyJSON(in.BaselineResult, "null"),
		VariantResult:      copyJSON(in.VariantResult, ""),
		BaselineConfidence: in.BaselineConfidence,
		VariantConfidence:  in.VariantConfidence,
		BaselineDurationMs: in.BaselineDurationMs,
		VariantDurationMs:  in.VariantDurationMs,
		ResultsMatch:       in.ResultsMatch,
		MatchDetail:        copyJSON(in.MatchDetail, "{}"),
		CreatedAt:          createdAt,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) ListComparisons(ctx context.Context, filter ComparisonFilter) ([]models.ComparisonRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.ComparisonRecord
	for _, rec := range m.records {
		if rec.TenantID != filter.TenantID || rec.Capability != filter.Capability {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.CreatedAt.After(filter.Until) {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (m *MemoryStore) ListComparisonsAfter(ctx context.Context, after time.Time, limit int) ([]models.ComparisonRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.ComparisonRecord
	for _, rec := range m.records {
		if rec.CreatedAt.After(after) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
