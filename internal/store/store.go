package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crechebooks/rollout/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence abstraction for rollout flags and comparison
// telemetry. Flags are upserted by (tenant, capability); comparison records
// are append-only and queried by tenant/capability/time window.
type Store interface {
	UpsertFlag(ctx context.Context, in FlagInput) (models.RolloutFlag, error)
	GetFlag(ctx context.Context, tenantID string, capability models.Capability) (models.RolloutFlag, error)
	ListFlags(ctx context.Context, tenantID string) ([]models.RolloutFlag, error)
	AppendComparison(ctx context.Context, in ComparisonInput) (models.ComparisonRecord, error)
	ListComparisons(ctx context.Context, filter ComparisonFilter) ([]models.ComparisonRecord, error)
	ListComparisonsAfter(ctx context.Context, after time.Time, limit int) ([]models.ComparisonRecord, error)
	Ping(ctx context.Context) error
}

type FlagInput struct {
	TenantID   string
	Capability models.Capability
	Enabled    bool
	Mode       models.Mode
	Metadata   json.RawMessage
}

type ComparisonInput struct {
	ID                 uuid.UUID
	TenantID           string
	Capability         models.Capability
	BaselineResult     json.RawMessage
	VariantResult      json.RawMessage
	BaselineConfidence float64
	VariantConfidence  float64
	BaselineDurationMs int64
	VariantDurationMs  int64
	ResultsMatch       bool
	MatchDetail        json.RawMessage
	// CreatedAt defaults to now when zero; backfilled telemetry may supply
	// its original timestamp.
	CreatedAt time.Time
}

type ComparisonFilter struct {
	TenantID   string
	Capability models.Capability
	Since      time.Time
	Until      time.Time
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the rollout tables when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS rollout_flags (
  tenant_id text NOT NULL,
  capability text NOT NULL,
  enabled boolean NOT NULL DEFAULT false,
  mode text NOT NULL DEFAULT 'disabled',
  metadata jsonb NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, capability)
);
CREATE TABLE IF NOT EXISTS comparison_records (
  id uuid PRIMARY KEY,
  tenant_id text NOT NULL,
  capability text NOT NULL,
  baseline_result jsonb,
  variant_result jsonb,
  baseline_confidence double precision NOT NULL DEFAULT 0,
  variant_confidence double precision NOT NULL DEFAULT 0,
  baseline_duration_ms bigint NOT NULL DEFAULT 0,
  variant_duration_ms bigint NOT NULL DEFAULT 0,
  results_match boolean NOT NULL DEFAULT false,
  match_detail jsonb,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_comparison_records_window
  ON comparison_records (tenant_id, capability, created_at);
CREATE INDEX IF NOT EXISTS idx_comparison_records_created_at
  ON comparison_records (created_at);
`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func scanFlag(row rowScanner) (models.RolloutFlag, error) {
	var (
		flag     models.RolloutFlag
		mode     string
		metadata []byte
	)
	if err := row.Scan(
		&flag.TenantID,
		&flag.Capability,
		&flag.Enabled,
		&mode,
		&metadata,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	); err != nil {
		return models.RolloutFlag{}, err
	}
	flag.Mode = models.Mode(mode)
	flag.Metadata = append(json.RawMessage(nil), metadata...)
	return flag, nil
}

func scanComparison(row rowScanner) (models.ComparisonRecord, error) {
	var (
		rec      models.ComparisonRecord
		variant  []byte
		detail   []byte
		baseline []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.Capability,
		&baseline,
		&variant,
		&rec.BaselineConfidence,
		&rec.VariantConfidence,
		&rec.BaselineDurationMs,
		&rec.VariantDurationMs,
		&rec.ResultsMatch,
		&detail,
		&rec.CreatedAt,
	); err != nil {
		return models.ComparisonRecord{}, err
	}
	rec.BaselineResult = append(json.RawMessage(nil), baseline...)
	if len(variant) > 0 {
		rec.VariantResult = append(json.RawMessage(nil), variant...)
	}
	if len(detail) > 0 {
		rec.MatchDetail = append(json.RawMessage(nil), detail...)
	}
	return rec, nil
}

func (s *PGStore) UpsertFlag(ctx context.Context, in FlagInput) (models.RolloutFlag, error) {
	query := `
		INSERT INTO rollout_flags (tenant_id, capability, enabled, mode, metadata)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, capability) DO UPDATE
		SET enabled=EXCLUDED.enabled, mode=EXCLUDED.mode, metadata=EXCLUDED.metadata, updated_at=NOW()
		RETURNING tenant_id, capability, enabled, mode, metadata, created_at, updated_at
	`
	row := s.db.QueryRowContext(ctx, query, in.TenantID, in.Capability, in.Enabled, string(in.Mode), ensureJSON(in.Metadata, "{}"))
	flag, err := scanFlag(row)
	if err != nil {
		return models.RolloutFlag{}, fmt.Errorf("upsert rollout flag: %w", err)
	}
	return flag, nil
}

func (s *PGStore) GetFlag(ctx context.Context, tenantID string, capability models.Capability) (models.RolloutFlag, error) {
	const query = `
		SELECT tenant_id, capability, enabled, mode, metadata, created_at, updated_at
		FROM rollout_flags WHERE tenant_id=$1 AND capability=$2
	`
	flag, err := scanFlag(s.db.QueryRowContext(ctx, query, tenantID, capability))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RolloutFlag{}, ErrNotFound
		}
		return models.RolloutFlag{}, fmt.Errorf("get rollout flag: %w", err)
	}
	return flag, nil
}

func (s *PGStore) ListFlags(ctx context.Context, tenantID string) ([]models.RolloutFlag, error) {
	const query = `
		SELECT tenant_id, capability, enabled, mode, metadata, created_at, updated_at
		FROM rollout_flags WHERE tenant_id=$1
		ORDER BY capability
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rollout flags: %w", err)
	}
	defer rows.Close()

	var flags []models.RolloutFlag
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout flag: %w", err)
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollout flags: %w", err)
	}
	return flags, nil
}

func (s *PGStore) AppendComparison(ctx context.Context, in ComparisonInput) (models.ComparisonRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var variant interface{}
	if len(in.VariantResult) > 0 {
		variant = []byte(in.VariantResult)
	}
	query := `
		INSERT INTO comparison_records
			(id, tenant_id, capability, baseline_result, variant_result,
			 baseline_confidence, variant_confidence, baseline_duration_ms, variant_duration_ms,
			 results_match, match_detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, tenant_id, capability, baseline_result, variant_result,
			baseline_confidence, variant_confidence, baseline_duration_ms, variant_duration_ms,
			results_match, match_detail, created_at
	`
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.TenantID, in.Capability,
		ensureJSON(in.BaselineResult, "null"), variant,
		in.BaselineConfidence, in.VariantConfidence,
		in.BaselineDurationMs, in.VariantDurationMs,
		in.ResultsMatch, ensureJSON(in.MatchDetail, "{}"), createdAt)
	rec, err := scanComparison(row)
	if err != nil {
		return models.ComparisonRecord{}, fmt.Errorf("insert comparison record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListComparisons(ctx context.Context, filter ComparisonFilter) ([]models.ComparisonRecord, error) {
	query := `
		SELECT id, tenant_id, capability, baseline_result, variant_result,
			baseline_confidence, variant_confidence, baseline_duration_ms, variant_duration_ms,
			results_match, match_detail, created_at
		FROM comparison_records
		WHERE tenant_id=$1 AND capability=$2
	`
	args := []interface{}{filter.TenantID, filter.Capability}
	argPos := 3
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argPos)
		args = append(args, filter.Since)
		argPos++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argPos)
		args = append(args, filter.Until)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comparison records: %w", err)
	}
	defer rows.Close()

	var records []models.ComparisonRecord
	for rows.Next() {
		rec, err := scanComparison(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comparison record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comparison records: %w", err)
	}
	return records, nil
}

func (s *PGStore) ListComparisonsAfter(ctx context.Context, after time.Time, limit int) ([]models.ComparisonRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, tenant_id, capability, baseline_result, variant_result,
			baseline_confidence, variant_confidence, baseline_duration_ms, variant_duration_ms,
			results_match, match_detail, created_at
		FROM comparison_records
		WHERE created_at > $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list comparison records after: %w", err)
	}
	defer rows.Close()

	var records []models.ComparisonRecord
	for rows.Next() {
		rec, err := scanComparison(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comparison record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comparison records: %w", err)
	}
	return records, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
