package audit

import (
	"context"
	"log"
	"time"

	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/store"
)

// StreamerConfig configures the store-tailing decision streamer.
type StreamerConfig struct {
	// BatchSize is how many records to fetch per poll.
	BatchSize int

	// PollInterval between polls when the store is drained.
	PollInterval time.Duration
}

// Streamer tails the comparison store and forwards each new record to the
// sink. The store stays the source of truth: forwarding is best-effort and
// a failed delivery is logged and skipped, never retried synchronously.
// The cursor is the latest forwarded createdAt, so records created in the
// same instant as the cursor can be skipped; acceptable for an audit trail
// that is explicitly lossy.
type Streamer struct {
	store store.Store
	sink  *Sink
	cfg   StreamerConfig

	cursor time.Time
}

// NewStreamer constructs a streamer. Zero cfg fields get defaults. The
// cursor starts at construction time so a restart does not replay history.
func NewStreamer(st store.Store, sink *Sink, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Streamer{
		store:  st,
		sink:   sink,
		cfg:    cfg,
		cursor: time.Now().UTC(),
	}
}

// Run polls until ctx is cancelled. Safe to run in a goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, poll=%s)", s.cfg.BatchSize, s.cfg.PollInterval)
	defer log.Printf("[audit.streamer] stopped")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		records, err := s.store.ListComparisonsAfter(ctx, s.cursor, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch records: %v", err)
			continue
		}
		for _, rec := range records {
			s.sink.Forward(ctx, RecordFromComparison(rec, models.ModeShadow))
			if rec.CreatedAt.After(s.cursor) {
				s.cursor = rec.CreatedAt
			}
		}
	}
}
