package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaForwarderConfig contains configurable parameters for the Kafka
// decision forwarder.
type KafkaForwarderConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic decision records are written to.
	Topic string

	// MaxAttempts is how many times a forward is retried on transient
	// error. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer is
	// used so records for the same tenant land on the same partition.
	Balancer kafka.Balancer
}

// KafkaForwarder is a lightweight wrapper over segmentio/kafka-go Writer
// that delivers decision records with bounded retries. Callers treat
// delivery as best-effort; a lost record degrades the audit trail, never
// the capability call.
type KafkaForwarder struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaForwarder(cfg KafkaForwarderConfig) (*KafkaForwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaForwarder{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// ForwardDecision writes one decision record keyed by tenant id so records
// for a tenant preserve partition ordering. Retries with exponential
// backoff up to MaxAttempts.
func (f *KafkaForwarder) ForwardDecision(ctx context.Context, rec DecisionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(rec.TenantID),
			Value: value,
			Time:  time.Now().UTC(),
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := f.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("forward failed after %d attempts: %w", f.maxAttempts, lastErr)
}

// Close shuts down the underlying writer and releases resources.
func (f *KafkaForwarder) Close() error {
	if f == nil || f.writer == nil {
		return nil
	}
	return f.writer.Close()
}
