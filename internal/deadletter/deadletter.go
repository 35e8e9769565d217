// Package deadletter surfaces events that failed persistence after exhausting
// retries, so operators can recover them instead of losing history.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opslens/chronicle/internal/models"
)

// Publisher records failed-to-persist events on a durable side channel.
type Publisher interface {
	Publish(ctx context.Context, event models.TimelineEvent, reason string) error
	Close() error
}

// Record is the wire shape written to the dead-letter topic.
type Record struct {
	Event      models.TimelineEvent `json:"event"`
	Reason     string               `json:"reason"`
	FailedAt   time.Time            `json:"failed_at"`
	PipelineID string               `json:"pipeline_id,omitempty"`
}

// KafkaConfig holds producer parameters.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	MaxAttempts  int
}

// KafkaPublisher writes dead-letter records to Kafka, keyed by resource key so
// records for one resource land on one partition in order.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
	logger      *slog.Logger
}

// NewKafkaPublisher constructs a publisher; at least one broker is required.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("deadletter: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("deadletter: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaPublisher{
		writer:      writer,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}, nil
}

// Publish writes one record, retrying transient failures with backoff.
func (p *KafkaPublisher) Publish(ctx context.Context, event models.TimelineEvent, reason string) error {
	record := Record{Event: event, Reason: reason, FailedAt: time.Now().UTC()}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("deadletter: encode record: %w", err)
	}

	msg := kafka.Message{Key: []byte(event.ResourceKey), Value: value}
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.writer.WriteMessages(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < p.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("deadletter: publish after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher degrades to structured logging when no brokers are configured;
// records are still operator-visible, just not durable.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs the logging fallback.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the failed event at error level.
func (p *LogPublisher) Publish(ctx context.Context, event models.TimelineEvent, reason string) error {
	p.logger.Error("dead-letter event",
		slog.String("event_id", event.ID),
		slog.String("resource_key", event.ResourceKey),
		slog.String("dedup_key", event.DedupKey),
		slog.String("reason", reason))
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
