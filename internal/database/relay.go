package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/allegro-price-monitor/internal/metrics"
)

// RedisClient is the part of the redis client the relay and publishers use.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// OutboxRepo is the part of OutboxRepository the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// Relay moves committed price check events from the outbox onto their Redis
// streams. An event that keeps failing is dead lettered by the repository
// after MaxRetryCount attempts.
type Relay struct {
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	source    string
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Source       string
}

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Source == "" {
		config.Source = "queue-server"
	}

	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
		source:    config.Source,
	}
}

// Start relays due events every interval until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.relayBatch(ctx); err != nil {
			r.logger.Error("failed to relay outbox batch", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// relayBatch publishes one batch of due events and returns how many reached
// their stream. A failed event never stops the rest of the batch.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	relayed := 0
	for _, event := range events {
		if r.relay(ctx, event) {
			relayed++
		}
	}

	if len(events) > 0 {
		r.logger.Debug("outbox batch relayed", "due", len(events), "relayed", relayed)
	}
	return relayed, nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) bool {
	logger := r.logger.With(
		"event_id", event.ID,
		"event_type", event.EventType,
		"offer_id", event.AggregateID)

	if err := r.publish(ctx, event); err != nil {
		r.fail(ctx, logger, event, err)
		return false
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// The entry is on the stream already; the next batch publishes it again.
		logger.Error("failed to mark event as processed", "error", err)
		return false
	}

	metrics.OutboxRelayed.WithLabelValues("relayed").Inc()
	logger.Info("event relayed", "target_stream", event.TargetStream)
	return true
}

func (r *Relay) fail(ctx context.Context, logger *slog.Logger, event *OutboxEvent, err error) {
	if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
		logger.Error("failed to mark event as failed", "error", markErr, "publish_error", err)
		return
	}

	attempts := event.RetryCount + 1
	if attempts >= MaxRetryCount {
		metrics.OutboxRelayed.WithLabelValues("dead_letter").Inc()
		logger.Error("event moved to dead letter", "attempts", attempts, "error", err)
		return
	}

	metrics.OutboxRelayed.WithLabelValues("retry").Inc()
	logger.Warn("event publish failed, will retry",
		"attempts", attempts,
		"next_retry_at", nextRetryTime(time.Now(), attempts),
		"error", err)
}

// streamEnvelope mirrors the envelope stream publishers write under "data",
// so consumers read relayed and directly published entries the same way.
type streamEnvelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Timestamp     string                 `json:"timestamp"`
	Payload       json.RawMessage        `json:"payload"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("payload of %s event is not valid JSON", event.EventType)
	}

	data, err := json.Marshal(streamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC().Format(time.RFC3339),
		Payload:       event.Payload,
		Metadata: map[string]interface{}{
			"source":      r.source,
			"outbox_id":   event.ID.String(),
			"retry_count": event.RetryCount,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stream entry: %w", err)
	}

	stream := event.TargetStream
	if stream == "" {
		stream = DefaultTargetStream
	}

	err = r.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
			"data":           string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}
