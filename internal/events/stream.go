package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/allegro-price-monitor/internal/database"
	"github.com/maltedev/allegro-price-monitor/internal/models"
)

// StreamPublisher adds PRICE_CHECKED events straight to a Redis stream. The
// memory backend has no outbox, so delivery is best effort.
type StreamPublisher struct {
	client database.RedisClient
	stream string
	now    func() time.Time
	logger *slog.Logger
}

func NewStreamPublisher(client database.RedisClient, stream string, logger *slog.Logger) *StreamPublisher {
	if stream == "" {
		stream = database.DefaultTargetStream
	}
	return &StreamPublisher{
		client: client,
		stream: stream,
		now:    time.Now,
		logger: logger.With("component", "event_publisher"),
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, result *models.PriceCheckResult) error {
	payload := NewPriceChecked(result, p.now())

	body, err := payload.marshal()
	if err != nil {
		return err
	}

	data, err := json.Marshal(Envelope{
		ID:            payload.EventID,
		Type:          payload.EventType,
		AggregateType: aggregateType,
		AggregateID:   result.OfferID,
		Timestamp:     payload.Timestamp.Format(time.RFC3339),
		Payload:       body,
		Metadata:      map[string]interface{}{"source": "queue-server"},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stream data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_type":     payload.EventType,
			"aggregate_type": aggregateType,
			"aggregate_id":   result.OfferID,
			"data":           string(data),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", payload.EventID,
		"task_id", result.TaskID,
		"stream", p.stream,
	)
	return nil
}
