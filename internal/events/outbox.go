package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/allegro-price-monitor/internal/database"
	"github.com/maltedev/allegro-price-monitor/internal/models"
)

// OutboxWriter is the part of database.OutboxRepository the publisher needs.
type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// OutboxPublisher writes PRICE_CHECKED events into the transactional outbox.
// The relay forwards them to Redis after commit.
type OutboxPublisher struct {
	outbox OutboxWriter
	stream string
	now    func() time.Time
	logger *slog.Logger
}

func NewOutboxPublisher(outbox OutboxWriter, stream string, logger *slog.Logger) *OutboxPublisher {
	if stream == "" {
		stream = database.DefaultTargetStream
	}
	return &OutboxPublisher{
		outbox: outbox,
		stream: stream,
		now:    time.Now,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishWithTx records the event in tx, next to the task update it describes.
func (p *OutboxPublisher) PublishWithTx(ctx context.Context, tx pgx.Tx, result *models.PriceCheckResult) error {
	payload := NewPriceChecked(result, p.now())

	data, err := payload.marshal()
	if err != nil {
		return err
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   result.OfferID,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}

	if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Debug("event written to outbox",
		"event_id", payload.EventID,
		"task_id", result.TaskID,
		"offer_id", result.OfferID,
		"outbox_id", event.ID,
	)
	return nil
}
