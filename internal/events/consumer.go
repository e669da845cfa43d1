package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/allegro-price-monitor/internal/database"
)

// StreamReader is the part of the redis client a Consumer uses.
type StreamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Handler receives every PRICE_CHECKED event read from the stream. A
// returned error leaves the message unacknowledged.
type Handler func(ctx context.Context, event *PriceCheckedPayload) error

type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	Count  int64
	Block  time.Duration
}

// Consumer reads price check events through a consumer group.
type Consumer struct {
	client  StreamReader
	cfg     ConsumerConfig
	handler Handler
	logger  *slog.Logger
}

func NewConsumer(client StreamReader, cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = database.DefaultTargetStream
	}
	if cfg.Group == "" {
		cfg.Group = "price-events"
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Count < 1 {
		cfg.Count = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "event_consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// Run creates the consumer group if needed and reads until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("consumer started", "consumer", c.cfg.Name)

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return ctx.Err()
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to read from stream", "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// poll reads one batch and acknowledges every message that was handled.
func (c *Consumer) poll(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if err := c.process(ctx, msg); err != nil {
				c.logger.Error("failed to process message", "id", msg.ID, "error", err)
				continue
			}
			if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
			}
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) error {
	event, err := DecodeMessage(msg)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	return c.handler(ctx, event)
}

// DecodeMessage returns the PRICE_CHECKED payload of a stream entry, or nil
// for entries of other event types.
func DecodeMessage(msg redis.XMessage) (*PriceCheckedPayload, error) {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != string(EventTypePriceChecked) {
		return nil, nil
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing data in event")
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("missing payload in event")
	}

	var payload PriceCheckedPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return &payload, nil
}

// UndercutLogger logs every check where a competitor is at least minDiff
// cheaper than the own offer.
func UndercutLogger(logger *slog.Logger, minDiff float64) Handler {
	return func(ctx context.Context, event *PriceCheckedPayload) error {
		switch {
		case event.Error != "":
			logger.Debug("failed check", "offer_id", event.OfferID, "error", event.Error)
		case event.Cheapest == nil || event.PriceDiff == nil:
			logger.Info("no competitor offer", "offer_id", event.OfferID)
		case *event.PriceDiff > 0 && *event.PriceDiff >= minDiff:
			logger.Warn("competitor undercuts offer",
				"offer_id", event.OfferID,
				"my_price", event.MyPrice,
				"competitor", event.Cheapest.Seller,
				"competitor_price", event.Cheapest.Price,
				"price_diff", *event.PriceDiff)
		case *event.PriceDiff > 0:
			logger.Info("competitor cheaper below threshold", "offer_id", event.OfferID, "price_diff", *event.PriceDiff)
		default:
			logger.Info("offer is cheapest", "offer_id", event.OfferID, "competitors", event.CompetitorCount)
		}
		return nil
	}
}
