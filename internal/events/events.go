package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/allegro-price-monitor/internal/models"
)

type EventType string

const (
	// EventTypePriceChecked is published once per finished task.
	EventTypePriceChecked EventType = "PRICE_CHECKED"

	aggregateType = "price_check"
)

// PriceCheckedPayload is what downstream consumers (the dashboard, repricing
// alerts) read from the stream.
type PriceCheckedPayload struct {
	EventID           string                  `json:"event_id"`
	EventType         string                  `json:"event_type"`
	Timestamp         time.Time               `json:"timestamp"`
	TaskID            string                  `json:"task_id"`
	OfferID           string                  `json:"offer_id"`
	MyPrice           float64                 `json:"my_price"`
	Cheapest          *models.CompetitorOffer `json:"cheapest"`
	PriceDiff         *float64                `json:"price_diff"`
	CompetitorCount   int                     `json:"competitor_count"`
	CompetitorCheaper bool                    `json:"competitor_cheaper"`
	Error             string                  `json:"error,omitempty"`
}

func NewPriceChecked(result *models.PriceCheckResult, now time.Time) *PriceCheckedPayload {
	return &PriceCheckedPayload{
		EventID:           uuid.New().String(),
		EventType:         string(EventTypePriceChecked),
		Timestamp:         now.UTC(),
		TaskID:            result.TaskID,
		OfferID:           result.OfferID,
		MyPrice:           result.MyPrice,
		Cheapest:          result.Cheapest,
		PriceDiff:         result.PriceDiff,
		CompetitorCount:   result.CompetitorCount,
		CompetitorCheaper: result.CompetitorCheaper(),
		Error:             result.Error,
	}
}

func (p *PriceCheckedPayload) marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Envelope is the JSON stored under "data" in every stream entry. The outbox
// relay writes the same shape.
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Timestamp     string                 `json:"timestamp"`
	Payload       json.RawMessage        `json:"payload"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Publisher announces a finished price check outside a database transaction.
type Publisher interface {
	Publish(ctx context.Context, result *models.PriceCheckResult) error
}
