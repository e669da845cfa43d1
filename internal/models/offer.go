package models

import (
	"math"
	"time"
)

// CompetitorOffer is one seller's offer on the comparison page.
type CompetitorOffer struct {
	Seller           string  `json:"seller"`
	Price            float64 `json:"price"`
	Currency         string  `json:"currency"`
	DeliveryText     string  `json:"delivery_text"`
	DeliveryDays     *int    `json:"delivery_days"`
	IsPrioritySeller bool    `json:"is_priority_seller"`
	OfferID          string  `json:"offer_id,omitempty"`
	OfferURL         string  `json:"offer_url,omitempty"`
}

// PriceCheckResult is the outcome of one task run.
type PriceCheckResult struct {
	TaskID                string            `json:"task_id"`
	OfferID               string            `json:"offer_id"`
	MyPrice               float64           `json:"my_price"`
	Cheapest              *CompetitorOffer  `json:"cheapest"`
	PriceDiff             *float64          `json:"price_diff"`
	CompetitorCount       int               `json:"competitor_count"`
	TotalOffersConsidered int               `json:"total_offers_considered"`
	Competitors           []CompetitorOffer `json:"competitors"`
	CheckedAt             time.Time         `json:"checked_at"`
	Error                 string            `json:"error,omitempty"`
	ErrorKind             string            `json:"error_kind,omitempty"`
	Engine                string            `json:"engine,omitempty"`
	WorkerID              string            `json:"worker_id,omitempty"`
	Strategy              string            `json:"strategy,omitempty"`
}

func (r *PriceCheckResult) Failed() bool {
	return r.Error != "" || r.ErrorKind != ""
}

// CompetitorCheaper reports whether the cheapest eligible competitor undercuts us.
func (r *PriceCheckResult) CompetitorCheaper() bool {
	return r.PriceDiff != nil && *r.PriceDiff > 0
}

// RecomputeDiff refreshes PriceDiff for a new own price, keeping the cheapest offer.
func (r *PriceCheckResult) RecomputeDiff(myPrice float64) {
	r.MyPrice = myPrice
	r.PriceDiff = nil
	if r.Cheapest != nil {
		diff := RoundCents(myPrice - r.Cheapest.Price)
		r.PriceDiff = &diff
	}
}

func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// IntPtr is a convenience for nullable day counts.
func IntPtr(v int) *int {
	return &v
}
