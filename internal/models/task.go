package models

import (
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskError      TaskStatus = "error"
)

// PriceCheckTask asks a worker to compare one owned listing against its competitors.
type PriceCheckTask struct {
	ID          string     `json:"id"`
	OfferID     string     `json:"offer_id"`
	Title       string     `json:"title"`
	MyPrice     float64    `json:"my_price"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// IsOpen reports whether the task still blocks a new enqueue for the same offer.
func (t *PriceCheckTask) IsOpen() bool {
	return t.Status == TaskPending || t.Status == TaskProcessing
}

func (t *PriceCheckTask) IsFinished() bool {
	return t.Status == TaskDone || t.Status == TaskError
}

// ClaimExpired reports whether a processing task was claimed before cutoff.
func (t *PriceCheckTask) ClaimExpired(cutoff time.Time) bool {
	if t.Status != TaskProcessing || t.ClaimedAt == nil {
		return false
	}
	return t.ClaimedAt.Before(cutoff)
}

// StatusCounts is the observability view of the queue.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Errors     int `json:"errors"`
}

// ExcludedSeller is a seller that is never treated as a competitor.
type ExcludedSeller struct {
	Name       string    `json:"name"`
	Reason     string    `json:"reason,omitempty"`
	ExcludedAt time.Time `json:"excluded_at"`
}
