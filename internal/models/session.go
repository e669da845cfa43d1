package models

import "time"

// BanState is the worker local pacing state between navigations.
type BanState struct {
	ConsecutiveRequests int           `json:"consecutive_requests"`
	LastDelay           time.Duration `json:"last_delay"`
	BlockedSince        *time.Time    `json:"blocked_since,omitempty"`
}
