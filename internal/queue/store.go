package queue

import (
	"context"
	"errors"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/models"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidResult  = errors.New("invalid result")
	ErrInvalidTask    = errors.New("invalid task")
	ErrSellerNotFound = errors.New("seller not excluded")
)

// SubmitOutcome tells the submitter what happened to the task.
type SubmitOutcome string

const (
	OutcomeCompleted SubmitOutcome = "completed"
	OutcomeFailed    SubmitOutcome = "failed"
	OutcomeRequeued  SubmitOutcome = "requeued"
	OutcomeDuplicate SubmitOutcome = "duplicate"
)

// Store persists tasks, result history and the excluded seller list.
// Claim and Submit must be atomic across concurrent callers.
type Store interface {
	// Enqueue inserts task unless an open task for the same offer exists,
	// in which case the existing id is returned.
	Enqueue(ctx context.Context, task models.PriceCheckTask) (string, error)
	Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]models.PriceCheckTask, error)
	// Submit applies result to its task. result is completed in place with
	// the values taken from the task.
	Submit(ctx context.Context, result *models.PriceCheckResult, maxAttempts int, now time.Time) (SubmitOutcome, error)
	RequeueExpired(ctx context.Context, cutoff time.Time) (int, error)
	Counts(ctx context.Context) (models.StatusCounts, error)
	Recent(ctx context.Context, since *time.Time, limit int) ([]models.PriceCheckResult, error)

	ExcludedSellers(ctx context.Context) ([]models.ExcludedSeller, error)
	ExcludeSeller(ctx context.Context, seller models.ExcludedSeller) error
	IncludeSeller(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close() error
}

// resolve moves task to its next state for result and fills in the parts of
// result the task owns. Both stores call it with the task locked.
func resolve(task *models.PriceCheckTask, result *models.PriceCheckResult, maxAttempts int, now time.Time) SubmitOutcome {
	if task.IsFinished() {
		return OutcomeDuplicate
	}

	result.OfferID = task.OfferID
	if result.MyPrice <= 0 {
		result.MyPrice = task.MyPrice
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = now.UTC()
	}
	if result.Competitors == nil {
		result.Competitors = []models.CompetitorOffer{}
	}
	result.RecomputeDiff(result.MyPrice)

	if result.Failed() {
		kind := monerrors.Kind(result.ErrorKind)
		// A shutdown is never the task's fault, so it does not use up an attempt.
		if kind == monerrors.KindWorkerShutdown ||
			(monerrors.RetryableKind(kind) && task.Attempts < maxAttempts) {
			task.Status = models.TaskPending
			task.ClaimedAt = nil
			task.ClaimedBy = ""
			task.LastError = result.Error
			return OutcomeRequeued
		}

		task.Status = models.TaskError
		task.LastError = result.Error
		task.CompletedAt = &now
		return OutcomeFailed
	}

	task.Status = models.TaskDone
	task.LastError = ""
	task.CompletedAt = &now
	return OutcomeCompleted
}

// validateResult rejects results that cannot describe a real check.
func validateResult(result *models.PriceCheckResult) error {
	if result.TaskID == "" {
		return ErrInvalidResult
	}
	if result.MyPrice < 0 || result.CompetitorCount < 0 || result.TotalOffersConsidered < 0 {
		return ErrInvalidResult
	}
	if result.Cheapest != nil {
		if err := validateOffer(*result.Cheapest); err != nil {
			return err
		}
	}
	for _, o := range result.Competitors {
		if err := validateOffer(o); err != nil {
			return err
		}
	}
	return nil
}

func validateOffer(o models.CompetitorOffer) error {
	if o.Price < 0 {
		return ErrInvalidResult
	}
	if o.DeliveryDays != nil && *o.DeliveryDays < 0 {
		return ErrInvalidResult
	}
	return nil
}
