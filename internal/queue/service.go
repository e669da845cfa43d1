package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/events"
	"github.com/maltedev/allegro-price-monitor/internal/metrics"
	"github.com/maltedev/allegro-price-monitor/internal/models"
)

// Service is the task queue behind the HTTP surface.
type Service struct {
	store     Store
	cfg       config.QueueConfig
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewService wires a store. publisher may be nil; the postgres store publishes
// through its outbox instead.
func NewService(store Store, cfg config.QueueConfig, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxClaim < 1 {
		cfg.MaxClaim = 50
	}
	if cfg.RecentLimit < 1 {
		cfg.RecentLimit = 100
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Service{
		store:     store,
		cfg:       cfg,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With("component", "queue_service"),
	}
}

// Enqueue adds a price check for offerID. While an open task for the offer
// exists its id is returned instead; a pending one picks up the new title and
// price first.
func (s *Service) Enqueue(ctx context.Context, offerID, title string, myPrice float64) (string, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" || myPrice < 0 {
		return "", ErrInvalidTask
	}

	task := models.PriceCheckTask{
		ID:        uuid.New().String(),
		OfferID:   offerID,
		Title:     strings.TrimSpace(title),
		MyPrice:   models.RoundCents(myPrice),
		Status:    models.TaskPending,
		CreatedAt: s.now().UTC(),
	}

	id, err := s.store.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}

	if id == task.ID {
		metrics.TasksEnqueued.Inc()
		s.logger.Info("task enqueued", "task_id", id, "offer_id", offerID)
	} else {
		s.logger.Debug("open task exists for offer", "task_id", id, "offer_id", offerID)
	}
	return id, nil
}

// ClaimBatch hands up to limit of the oldest pending tasks to workerID.
func (s *Service) ClaimBatch(ctx context.Context, workerID string, limit int) ([]models.PriceCheckTask, error) {
	limit = max(1, min(limit, s.cfg.MaxClaim))

	tasks, err := s.store.Claim(ctx, workerID, limit, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		metrics.TasksClaimed.Add(float64(len(tasks)))
		s.logger.Info("tasks claimed", "worker_id", workerID, "count", len(tasks))
	}
	return tasks, nil
}

// SubmitResult records a worker's result. Submitting for a finished task is
// a no-op reported as OutcomeDuplicate.
func (s *Service) SubmitResult(ctx context.Context, result *models.PriceCheckResult) (SubmitOutcome, error) {
	if err := validateResult(result); err != nil {
		return "", err
	}

	outcome, err := s.store.Submit(ctx, result, s.cfg.MaxAttempts, s.now().UTC())
	if err != nil {
		return "", err
	}

	metrics.ResultsTotal.WithLabelValues(string(outcome)).Inc()
	logger := s.logger.With("task_id", result.TaskID, "offer_id", result.OfferID, "outcome", outcome)

	switch outcome {
	case OutcomeRequeued:
		metrics.TasksRequeued.WithLabelValues(result.ErrorKind).Inc()
		logger.Info("task requeued", "error_kind", result.ErrorKind, "error", result.Error)
	case OutcomeDuplicate:
		logger.Debug("duplicate result ignored")
	case OutcomeFailed:
		logger.Warn("task failed", "error_kind", result.ErrorKind, "error", result.Error)
		s.publish(ctx, result)
	case OutcomeCompleted:
		logger.Info("task completed",
			"competitors", result.CompetitorCount,
			"competitor_cheaper", result.CompetitorCheaper())
		s.publish(ctx, result)
	}

	return outcome, nil
}

func (s *Service) publish(ctx context.Context, result *models.PriceCheckResult) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, result); err != nil {
		s.logger.Error("failed to publish price check event", "task_id", result.TaskID, "error", err)
	}
}

func (s *Service) Status(ctx context.Context) (models.StatusCounts, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return counts, err
	}

	metrics.QueueTasks.WithLabelValues(string(models.TaskPending)).Set(float64(counts.Pending))
	metrics.QueueTasks.WithLabelValues(string(models.TaskProcessing)).Set(float64(counts.Processing))
	metrics.QueueTasks.WithLabelValues(string(models.TaskDone)).Set(float64(counts.Done))
	metrics.QueueTasks.WithLabelValues(string(models.TaskError)).Set(float64(counts.Errors))
	return counts, nil
}

// RecentChecks returns result history newest first. A limit outside
// [1, RecentLimit] is clamped.
func (s *Service) RecentChecks(ctx context.Context, since *time.Time, limit int) ([]models.PriceCheckResult, error) {
	if limit < 1 || limit > s.cfg.RecentLimit {
		limit = s.cfg.RecentLimit
	}
	return s.store.Recent(ctx, since, limit)
}

func (s *Service) ExcludedSellers(ctx context.Context) ([]models.ExcludedSeller, error) {
	return s.store.ExcludedSellers(ctx)
}

func (s *Service) ExcludeSeller(ctx context.Context, name, reason string) (*models.ExcludedSeller, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: seller name is required", ErrInvalidTask)
	}

	seller := models.ExcludedSeller{
		Name:       name,
		Reason:     strings.TrimSpace(reason),
		ExcludedAt: s.now().UTC(),
	}
	if err := s.store.ExcludeSeller(ctx, seller); err != nil {
		return nil, err
	}

	s.logger.Info("seller excluded", "seller", name, "reason", seller.Reason)
	return &seller, nil
}

func (s *Service) IncludeSeller(ctx context.Context, name string) error {
	if err := s.store.IncludeSeller(ctx, strings.TrimSpace(name)); err != nil {
		return err
	}
	s.logger.Info("seller included again", "seller", name)
	return nil
}

// SweepExpired returns tasks whose claim is older than the claim timeout to
// pending and reports how many were requeued.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.RequeueExpired(ctx, now.Add(-s.cfg.ClaimTimeout))
	if err != nil {
		return 0, err
	}

	if n > 0 {
		metrics.TasksRequeued.WithLabelValues("claim_expired").Add(float64(n))
		s.logger.Warn("expired claims requeued", "count", n, "claim_timeout", s.cfg.ClaimTimeout)
	}
	return n, nil
}

// StartSweeper runs SweepExpired every sweep interval until ctx is done.
func (s *Service) StartSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := s.logger.With("component", "sweeper")
	logger.Info("sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, s.now().UTC()); err != nil {
				logger.Error("sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
