package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/cache"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/metrics"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	"github.com/maltedev/allegro-price-monitor/internal/monitor"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

const shutdownSubmitTimeout = 10 * time.Second

// Queue is the task queue as seen from a worker.
type Queue interface {
	GetTasks(ctx context.Context, limit int) ([]models.PriceCheckTask, error)
	SubmitResult(ctx context.Context, result *models.PriceCheckResult) (string, error)
	ExcludedSellers(ctx context.Context) ([]string, error)
}

// Sessions opens browser sessions in fallback order.
type Sessions interface {
	Open(ctx context.Context, opts browser.SessionOptions) (*browser.Handle, error)
	OpenAfter(ctx context.Context, failed string, opts browser.SessionOptions) (*browser.Handle, error)
}

// Pacing is the part of the scheduler the poll loop consults.
type Pacing interface {
	BatchLimit(requested int) int
	NextSession() browser.SessionOptions
	InCooldown(now time.Time, cooldown time.Duration) bool
}

type PriceChecker interface {
	Check(ctx context.Context, nav monitor.Navigator, task models.PriceCheckTask, excluded []string) (*models.PriceCheckResult, error)
}

// Worker claims batches from the queue and checks them with one browser
// session per batch.
type Worker struct {
	queue    Queue
	sessions Sessions
	pacing   Pacing
	checker  PriceChecker
	cache    *cache.ResultCache
	cfg      config.WorkerConfig
	now      func() time.Time
	logger   *slog.Logger
}

// New wires a worker. results may be nil to run without a result cache.
func New(queue Queue, sessions Sessions, pacing Pacing, checker PriceChecker, results *cache.ResultCache, cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = cfg.PollInterval
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Worker{
		queue:    queue,
		sessions: sessions,
		pacing:   pacing,
		checker:  checker,
		cache:    results,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "worker", "worker_id", cfg.ID),
	}
}

// Run polls until ctx is cancelled. While the queue is unreachable the wait
// between polls doubles up to the configured maximum.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize)

	backoff := w.cfg.PollInterval
	for {
		wait := w.cfg.PollInterval

		err := w.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopped")
			return nil
		case monerrors.IsKind(err, monerrors.KindServiceUnavailable):
			wait = backoff
			backoff = min(backoff*2, w.cfg.MaxBackoff)
			w.logger.Warn("queue unreachable, backing off", "wait", wait, "error", err)
		case err != nil:
			backoff = w.cfg.PollInterval
			w.logger.Error("cycle failed", "error", err)
		default:
			backoff = w.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunOnce runs a single poll cycle: claim a batch, check every task and
// submit each result as soon as it is known.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.pacing.InCooldown(w.now(), w.cfg.BlockCooldown) {
		w.logger.Warn("in block cooldown, skipping cycle", "cooldown", w.cfg.BlockCooldown)
		return nil
	}

	excluded, err := w.queue.ExcludedSellers(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("could not fetch excluded sellers", "error", err)
	}

	limit := w.pacing.BatchLimit(w.cfg.BatchSize)
	tasks, err := w.queue.GetTasks(ctx, limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		w.logger.Debug("no tasks")
		return nil
	}

	w.logger.Info("batch claimed", "count", len(tasks))
	b := &batch{worker: w, excluded: excluded}
	defer b.close()

	for i, task := range tasks {
		if ctx.Err() != nil {
			w.shutdown(tasks[i:])
			return ctx.Err()
		}

		result, err := b.check(ctx, task)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			w.shutdown(tasks[i:])
			return ctx.Err()
		case monerrors.IsBlocked(err):
			metrics.ChecksTotal.WithLabelValues("blocked").Inc()
			b.close()
			w.logger.Warn("batch aborted",
				"task_id", task.ID,
				"error", err,
				"untouched", taskIDs(tasks[i+1:]))
			return nil
		default:
			engine := ""
			if b.handle != nil {
				engine = b.handle.Engine()
			} else {
				var me *monerrors.MonitorError
				if errors.As(err, &me) {
					engine = me.Engine
				}
			}
			result = monitor.FailedResult(task, err, engine, w.cfg.ID, w.now())
		}

		w.submit(ctx, result)
	}

	return nil
}

func (w *Worker) submit(ctx context.Context, result *models.PriceCheckResult) {
	outcome := "ok"
	if result.Failed() {
		outcome = "failed"
	}
	metrics.ChecksTotal.WithLabelValues(outcome).Inc()

	queueOutcome, err := w.queue.SubmitResult(ctx, result)
	if err != nil {
		w.logger.Error("failed to submit result",
			"task_id", result.TaskID,
			"offer_id", result.OfferID,
			"error", err)
		return
	}

	w.logger.Info("result submitted",
		"task_id", result.TaskID,
		"offer_id", result.OfferID,
		"outcome", queueOutcome,
		"error_kind", result.ErrorKind)

	if !result.Failed() && w.cache != nil {
		w.cache.Put(result)
	}
}

// shutdown hands the rest of the batch back to the queue. The parent context
// is already cancelled, so the submits get their own short deadline.
func (w *Worker) shutdown(remaining []models.PriceCheckTask) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownSubmitTimeout)
	defer cancel()

	w.logger.Warn("shutting down, returning tasks", "tasks", taskIDs(remaining))

	for _, task := range remaining {
		err := monerrors.NewWorkerShutdown("worker stopped before the check finished")
		result := monitor.FailedResult(task, err, "", w.cfg.ID, w.now())
		metrics.ChecksTotal.WithLabelValues("shutdown").Inc()

		if _, err := w.queue.SubmitResult(ctx, result); err != nil {
			w.logger.Error("failed to return task", "task_id", task.ID, "error", err)
		}
	}
}

// batch holds the session shared by the tasks of one claim.
type batch struct {
	worker   *Worker
	excluded []string
	handle   *browser.Handle
}

func (b *batch) check(ctx context.Context, task models.PriceCheckTask) (*models.PriceCheckResult, error) {
	w := b.worker

	if w.cache != nil {
		if cached, ok := w.cache.Get(task.OfferID, task.MyPrice); ok {
			cached.TaskID = task.ID
			cached.WorkerID = w.cfg.ID
			w.logger.Debug("using cached result", "task_id", task.ID, "offer_id", task.OfferID)
			return cached, nil
		}
	}

	if b.handle == nil {
		handle, err := w.sessions.Open(ctx, w.pacing.NextSession())
		if err != nil {
			return nil, err
		}
		b.handle = handle
	}

	result, err := w.checker.Check(ctx, b.handle, task, b.excluded)
	if !monerrors.IsKind(err, monerrors.KindEngineFailure) || ctx.Err() != nil {
		return result, err
	}

	failed := b.handle.Engine()
	w.logger.Warn("engine failed mid task, falling back",
		"task_id", task.ID,
		"engine", failed,
		"error", err)
	b.close()

	handle, openErr := w.sessions.OpenAfter(ctx, failed, w.pacing.NextSession())
	if openErr != nil {
		return nil, openErr
	}
	b.handle = handle

	return w.checker.Check(ctx, b.handle, task, b.excluded)
}

func (b *batch) close() {
	if b.handle == nil {
		return
	}
	if err := b.handle.Close(); err != nil {
		b.worker.logger.Warn("failed to close session", "engine", b.handle.Engine(), "error", err)
	}
	b.handle = nil
}

func taskIDs(tasks []models.PriceCheckTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
