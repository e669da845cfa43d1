package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []models.PriceCheckResult
}

func (p *recordingPublisher) Publish(ctx context.Context, result *models.PriceCheckResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, *result)
	return nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Backend:       "memory",
		ClaimTimeout:  10 * time.Minute,
		SweepInterval: time.Minute,
		MaxAttempts:   3,
		MaxClaim:      50,
		RecentLimit:   100,
	}
}

func newTestService(t *testing.T) (*Service, *fakeClock, *recordingPublisher) {
	t.Helper()

	store, err := NewMemoryStore("")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 12, 22, 10, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}

	svc := NewService(store, testQueueConfig(), publisher, nil)
	svc.now = clock.Now
	return svc, clock, publisher
}

func competitorResult(taskID string, price float64) *models.PriceCheckResult {
	cheapest := models.CompetitorOffer{Seller: "konkurent", Price: price, Currency: "PLN", DeliveryDays: models.IntPtr(2)}
	return &models.PriceCheckResult{
		TaskID:                taskID,
		Cheapest:              &cheapest,
		CompetitorCount:       1,
		TotalOffersConsidered: 1,
		Competitors:           []models.CompetitorOffer{cheapest},
	}
}

func TestService_EnqueueIsIdempotentWhileOpen(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)

	id, err := svc.Enqueue(ctx, "X", "T", 150)
	require.NoError(t, err)

	again, err := svc.Enqueue(ctx, "X", "T nowy", 155)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	tasks, err := svc.ClaimBatch(ctx, "w1", 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "T nowy", tasks[0].Title)
	assert.Equal(t, 155.0, tasks[0].MyPrice)

	// Processing tasks are left alone.
	clock.Advance(time.Second)
	again, err = svc.Enqueue(ctx, "X", "T inny", 160)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = svc.SubmitResult(ctx, competitorResult(id, 140))
	require.NoError(t, err)

	// A finished task no longer blocks a new one.
	fresh, err := svc.Enqueue(ctx, "X", "T", 150)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)
}

func TestService_EnqueueValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), "  ", "T", 10)
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = svc.Enqueue(context.Background(), "X", "T", -1)
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestService_ClaimBatchOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)

	var ids []string
	for _, offer := range []string{"A", "B", "C"} {
		id, err := svc.Enqueue(ctx, offer, "", 10)
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	tasks, err := svc.ClaimBatch(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, ids[0], tasks[0].ID)
	assert.Equal(t, ids[1], tasks[1].ID)

	for _, task := range tasks {
		assert.Equal(t, models.TaskProcessing, task.Status)
		assert.Equal(t, "w1", task.ClaimedBy)
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.ClaimedAt)
	}

	// Zero is clamped up to one.
	tasks, err = svc.ClaimBatch(ctx, "w2", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, ids[2], tasks[0].ID)

	tasks, err = svc.ClaimBatch(ctx, "w2", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestService_ConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	const total = 200
	for i := 0; i < total; i++ {
		_, err := svc.Enqueue(ctx, fmt.Sprintf("offer-%d", i), "", 10)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)

	for w := 0; w < 8; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tasks, err := svc.ClaimBatch(ctx, workerID, 7)
				if err != nil || len(tasks) == 0 {
					return
				}
				mu.Lock()
				for _, task := range tasks {
					if owner, dup := seen[task.ID]; dup {
						t.Errorf("task %s claimed by %s and %s", task.ID, owner, workerID)
					}
					seen[task.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
}

func TestService_SubmitResultOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes and publishes", func(t *testing.T) {
		svc, _, publisher := newTestService(t)
		id, _ := svc.Enqueue(ctx, "X", "T", 150)
		_, _ = svc.ClaimBatch(ctx, "w1", 1)

		outcome, err := svc.SubmitResult(ctx, competitorResult(id, 140))
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)

		require.Len(t, publisher.results, 1)
		assert.Equal(t, "X", publisher.results[0].OfferID)
		assert.Equal(t, 10.0, *publisher.results[0].PriceDiff)

		outcome, err = svc.SubmitResult(ctx, competitorResult(id, 130))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
		assert.Len(t, publisher.results, 1)

		recent, err := svc.RecentChecks(ctx, nil, 10)
		require.NoError(t, err)
		assert.Len(t, recent, 1)
	})

	t.Run("retryable error requeues until attempts run out", func(t *testing.T) {
		svc, _, publisher := newTestService(t)
		id, _ := svc.Enqueue(ctx, "X", "T", 150)

		timeout := &models.PriceCheckResult{TaskID: id, Error: "navigation timed out", ErrorKind: string(monerrors.KindNavigationTimeout)}

		for attempt := 1; attempt < 3; attempt++ {
			tasks, err := svc.ClaimBatch(ctx, "w1", 1)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, attempt, tasks[0].Attempts)

			outcome, err := svc.SubmitResult(ctx, timeout)
			require.NoError(t, err)
			assert.Equal(t, OutcomeRequeued, outcome)
		}

		_, _ = svc.ClaimBatch(ctx, "w1", 1)
		outcome, err := svc.SubmitResult(ctx, timeout)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome)

		status, err := svc.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCounts{Errors: 1}, status)
		assert.Len(t, publisher.results, 1)
	})

	t.Run("worker shutdown always requeues", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id, _ := svc.Enqueue(ctx, "X", "T", 150)

		for i := 0; i < 5; i++ {
			_, _ = svc.ClaimBatch(ctx, "w1", 1)
			outcome, err := svc.SubmitResult(ctx, &models.PriceCheckResult{
				TaskID: id, Error: "worker stopping", ErrorKind: string(monerrors.KindWorkerShutdown),
			})
			require.NoError(t, err)
			assert.Equal(t, OutcomeRequeued, outcome)
		}
	})

	t.Run("non retryable error fails", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id, _ := svc.Enqueue(ctx, "X", "T", 150)
		_, _ = svc.ClaimBatch(ctx, "w1", 1)

		outcome, err := svc.SubmitResult(ctx, &models.PriceCheckResult{
			TaskID: id, Error: "no offer rows", ErrorKind: string(monerrors.KindExtractionFailed),
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome)

		recent, err := svc.RecentChecks(ctx, nil, 0)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "no offer rows", recent[0].Error)
	})

	t.Run("unknown task", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.SubmitResult(ctx, competitorResult("missing", 10))
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("invalid result", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id, _ := svc.Enqueue(ctx, "X", "T", 150)

		bad := competitorResult(id, 10)
		bad.Competitors[0].DeliveryDays = models.IntPtr(-1)
		_, err := svc.SubmitResult(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidResult)

		_, err = svc.SubmitResult(ctx, competitorResult(id, -5))
		assert.ErrorIs(t, err, ErrInvalidResult)

		_, err = svc.SubmitResult(ctx, &models.PriceCheckResult{})
		assert.ErrorIs(t, err, ErrInvalidResult)
	})
}

func TestService_SweepExpired(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)

	id, _ := svc.Enqueue(ctx, "X", "T", 150)
	tasks, err := svc.ClaimBatch(ctx, "crashed-worker", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	n, err := svc.SweepExpired(ctx, clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.SweepExpired(ctx, clock.Now().Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err = svc.ClaimBatch(ctx, "w2", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
	assert.Equal(t, "w2", tasks[0].ClaimedBy)
	assert.Equal(t, 2, tasks[0].Attempts)
}

func TestService_StartSweeperStops(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.cfg.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartSweeper(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestService_RecentChecksSince(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)

	first, _ := svc.Enqueue(ctx, "A", "", 100)
	second, _ := svc.Enqueue(ctx, "B", "", 100)
	_, _ = svc.ClaimBatch(ctx, "w1", 2)

	_, err := svc.SubmitResult(ctx, competitorResult(first, 90))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.SubmitResult(ctx, competitorResult(second, 80))
	require.NoError(t, err)

	all, err := svc.RecentChecks(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].TaskID)

	since := clock.Now().Add(-time.Minute)
	recent, err := svc.RecentChecks(ctx, &since, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second, recent[0].TaskID)
	assert.Equal(t, 20.0, *recent[0].PriceDiff)
}

func TestService_ExcludedSellers(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.ExcludeSeller(ctx, "Partner_Shop", "partner")
	require.NoError(t, err)
	_, err = svc.ExcludeSeller(ctx, "partner_shop", "updated")
	require.NoError(t, err)

	sellers, err := svc.ExcludedSellers(ctx)
	require.NoError(t, err)
	require.Len(t, sellers, 1)
	assert.Equal(t, "updated", sellers[0].Reason)

	assert.Equal(t, "partner_shop", sellers[0].Name)

	require.NoError(t, svc.IncludeSeller(ctx, "PARTNER_SHOP"))
	assert.ErrorIs(t, svc.IncludeSeller(ctx, "partner_shop"), ErrSellerNotFound)

	_, err = svc.ExcludeSeller(ctx, " ", "")
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "queue.json")

	store, err := NewMemoryStore(file)
	require.NoError(t, err)

	svc := NewService(store, testQueueConfig(), nil, nil)
	id, err := svc.Enqueue(ctx, "X", "T", 150)
	require.NoError(t, err)
	_, err = svc.ExcludeSeller(ctx, "Partner_Shop", "")
	require.NoError(t, err)

	reopened, err := NewMemoryStore(file)
	require.NoError(t, err)

	tasks, err := reopened.Claim(ctx, "w1", 5, time.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	sellers, err := reopened.ExcludedSellers(ctx)
	require.NoError(t, err)
	require.Len(t, sellers, 1)
	assert.Equal(t, "Partner_Shop", sellers[0].Name)
}
