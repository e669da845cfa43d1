package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/cache"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	"github.com/maltedev/allegro-price-monitor/internal/monitor"
	"github.com/maltedev/allegro-price-monitor/internal/scheduler"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

type fakeQueue struct {
	mu        sync.Mutex
	batches   [][]models.PriceCheckTask
	getErr    error
	gets      int
	excluded  []string
	submitted []*models.PriceCheckResult
}

func (q *fakeQueue) GetTasks(ctx context.Context, limit int) ([]models.PriceCheckTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gets++
	if q.getErr != nil {
		return nil, q.getErr
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func (q *fakeQueue) SubmitResult(ctx context.Context, result *models.PriceCheckResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted = append(q.submitted, result)
	return "completed", nil
}

func (q *fakeQueue) ExcludedSellers(ctx context.Context) ([]string, error) {
	return q.excluded, nil
}

func (q *fakeQueue) getCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gets
}

type fakeEngine struct {
	name     string
	openErr  error
	opened   int
	sessions []*fakeSession
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Open(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	e.opened++
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeSession{engine: e.name}
	e.sessions = append(e.sessions, s)
	return s, nil
}

type fakeSession struct {
	engine string
	closed int
}

func (s *fakeSession) Engine() string { return s.engine }

func (s *fakeSession) Navigate(ctx context.Context, url string) (*browser.Page, error) {
	return &browser.Page{URL: url}, nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type checkFunc func(ctx context.Context, nav monitor.Navigator, task models.PriceCheckTask) (*models.PriceCheckResult, error)

// fakeChecker runs the scripted steps for each task in call order and
// succeeds once a task's script runs out.
type fakeChecker struct {
	steps    map[string][]checkFunc
	engines  []string
	excluded []string
}

func (c *fakeChecker) Check(ctx context.Context, nav monitor.Navigator, task models.PriceCheckTask, excluded []string) (*models.PriceCheckResult, error) {
	c.engines = append(c.engines, nav.Engine())
	c.excluded = excluded

	if steps := c.steps[task.ID]; len(steps) > 0 {
		c.steps[task.ID] = steps[1:]
		return steps[0](ctx, nav, task)
	}
	return okResult(ctx, nav, task)
}

func okResult(ctx context.Context, nav monitor.Navigator, task models.PriceCheckTask) (*models.PriceCheckResult, error) {
	cheapest := &models.CompetitorOffer{Seller: "szybki", Price: task.MyPrice - 10}
	result := &models.PriceCheckResult{
		TaskID:          task.ID,
		OfferID:         task.OfferID,
		Cheapest:        cheapest,
		CompetitorCount: 1,
		Competitors:     []models.CompetitorOffer{*cheapest},
		CheckedAt:       time.Now().UTC(),
		Engine:          nav.Engine(),
		WorkerID:        "worker-1",
	}
	result.RecomputeDiff(task.MyPrice)
	return result, nil
}

func failWith(err error) checkFunc {
	return func(context.Context, monitor.Navigator, models.PriceCheckTask) (*models.PriceCheckResult, error) {
		return nil, err
	}
}

type mapCache struct {
	items map[string][]byte
}

func (m *mapCache) Get(key string) ([]byte, error) {
	v, ok := m.items[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *mapCache) Set(key string, value []byte, expiration time.Duration) error {
	m.items[key] = value
	return nil
}

func (m *mapCache) Delete(key string) error {
	delete(m.items, key)
	return nil
}

type harness struct {
	queue   *fakeQueue
	engines []*fakeEngine
	checker *fakeChecker
	sched   *scheduler.Scheduler
	worker  *Worker
}

func newHarness(t *testing.T, tasks []models.PriceCheckTask, engineNames ...string) *harness {
	t.Helper()

	if len(engineNames) == 0 {
		engineNames = []string{browser.EngineAttached, browser.EngineStealth}
	}

	h := &harness{
		queue:   &fakeQueue{batches: [][]models.PriceCheckTask{tasks}, excluded: []string{"Zablokowany"}},
		checker: &fakeChecker{steps: map[string][]checkFunc{}},
	}

	var engines []browser.Engine
	for _, name := range engineNames {
		e := &fakeEngine{name: name}
		h.engines = append(h.engines, e)
		engines = append(engines, e)
	}
	manager := browser.NewManager(engines, nil, nil, slog.Default())

	h.sched = scheduler.New(config.SchedulerConfig{MaxBatch: 5}, nil, slog.Default())
	h.worker = New(h.queue, manager, h.sched, h.checker, nil, config.WorkerConfig{
		ID:            "worker-1",
		PollInterval:  10 * time.Millisecond,
		MaxBackoff:    40 * time.Millisecond,
		BatchSize:     5,
		BlockCooldown: 30 * time.Minute,
	}, slog.Default())
	return h
}

func makeTasks(ids ...string) []models.PriceCheckTask {
	tasks := make([]models.PriceCheckTask, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, models.PriceCheckTask{
			ID:      id,
			OfferID: "offer-" + id,
			Title:   "Klocki hamulcowe",
			MyPrice: 150,
			Status:  models.TaskProcessing,
		})
	}
	return tasks
}

func TestWorker_RunOnce_SubmitsEachResult(t *testing.T) {
	h := newHarness(t, makeTasks("a", "b"))

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 2)
	for _, r := range h.queue.submitted {
		assert.False(t, r.Failed())
		assert.Equal(t, browser.EngineAttached, r.Engine)
		require.NotNil(t, r.PriceDiff)
		assert.Equal(t, 10.0, *r.PriceDiff)
	}
	assert.Equal(t, []string{"Zablokowany"}, h.checker.excluded)

	// one session for the whole batch, closed at the end
	attached := h.engines[0]
	assert.Equal(t, 1, attached.opened)
	require.Len(t, attached.sessions, 1)
	assert.Equal(t, 1, attached.sessions[0].closed)
}

func TestWorker_RunOnce_NoTasksOpensNoSession(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.worker.RunOnce(context.Background()))
	assert.Empty(t, h.queue.submitted)
	assert.Zero(t, h.engines[0].opened)
}

func TestWorker_RunOnce_BlockAbortsBatch(t *testing.T) {
	h := newHarness(t, makeTasks("a", "b", "c"))
	h.checker.steps["b"] = []checkFunc{
		func(ctx context.Context, nav monitor.Navigator, task models.PriceCheckTask) (*models.PriceCheckResult, error) {
			return nil, h.sched.Blocked(nav.Engine(), "captcha")
		},
	}

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 1)
	assert.Equal(t, "a", h.queue.submitted[0].TaskID)
	assert.Equal(t, 1, h.engines[0].sessions[0].closed)
	assert.NotNil(t, h.sched.State().BlockedSince)

	// the next cycle is skipped while the cooldown holds
	gets := h.queue.getCount()
	require.NoError(t, h.worker.RunOnce(context.Background()))
	assert.Equal(t, gets, h.queue.getCount())
}

func TestWorker_RunOnce_EngineFailureFallsBack(t *testing.T) {
	h := newHarness(t, makeTasks("a", "b"))
	h.checker.steps["a"] = []checkFunc{
		failWith(monerrors.NewEngineFailure(browser.EngineAttached, "target crashed", nil)),
	}

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 2)
	for _, r := range h.queue.submitted {
		assert.False(t, r.Failed())
		assert.Equal(t, browser.EngineStealth, r.Engine)
	}
	assert.Equal(t, []string{browser.EngineAttached, browser.EngineStealth, browser.EngineStealth}, h.checker.engines)

	assert.Equal(t, 1, h.engines[0].sessions[0].closed)
	assert.Equal(t, 1, h.engines[1].opened)
	assert.Equal(t, 1, h.engines[1].sessions[0].closed)
}

func TestWorker_RunOnce_NoEngineLeft(t *testing.T) {
	h := newHarness(t, makeTasks("a"), browser.EngineFingerprint)
	h.checker.steps["a"] = []checkFunc{
		failWith(monerrors.NewEngineFailure(browser.EngineFingerprint, "browser died", nil)),
	}

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 1)
	r := h.queue.submitted[0]
	assert.True(t, r.Failed())
	assert.Equal(t, string(monerrors.KindEngineFailure), r.ErrorKind)
	assert.Equal(t, "worker-1", r.WorkerID)
}

func TestWorker_RunOnce_OpenFailureIsEngineFailure(t *testing.T) {
	h := newHarness(t, makeTasks("a"), browser.EngineAttached)
	h.engines[0].openErr = assert.AnError

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 1)
	assert.Equal(t, string(monerrors.KindEngineFailure), h.queue.submitted[0].ErrorKind)
}

func TestWorker_RunOnce_OtherErrorsContinueBatch(t *testing.T) {
	h := newHarness(t, makeTasks("a", "b"))
	h.checker.steps["a"] = []checkFunc{
		failWith(monerrors.NewNavigationTimeout(browser.EngineAttached, "https://allegro.pl/oferta/x", context.DeadlineExceeded)),
	}

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 2)
	assert.Equal(t, string(monerrors.KindNavigationTimeout), h.queue.submitted[0].ErrorKind)
	assert.Equal(t, browser.EngineAttached, h.queue.submitted[0].Engine)
	assert.False(t, h.queue.submitted[1].Failed())
}

func TestWorker_RunOnce_ShutdownReturnsTasks(t *testing.T) {
	h := newHarness(t, makeTasks("a", "b", "c"))
	ctx, cancel := context.WithCancel(context.Background())
	h.checker.steps["b"] = []checkFunc{
		func(context.Context, monitor.Navigator, models.PriceCheckTask) (*models.PriceCheckResult, error) {
			cancel()
			return nil, context.Canceled
		},
	}

	err := h.worker.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, h.queue.submitted, 3)
	assert.False(t, h.queue.submitted[0].Failed())
	for _, r := range h.queue.submitted[1:] {
		assert.Equal(t, string(monerrors.KindWorkerShutdown), r.ErrorKind)
	}
	assert.Equal(t, "b", h.queue.submitted[1].TaskID)
	assert.Equal(t, "c", h.queue.submitted[2].TaskID)
	assert.Equal(t, 1, h.engines[0].sessions[0].closed)
}

func TestWorker_RunOnce_UsesCachedResult(t *testing.T) {
	h := newHarness(t, makeTasks("a"))

	results := cache.NewResultCache(&mapCache{items: map[string][]byte{}}, time.Minute, slog.Default())
	cheapest := &models.CompetitorOffer{Seller: "szybki", Price: 120}
	results.Put(&models.PriceCheckResult{
		TaskID:          "older",
		OfferID:         "offer-a",
		MyPrice:         100,
		Cheapest:        cheapest,
		CompetitorCount: 1,
		Competitors:     []models.CompetitorOffer{*cheapest},
	})
	h.worker.cache = results

	require.NoError(t, h.worker.RunOnce(context.Background()))

	require.Len(t, h.queue.submitted, 1)
	r := h.queue.submitted[0]
	assert.Equal(t, "a", r.TaskID)
	assert.Equal(t, 150.0, r.MyPrice)
	require.NotNil(t, r.PriceDiff)
	assert.Equal(t, 30.0, *r.PriceDiff)
	assert.Zero(t, h.engines[0].opened)
}

func TestWorker_RunOnce_CachesFreshResults(t *testing.T) {
	h := newHarness(t, makeTasks("a"))
	store := &mapCache{items: map[string][]byte{}}
	h.worker.cache = cache.NewResultCache(store, time.Minute, slog.Default())

	require.NoError(t, h.worker.RunOnce(context.Background()))

	_, ok := h.worker.cache.Get("offer-a", 150)
	assert.True(t, ok)
}

func TestWorker_Run_BacksOffWhileQueueUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.getErr = monerrors.NewServiceUnavailable("GET /get_tasks", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	require.NoError(t, h.worker.Run(ctx))

	// 10ms doubling to 40ms fits far fewer polls into 150ms than a fixed 10ms
	gets := h.queue.getCount()
	assert.GreaterOrEqual(t, gets, 2)
	assert.LessOrEqual(t, gets, 8)
}
