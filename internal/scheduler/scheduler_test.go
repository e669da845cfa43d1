package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/config"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		DelayMin:   5 * time.Millisecond,
		DelayMax:   15 * time.Millisecond,
		MaxBatch:   5,
		UserAgents: []string{"UA-1", "UA-2", "UA-3"},
	}
}

func TestScheduler_DelayWithinWindow(t *testing.T) {
	s := New(testConfig(), nil, nil)

	for i := 0; i < 500; i++ {
		d := s.calculateDelay()
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestScheduler_WaitRecordsState(t *testing.T) {
	s := New(testConfig(), nil, nil)

	start := time.Now()
	require.NoError(t, s.Wait(context.Background()))
	require.NoError(t, s.Wait(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	state := s.State()
	assert.Equal(t, 2, state.ConsecutiveRequests)
	assert.GreaterOrEqual(t, state.LastDelay, 5*time.Millisecond)
}

func TestScheduler_WaitCancellable(t *testing.T) {
	cfg := testConfig()
	cfg.DelayMin = time.Minute
	cfg.DelayMax = 2 * time.Minute
	s := New(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, s.State().ConsecutiveRequests)
}

func TestScheduler_HourlyBudget(t *testing.T) {
	cfg := testConfig()
	cfg.DelayMin, cfg.DelayMax = 0, 0
	cfg.HourlyBudget = 2
	s := New(cfg, nil, nil)

	require.NoError(t, s.Wait(context.Background()))
	require.NoError(t, s.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Wait(ctx))
}

func TestScheduler_BatchLimit(t *testing.T) {
	s := New(testConfig(), nil, nil)

	assert.Equal(t, 5, s.BatchLimit(50))
	assert.Equal(t, 3, s.BatchLimit(3))
	assert.Equal(t, 1, s.BatchLimit(0))
}

func TestScheduler_NextSessionRotatesUserAgents(t *testing.T) {
	s := New(testConfig(), NewStaticProxies([]string{"http://p1:8000", "http://p2:8000"}), nil)

	first := s.NextSession()
	second := s.NextSession()
	third := s.NextSession()
	fourth := s.NextSession()

	assert.NotEqual(t, first.UserAgent, second.UserAgent)
	assert.NotEqual(t, second.UserAgent, third.UserAgent)
	assert.Equal(t, first.UserAgent, fourth.UserAgent)

	assert.Equal(t, "http://p1:8000", first.ProxyServer)
	assert.Equal(t, "http://p2:8000", second.ProxyServer)
	assert.Equal(t, "http://p1:8000", third.ProxyServer)
}

func TestScheduler_BlockedAndCooldown(t *testing.T) {
	s := New(testConfig(), nil, nil)
	blockedAt := time.Date(2025, 12, 22, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return blockedAt }

	err := s.Blocked("stealth", "challenge marker datadome")
	assert.True(t, monerrors.IsBlocked(err))

	state := s.State()
	require.NotNil(t, state.BlockedSince)
	assert.Equal(t, blockedAt, *state.BlockedSince)

	assert.True(t, s.InCooldown(blockedAt.Add(10*time.Minute), 30*time.Minute))
	assert.False(t, s.InCooldown(blockedAt.Add(31*time.Minute), 30*time.Minute))
	assert.Nil(t, s.State().BlockedSince)
}

func TestScheduler_NextSessionResetsState(t *testing.T) {
	cfg := testConfig()
	cfg.DelayMin, cfg.DelayMax = 0, 0
	s := New(cfg, nil, nil)

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, 1, s.State().ConsecutiveRequests)

	s.NextSession()
	assert.Equal(t, 0, s.State().ConsecutiveRequests)
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, "", ProviderFor(nil).Next())
	assert.Equal(t, "http://p:1", ProviderFor([]string{"http://p:1"}).Next())
}
