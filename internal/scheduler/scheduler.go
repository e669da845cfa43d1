package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

// Scheduler paces one worker's navigations. It is not shared between workers.
type Scheduler struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	maxBatch   int
	userAgents []string
	proxies    ProxyProvider
	budget     *rate.Limiter

	mu      sync.Mutex
	rng     *rand.Rand
	uaIndex int
	state   models.BanState
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg config.SchedulerConfig, proxies ProxyProvider, logger *slog.Logger) *Scheduler {
	if proxies == nil {
		proxies = NoProxy{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	userAgents := cfg.UserAgents
	if len(userAgents) == 0 {
		userAgents = config.DefaultUserAgents()
	}

	maxBatch := cfg.MaxBatch
	if maxBatch < 1 {
		maxBatch = 1
	}

	s := &Scheduler{
		minDelay:   cfg.DelayMin,
		maxDelay:   cfg.DelayMax,
		maxBatch:   maxBatch,
		userAgents: userAgents,
		proxies:    proxies,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		logger:     logger.With("component", "scheduler"),
	}

	if cfg.HourlyBudget > 0 {
		s.budget = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.HourlyBudget)), cfg.HourlyBudget)
	}

	// Start the rotation at a random point so restarted workers do not all
	// open with the same agent.
	s.uaIndex = s.rng.Intn(len(userAgents))
	return s
}

// Wait sleeps a random delay within the configured window before a
// navigation, then takes a token from the hourly budget if one is set.
func (s *Scheduler) Wait(ctx context.Context) error {
	delay := s.calculateDelay()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if s.budget != nil {
		if err := s.budget.Wait(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state.ConsecutiveRequests++
	s.state.LastDelay = delay
	s.mu.Unlock()

	s.logger.Debug("navigation slot granted", "delay", delay)
	return nil
}

func (s *Scheduler) SetDelay(min, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minDelay = min
	s.maxDelay = max
}

func (s *Scheduler) calculateDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxDelay <= s.minDelay {
		return s.minDelay
	}

	delta := s.maxDelay - s.minDelay
	return s.minDelay + time.Duration(s.rng.Int63n(int64(delta)+1))
}

// BatchLimit caps a requested batch size.
func (s *Scheduler) BatchLimit(requested int) int {
	if requested < 1 {
		return 1
	}
	if requested > s.maxBatch {
		return s.maxBatch
	}
	return requested
}

// NextSession picks the identity for a new session. User agents only rotate
// here, never within a session.
func (s *Scheduler) NextSession() browser.SessionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()

	ua := s.userAgents[s.uaIndex%len(s.userAgents)]
	s.uaIndex++
	s.state = models.BanState{}

	return browser.SessionOptions{
		UserAgent:   ua,
		ProxyServer: s.proxies.Next(),
	}
}

// Blocked records the block and returns the error the worker aborts on.
func (s *Scheduler) Blocked(engine, reason string) error {
	now := s.now()

	s.mu.Lock()
	s.state.BlockedSince = &now
	requests := s.state.ConsecutiveRequests
	s.mu.Unlock()

	s.logger.Warn("block detected, stopping navigation on this session",
		"engine", engine,
		"reason", reason,
		"requests_in_session", requests,
	)
	return monerrors.NewBlocked(engine, reason)
}

// InCooldown reports whether a recent block still holds. Once the cooldown
// has passed the ban state is cleared.
func (s *Scheduler) InCooldown(now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.BlockedSince == nil {
		return false
	}
	if now.Sub(*s.state.BlockedSince) < cooldown {
		return true
	}

	s.state = models.BanState{}
	return false
}

func (s *Scheduler) State() models.BanState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	if state.BlockedSince != nil {
		t := *state.BlockedSince
		state.BlockedSince = &t
	}
	return state
}
