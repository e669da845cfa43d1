package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/metrics"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

// Handle is the worker owned wrapper around a live session. Once a block
// has been seen on it, it refuses to navigate again.
type Handle struct {
	session   Session
	detector  BlockDetector
	timeout   time.Duration
	createdAt time.Time

	mu      sync.Mutex
	blocked bool
	closed  bool
}

func NewHandle(session Session, detector BlockDetector, timeout time.Duration) *Handle {
	if detector == nil {
		detector = BlockDetectorFunc(func(*Page) bool { return false })
	}
	return &Handle{
		session:   session,
		detector:  detector,
		timeout:   timeout,
		createdAt: time.Now(),
	}
}

func (h *Handle) Engine() string {
	return h.session.Engine()
}

func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

func (h *Handle) Blocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocked
}

// Navigate loads url within the navigation timeout. Failures come back as
// navigation_timeout or engine_failure errors; a cancelled parent context is
// returned as is.
func (h *Handle) Navigate(ctx context.Context, url string) (*Page, error) {
	engine := h.Engine()

	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return nil, monerrors.NewEngineFailure(engine, "session already closed", nil)
	case h.blocked:
		h.mu.Unlock()
		return nil, monerrors.NewBlocked(engine, "session is blocked")
	}
	h.mu.Unlock()

	navCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	page, err := h.session.Navigate(navCtx, url)
	metrics.NavigationDuration.WithLabelValues(engine).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			metrics.NavigationsTotal.WithLabelValues(engine, "cancelled").Inc()
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			metrics.NavigationsTotal.WithLabelValues(engine, "timeout").Inc()
			return nil, monerrors.NewNavigationTimeout(engine, url, err)
		}
		metrics.NavigationsTotal.WithLabelValues(engine, "error").Inc()
		return nil, monerrors.NewEngineFailure(engine, "navigation failed", err)
	}

	metrics.NavigationsTotal.WithLabelValues(engine, "ok").Inc()
	return page, nil
}

// IsBlocked runs the detector and marks the handle blocked on a hit.
func (h *Handle) IsBlocked(page *Page) bool {
	if !h.detector.IsBlocked(page) {
		return false
	}

	h.mu.Lock()
	h.blocked = true
	h.mu.Unlock()

	metrics.BlocksTotal.WithLabelValues(h.Engine()).Inc()
	return true
}

// BlockReason describes the last detection for logs.
func (h *Handle) BlockReason(page *Page) string {
	return BlockReason(h.detector, page)
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	return h.session.Close()
}
