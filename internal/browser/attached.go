package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// AttachedEngine drives a browser that a human started and logged into,
// reached over the remote debugging port. Its fingerprint and cookies are
// genuine, so it goes first in the fallback order.
type AttachedEngine struct {
	opts *Options
}

func NewAttachedEngine(opts *Options) *AttachedEngine {
	return &AttachedEngine{opts: opts}
}

func (e *AttachedEngine) Name() string {
	return EngineAttached
}

func (e *AttachedEngine) Open(ctx context.Context, _ SessionOptions) (Session, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), e.opts.CDPURL)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// The first Run binds the connection to browserCtx, so it must not
	// carry a shorter deadline.
	stop := context.AfterFunc(ctx, cancelBrowser)
	defer stop()

	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to attach to %s: %w", e.opts.CDPURL, err)
	}

	return &attachedSession{
		opts:          e.opts,
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
	}, nil
}

type attachedSession struct {
	opts          *Options
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	mu            sync.Mutex
}

func (s *attachedSession) Engine() string {
	return EngineAttached
}

func (s *attachedSession) headers() network.Headers {
	headers := network.Headers{}
	for k, v := range s.opts.ExtraHeaders {
		headers[k] = v
	}
	headers["Accept-Language"] = s.opts.AcceptLanguage
	return headers
}

// Navigate opens a new tab in the user's browser and closes it after reading.
func (s *attachedSession) Navigate(ctx context.Context, url string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser connection closed: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var title, content, location string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(s.headers()),
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return settle(ctx, s.opts.SettleDelay)
		}),
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &content, chromedp.ByQuery),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}

	return &Page{
		URL:     location,
		Title:   title,
		Content: content,
	}, nil
}

// Close detaches from the browser. The browser itself keeps running; it
// belongs to the operator.
func (s *attachedSession) Close() error {
	s.cancelBrowser()
	s.cancelAlloc()
	return nil
}
