package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const stealthInitScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['pl-PL', 'pl', 'en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', {
  get: () => [
    { name: 'PDF Viewer', filename: 'internal-pdf-viewer' },
    { name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer' },
    { name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer' },
  ],
});
window.chrome = window.chrome || { runtime: {}, loadTimes: function() {}, csi: function() {} };
const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
if (originalQuery) {
  window.navigator.permissions.query = (parameters) => (
    parameters.name === 'notifications'
      ? Promise.resolve({ state: Notification.permission })
      : originalQuery(parameters)
  );
}
`

// StealthEngine launches a dedicated chromium through playwright with a
// persistent profile, so a login done once in that profile survives restarts.
type StealthEngine struct {
	opts *Options
}

func NewStealthEngine(opts *Options) *StealthEngine {
	return &StealthEngine{opts: opts}
}

func (e *StealthEngine) Name() string {
	return EngineStealth
}

func (e *StealthEngine) launchOptions(session SessionOptions) playwright.BrowserTypeLaunchPersistentContextOptions {
	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          playwright.Bool(e.opts.Headless),
		Args:              append(launchArgs(e.opts), fmt.Sprintf("--window-size=%d,%d", e.opts.ViewportWidth, e.opts.ViewportHeight)),
		IgnoreDefaultArgs: []string{"--enable-automation"},
		Locale:            playwright.String(e.opts.Locale),
		TimezoneId:        playwright.String(e.opts.TimezoneID),
		AcceptDownloads:   playwright.Bool(false),
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
		ExtraHttpHeaders: e.headers(),
	}

	if session.UserAgent != "" {
		launchOpts.UserAgent = playwright.String(session.UserAgent)
	}
	if session.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: session.ProxyServer}
	}
	return launchOpts
}

func (e *StealthEngine) headers() map[string]string {
	headers := make(map[string]string, len(e.opts.ExtraHeaders)+1)
	for k, v := range e.opts.ExtraHeaders {
		headers[k] = v
	}
	headers["Accept-Language"] = e.opts.AcceptLanguage
	return headers
}

func (e *StealthEngine) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(e.opts.ProfileDir, e.launchOptions(opts))
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch persistent context: %w", err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthInitScript)}); err != nil {
		bctx.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to add init script: %w", err)
	}

	return &stealthSession{
		pw:   pw,
		bctx: bctx,
		opts: e.opts,
	}, nil
}

type stealthSession struct {
	pw   *playwright.Playwright
	bctx playwright.BrowserContext
	opts *Options
	mu   sync.Mutex
}

func (s *stealthSession) Engine() string {
	return EngineStealth
}

func (s *stealthSession) Navigate(ctx context.Context, url string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	defer page.Close()

	timeout := s.opts.NavigationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	type gotoResult struct {
		status int
		err    error
	}
	done := make(chan gotoResult, 1)
	go func() {
		resp, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		})
		res := gotoResult{err: err}
		if resp != nil {
			res.status = resp.Status()
		}
		done <- res
	}()

	var res gotoResult
	select {
	case <-ctx.Done():
		page.Close()
		return nil, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		if errors.Is(res.err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, res.err)
		}
		return nil, res.err
	}

	if err := settle(ctx, s.opts.SettleDelay); err != nil {
		return nil, err
	}

	title, err := page.Title()
	if err != nil {
		return nil, fmt.Errorf("failed to get page title: %w", err)
	}
	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}

	return &Page{
		URL:     page.URL(),
		Title:   title,
		Content: content,
		Status:  res.status,
	}, nil
}

func (s *stealthSession) Close() error {
	var errs []error

	if s.bctx != nil {
		if err := s.bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}
