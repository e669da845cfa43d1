package browser

import (
	"context"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/config"
)

const (
	EngineAttached    = "attached"
	EngineStealth     = "stealth"
	EngineFingerprint = "fingerprint"
)

// Page is the rendered state of a page after navigation.
type Page struct {
	URL     string
	Title   string
	Content string
	Status  int
}

// SessionOptions are picked per session by the scheduler.
type SessionOptions struct {
	UserAgent   string
	ProxyServer string
}

// Engine opens browser sessions of one kind.
type Engine interface {
	Name() string
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is one live browser of an engine. A session never outlives the
// batch that opened it.
type Session interface {
	Engine() string
	Navigate(ctx context.Context, url string) (*Page, error)
	Close() error
}

type Options struct {
	Headless           bool
	NavigationTimeout  time.Duration
	CDPURL             string
	ProfileDir         string
	FingerprintHeadful bool
	ViewportWidth      int
	ViewportHeight     int
	AcceptLanguage     string
	TimezoneID         string
	Locale             string
	SettleDelay        time.Duration
	ExtraHeaders       map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:           false,
		NavigationTimeout:  30 * time.Second,
		CDPURL:             "http://localhost:9223",
		ProfileDir:         "./allegro_scraper_profile",
		FingerprintHeadful: true,
		ViewportWidth:      1920,
		ViewportHeight:     1080,
		AcceptLanguage:     "pl-PL,pl;q=0.9,en-US;q=0.8,en;q=0.7",
		TimezoneID:         "Europe/Warsaw",
		Locale:             "pl-PL",
		SettleDelay:        2 * time.Second,
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

func OptionsFromConfig(cfg config.BrowserConfig) *Options {
	opts := DefaultOptions()
	opts.Headless = cfg.Headless
	opts.NavigationTimeout = cfg.NavigationTimeout
	opts.CDPURL = cfg.CDPURL
	opts.ProfileDir = cfg.ProfileDir
	opts.FingerprintHeadful = cfg.FingerprintHeadful
	opts.AcceptLanguage = cfg.AcceptLanguage
	opts.TimezoneID = cfg.TimezoneID
	opts.Locale = cfg.Locale
	opts.SettleDelay = cfg.SettleDelay
	return opts
}

// launchArgs are the chromium flags shared by the engines that start their own browser.
func launchArgs(opts *Options) []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-first-run",
		"--no-default-browser-check",
		"--lang=" + opts.Locale,
	}
}

// settle gives client side rendering a moment before the DOM is read.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
