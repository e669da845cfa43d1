package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Fingerprint is a browser identity whose parts agree with each other: a
// Windows user agent never comes with a MacIntel platform or a retina screen.
type Fingerprint struct {
	OS                  string   `json:"os"`
	Platform            string   `json:"platform"`
	UserAgent           string   `json:"userAgent"`
	ChromeMajor         int      `json:"chromeMajor"`
	ScreenWidth         int      `json:"screenWidth"`
	ScreenHeight        int      `json:"screenHeight"`
	DeviceScaleFactor   float64  `json:"deviceScaleFactor"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	Locale              string   `json:"locale"`
	Languages           []string `json:"languages"`
	TimezoneID          string   `json:"timezoneId"`
}

type screenSize struct {
	w, h  int
	scale float64
}

type osProfile struct {
	name     string
	platform string
	uaToken  string
	screens  []screenSize
	cores    []int
	memory   []int
}

var osProfiles = []osProfile{
	{
		name:     "windows",
		platform: "Win32",
		uaToken:  "Windows NT 10.0; Win64; x64",
		screens:  []screenSize{{1920, 1080, 1}, {1366, 768, 1}, {1536, 864, 1.25}, {2560, 1440, 1}},
		cores:    []int{4, 8, 12, 16},
		memory:   []int{8, 16},
	},
	{
		name:     "macos",
		platform: "MacIntel",
		uaToken:  "Macintosh; Intel Mac OS X 10_15_7",
		screens:  []screenSize{{1440, 900, 2}, {1512, 982, 2}, {1728, 1117, 2}, {2560, 1440, 1}},
		cores:    []int{8, 10, 12},
		memory:   []int{8, 16},
	},
	{
		name:     "linux",
		platform: "Linux x86_64",
		uaToken:  "X11; Linux x86_64",
		screens:  []screenSize{{1920, 1080, 1}, {2560, 1440, 1}},
		cores:    []int{4, 8, 16},
		memory:   []int{8, 16},
	},
}

var chromeMajors = []int{128, 129, 130, 131}

// GenerateFingerprint draws a fresh identity. Locale and timezone are fixed
// to the marketplace's country since a foreign locale is itself a signal.
func GenerateFingerprint(rng *rand.Rand) Fingerprint {
	p := osProfiles[rng.Intn(len(osProfiles))]
	screen := p.screens[rng.Intn(len(p.screens))]
	major := chromeMajors[rng.Intn(len(chromeMajors))]

	return Fingerprint{
		OS:                  p.name,
		Platform:            p.platform,
		UserAgent:           fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", p.uaToken, major),
		ChromeMajor:         major,
		ScreenWidth:         screen.w,
		ScreenHeight:        screen.h,
		DeviceScaleFactor:   screen.scale,
		HardwareConcurrency: p.cores[rng.Intn(len(p.cores))],
		DeviceMemory:        p.memory[rng.Intn(len(p.memory))],
		Locale:              "pl-PL",
		Languages:           []string{"pl-PL", "pl", "en-US", "en"},
		TimezoneID:          "Europe/Warsaw",
	}
}

// overrideScript patches the navigator and screen properties CDP emulation
// does not reach.
func (f Fingerprint) overrideScript() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  const fp = %s;
  const define = (obj, prop, value) => Object.defineProperty(obj, prop, { get: () => value, configurable: true });
  define(navigator, 'platform', fp.platform);
  define(navigator, 'hardwareConcurrency', fp.hardwareConcurrency);
  define(navigator, 'deviceMemory', fp.deviceMemory);
  define(navigator, 'languages', fp.languages);
  define(navigator, 'language', fp.languages[0]);
  define(screen, 'width', fp.screenWidth);
  define(screen, 'height', fp.screenHeight);
  define(screen, 'availWidth', fp.screenWidth);
  define(screen, 'availHeight', fp.screenHeight - 40);
})();`, data), nil
}

// FingerprintEngine launches a throwaway chromium with a generated identity
// per session, headful by default.
type FingerprintEngine struct {
	opts *Options
	mu   sync.Mutex
	rng  *rand.Rand
}

func NewFingerprintEngine(opts *Options, rng *rand.Rand) *FingerprintEngine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &FingerprintEngine{opts: opts, rng: rng}
}

func (e *FingerprintEngine) Name() string {
	return EngineFingerprint
}

func (e *FingerprintEngine) nextFingerprint() Fingerprint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return GenerateFingerprint(e.rng)
}

// newLauncher builds the chromium command line for one session.
func (e *FingerprintEngine) newLauncher(fp Fingerprint, session SessionOptions) *launcher.Launcher {
	l := launcher.New().
		Headless(!e.opts.FingerprintHeadful).
		Set("disable-blink-features", "AutomationControlled").
		Set("lang", fp.Locale).
		Set("window-size", fmt.Sprintf("%d,%d", fp.ScreenWidth, fp.ScreenHeight)).
		Delete("enable-automation")

	if session.ProxyServer != "" {
		l = l.Proxy(session.ProxyServer)
	}
	return l
}

func (e *FingerprintEngine) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp := e.nextFingerprint()
	l := e.newLauncher(fp, opts)

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect browser: %w", err)
	}

	script, err := fp.overrideScript()
	if err != nil {
		b.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to build fingerprint script: %w", err)
	}

	return &fingerprintSession{
		opts:     e.opts,
		launcher: l,
		browser:  b,
		fp:       fp,
		script:   script,
	}, nil
}

type fingerprintSession struct {
	opts     *Options
	launcher *launcher.Launcher
	browser  *rod.Browser
	fp       Fingerprint
	script   string
	mu       sync.Mutex
}

func (s *fingerprintSession) Engine() string {
	return EngineFingerprint
}

func (s *fingerprintSession) preparePage() (*rod.Page, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	steps := []func() error{
		func() error {
			return proto.EmulationSetUserAgentOverride{
				UserAgent:      s.fp.UserAgent,
				AcceptLanguage: s.opts.AcceptLanguage,
				Platform:       s.fp.Platform,
			}.Call(page)
		},
		func() error {
			return proto.EmulationSetTimezoneOverride{TimezoneID: s.fp.TimezoneID}.Call(page)
		},
		func() error {
			return proto.EmulationSetLocaleOverride{Locale: s.fp.Locale}.Call(page)
		},
		func() error {
			return proto.EmulationSetDeviceMetricsOverride{
				Width:             s.fp.ScreenWidth,
				Height:            s.fp.ScreenHeight,
				DeviceScaleFactor: s.fp.DeviceScaleFactor,
				Mobile:            false,
			}.Call(page)
		},
		func() error {
			_, err := page.EvalOnNewDocument(s.script)
			return err
		},
	}

	for _, step := range steps {
		if err := step(); err != nil {
			page.Close()
			return nil, fmt.Errorf("failed to apply fingerprint: %w", err)
		}
	}
	return page, nil
}

func (s *fingerprintSession) Navigate(ctx context.Context, url string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.preparePage()
	if err != nil {
		return nil, err
	}
	defer base.Close()

	page := base.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	if err := settle(ctx, s.opts.SettleDelay); err != nil {
		return nil, err
	}

	content, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to read page html: %w", err)
	}

	result := &Page{URL: url, Content: content}
	if info, err := page.Info(); err == nil {
		result.Title = info.Title
		result.URL = info.URL
	}
	return result, nil
}

func (s *fingerprintSession) Close() error {
	var errs []error

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
