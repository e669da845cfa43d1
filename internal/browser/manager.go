package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/metrics"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

// Manager opens sessions from its engines in the configured fallback order.
type Manager struct {
	engines  []Engine
	detector BlockDetector
	opts     *Options
	logger   *slog.Logger
}

func NewManager(engines []Engine, detector BlockDetector, opts *Options, logger *slog.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engines:  engines,
		detector: detector,
		opts:     opts,
		logger:   logger.With("component", "session_manager"),
	}
}

// New builds the engines named in cfg.Engines. Unknown names are a
// configuration error.
func New(cfg config.BrowserConfig, domain string, logger *slog.Logger) (*Manager, error) {
	opts := OptionsFromConfig(cfg)

	var engines []Engine
	for _, name := range cfg.Engines {
		switch strings.TrimSpace(name) {
		case EngineAttached:
			engines = append(engines, NewAttachedEngine(opts))
		case EngineStealth:
			engines = append(engines, NewStealthEngine(opts))
		case EngineFingerprint:
			engines = append(engines, NewFingerprintEngine(opts, nil))
		default:
			return nil, monerrors.NewConfiguration(fmt.Sprintf("unknown browser engine %q", name), nil)
		}
	}

	if len(engines) == 0 {
		return nil, monerrors.NewConfiguration("no browser engine configured", nil)
	}

	detector := NewHeuristicDetector(domain, cfg.BlockMinLength)
	return NewManager(engines, detector, opts, logger), nil
}

func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.engines))
	for _, e := range m.engines {
		names = append(names, e.Name())
	}
	return names
}

// Open returns a handle on the first engine that starts.
func (m *Manager) Open(ctx context.Context, opts SessionOptions) (*Handle, error) {
	return m.open(ctx, m.engines, "", opts)
}

// OpenAfter skips every engine up to and including failed. Each attempt is
// a fresh session; nothing carries over from the failed one.
func (m *Manager) OpenAfter(ctx context.Context, failed string, opts SessionOptions) (*Handle, error) {
	for i, e := range m.engines {
		if e.Name() == failed {
			return m.open(ctx, m.engines[i+1:], failed, opts)
		}
	}
	return nil, monerrors.NewEngineFailure(failed, "no fallback engine left", nil)
}

func (m *Manager) open(ctx context.Context, engines []Engine, from string, opts SessionOptions) (*Handle, error) {
	var errs []string

	for _, e := range engines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		session, err := e.Open(ctx, opts)
		if err != nil {
			m.logger.Warn("engine failed to open", "engine", e.Name(), "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}

		if from != "" {
			metrics.EngineFallbacksTotal.WithLabelValues(from, e.Name()).Inc()
			m.logger.Info("fell back to next engine", "from", from, "to", e.Name())
		}
		m.logger.Info("session opened", "engine", e.Name(), "user_agent", opts.UserAgent, "proxy", opts.ProxyServer != "")

		return NewHandle(session, m.detector, m.opts.NavigationTimeout), nil
	}

	if len(errs) == 0 {
		return nil, monerrors.NewEngineFailure(from, "no fallback engine left", nil)
	}
	return nil, monerrors.NewEngineFailure("", "no engine could be opened", fmt.Errorf("%s", strings.Join(errs, "; ")))
}
