package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	"github.com/maltedev/allegro-price-monitor/internal/parser"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

// Navigator is the part of a browser.Handle the checker drives.
type Navigator interface {
	Engine() string
	Navigate(ctx context.Context, url string) (*browser.Page, error)
	IsBlocked(page *browser.Page) bool
	BlockReason(page *browser.Page) string
}

// Pacer is the part of the scheduler consulted around navigations.
type Pacer interface {
	Wait(ctx context.Context) error
	Blocked(engine, reason string) error
}

type Checker struct {
	cfg        config.MonitorConfig
	policy     Policy
	pacer      Pacer
	delivery   *parser.DeliveryParser
	extractors parser.ExtractorFactory
	workerID   string
	now        func() time.Time
	logger     *slog.Logger
}

func NewChecker(cfg config.MonitorConfig, pacer Pacer, delivery *parser.DeliveryParser, workerID string, logger *slog.Logger) *Checker {
	if delivery == nil {
		delivery = parser.NewDeliveryParser(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg: cfg,
		policy: Policy{
			MaxDeliveryDays:        cfg.MaxDeliveryDays,
			IncludeUnknownDelivery: cfg.IncludeUnknownDelivery,
		},
		pacer:      pacer,
		delivery:   delivery,
		extractors: parser.AllegroExtractors,
		workerID:   workerID,
		now:        time.Now,
		logger:     logger.With("component", "checker"),
	}
}

// SetExtractorFactory replaces the comparison page extractor.
func (c *Checker) SetExtractorFactory(f parser.ExtractorFactory) {
	if f != nil {
		c.extractors = f
	}
}

// Check loads the offer page, follows it to the comparison page and builds
// the result. Navigation problems and blocks come back as errors; a page
// that cannot be read comes back as a failed result.
func (c *Checker) Check(ctx context.Context, nav Navigator, task models.PriceCheckTask, excluded []string) (*models.PriceCheckResult, error) {
	logger := c.logger.With("task_id", task.ID, "offer_id", task.OfferID, "engine", nav.Engine())

	offerURL := BuildOfferURL(c.cfg.BaseURL, task.OfferID, task.Title)
	offerPage, err := c.load(ctx, nav, offerURL)
	if err != nil {
		return nil, err
	}

	if offerPage.Status == http.StatusNotFound || offerPage.Status == http.StatusGone {
		err := monerrors.NewExtractionFailed(fmt.Sprintf("offer page returned %d", offerPage.Status), nil)
		return FailedResult(task, err, nav.Engine(), c.workerID, c.now()), nil
	}

	base := offerPage.URL
	if base == "" {
		base = offerURL
	}
	comparisonURL := parser.FindComparisonURL(offerPage.Content, base)
	if comparisonURL == "" {
		logger.Info("no comparison page for offer")
		return c.buildResult(task, nav.Engine(), "", nil), nil
	}

	comparisonPage, err := c.load(ctx, nav, comparisonURL)
	if err != nil {
		return nil, err
	}

	extracted, err := c.extractors(c.cfg.OwnSeller, excluded).Extract(comparisonPage.Content)
	if err != nil {
		logger.Warn("extraction failed", "url", comparisonURL, "error", err)
		return FailedResult(task, err, nav.Engine(), c.workerID, c.now()), nil
	}

	offers := extracted.Offers
	for i := range offers {
		offers[i].DeliveryDays = c.delivery.Days(offers[i].DeliveryText)
	}

	result := c.buildResult(task, nav.Engine(), extracted.Strategy, offers)
	logger.Info("offer checked",
		"strategy", extracted.Strategy,
		"competitors", result.CompetitorCount,
		"considered", result.TotalOffersConsidered,
		"skipped_rows", extracted.Skipped,
		"competitor_cheaper", result.CompetitorCheaper(),
	)
	return result, nil
}

func (c *Checker) load(ctx context.Context, nav Navigator, url string) (*browser.Page, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	page, err := nav.Navigate(ctx, url)
	if err != nil {
		return nil, err
	}

	if nav.IsBlocked(page) {
		return nil, c.pacer.Blocked(nav.Engine(), nav.BlockReason(page))
	}
	return page, nil
}

func (c *Checker) buildResult(task models.PriceCheckTask, engine, strategy string, offers []models.CompetitorOffer) *models.PriceCheckResult {
	sel := SelectCheapest(offers, c.policy)

	result := &models.PriceCheckResult{
		TaskID:                task.ID,
		OfferID:               task.OfferID,
		Cheapest:              sel.Cheapest,
		CompetitorCount:       len(sel.Eligible),
		TotalOffersConsidered: sel.TotalConsidered,
		Competitors:           sel.Eligible,
		CheckedAt:             c.now().UTC(),
		Engine:                engine,
		WorkerID:              c.workerID,
		Strategy:              strategy,
	}
	if result.Competitors == nil {
		result.Competitors = []models.CompetitorOffer{}
	}
	result.RecomputeDiff(task.MyPrice)
	return result
}

// FailedResult records err against task. The error kind decides on the
// service side whether the task is retried.
func FailedResult(task models.PriceCheckTask, err error, engine, workerID string, now time.Time) *models.PriceCheckResult {
	return &models.PriceCheckResult{
		TaskID:      task.ID,
		OfferID:     task.OfferID,
		MyPrice:     task.MyPrice,
		Competitors: []models.CompetitorOffer{},
		CheckedAt:   now.UTC(),
		Error:       err.Error(),
		ErrorKind:   string(monerrors.KindOf(err)),
		Engine:      engine,
		WorkerID:    workerID,
	}
}
