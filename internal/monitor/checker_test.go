package monitor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	"github.com/maltedev/allegro-price-monitor/internal/parser"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	offerURL      = "https://allegro.pl/oferta/klocki-hamulcowe-17012345678"
	comparisonURL = "https://allegro.pl/oferty-produktu/klocki-hamulcowe-abc"
)

const offerPage = `<html><body>
<h1>Klocki hamulcowe</h1>
<a data-analytics-click-label="cheapest" href="/oferty-produktu/klocki-hamulcowe-abc">Porównaj oferty</a>
</body></html>`

const comparisonPage = `<html><body><script>window.__listing_StoreState = {"items":{"elements":[
 {"id":"1","seller":{"login":"szybki"},"price":{"mainPrice":{"amount":"140.00","currency":"PLN"}},
  "shipping":{"delivery":{"label":{"text":"dostawa za 2 dni"}}}},
 {"id":"2","seller":{"login":"wolny"},"price":{"mainPrice":{"amount":"99.00","currency":"PLN"}},
  "shipping":{"delivery":{"label":{"text":"dostawa za 10 dni"}}}},
 {"id":"3","seller":{"login":"Retriever_Shop"},"price":{"mainPrice":{"amount":"150.00","currency":"PLN"}}},
 {"id":"4","seller":{"login":"zablokowany"},"price":{"mainPrice":{"amount":"90.00","currency":"PLN"}}}
]}};</script></body></html>`

type fakeNavigator struct {
	pages   map[string]*browser.Page
	blocked map[string]bool
	err     error
	visited []string
}

func (f *fakeNavigator) Engine() string { return browser.EngineStealth }

func (f *fakeNavigator) Navigate(ctx context.Context, url string) (*browser.Page, error) {
	f.visited = append(f.visited, url)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[url]
	if !ok {
		return &browser.Page{URL: url, Status: http.StatusNotFound}, nil
	}
	return page, nil
}

func (f *fakeNavigator) IsBlocked(page *browser.Page) bool {
	return f.blocked[page.URL]
}

func (f *fakeNavigator) BlockReason(page *browser.Page) string {
	return "challenge page"
}

type fakePacer struct {
	waits   int
	blocks  int
	waitErr error
}

func (p *fakePacer) Wait(ctx context.Context) error {
	p.waits++
	return p.waitErr
}

func (p *fakePacer) Blocked(engine, reason string) error {
	p.blocks++
	return monerrors.NewBlocked(engine, reason)
}

func newTestChecker(pacer Pacer) *Checker {
	cfg := config.MonitorConfig{
		BaseURL:                "https://allegro.pl",
		OwnSeller:              "Retriever_Shop",
		MaxDeliveryDays:        4,
		IncludeUnknownDelivery: true,
	}
	now := func() time.Time { return time.Date(2025, 12, 22, 10, 0, 0, 0, time.UTC) }
	c := NewChecker(cfg, pacer, parser.NewDeliveryParser(now), "worker-1", nil)
	c.now = now
	return c
}

func testTask() models.PriceCheckTask {
	return models.PriceCheckTask{
		ID:      "task-1",
		OfferID: "17012345678",
		Title:   "Klocki hamulcowe",
		MyPrice: 150,
		Status:  models.TaskProcessing,
	}
}

func TestChecker_Check(t *testing.T) {
	nav := &fakeNavigator{pages: map[string]*browser.Page{
		offerURL:      {URL: offerURL, Status: http.StatusOK, Content: offerPage},
		comparisonURL: {URL: comparisonURL, Status: http.StatusOK, Content: comparisonPage},
	}}
	pacer := &fakePacer{}
	c := newTestChecker(pacer)

	result, err := c.Check(context.Background(), nav, testTask(), []string{"zablokowany"})
	require.NoError(t, err)

	assert.Equal(t, []string{offerURL, comparisonURL}, nav.visited)
	assert.Equal(t, 2, pacer.waits)

	assert.False(t, result.Failed())
	require.NotNil(t, result.Cheapest)
	assert.Equal(t, "szybki", result.Cheapest.Seller)
	assert.Equal(t, 140.0, result.Cheapest.Price)
	require.NotNil(t, result.Cheapest.DeliveryDays)
	assert.Equal(t, 2, *result.Cheapest.DeliveryDays)

	require.NotNil(t, result.PriceDiff)
	assert.Equal(t, 10.0, *result.PriceDiff)
	assert.True(t, result.CompetitorCheaper())
	assert.Equal(t, 150.0, result.MyPrice)

	// The 10 day offer is cheaper but too slow; it is still counted.
	assert.Equal(t, 1, result.CompetitorCount)
	assert.Equal(t, 2, result.TotalOffersConsidered)
	assert.Equal(t, parser.StrategyStructured, result.Strategy)
	assert.Equal(t, browser.EngineStealth, result.Engine)
	assert.Equal(t, "worker-1", result.WorkerID)
	assert.Equal(t, "task-1", result.TaskID)
}

func TestChecker_NoComparison(t *testing.T) {
	nav := &fakeNavigator{pages: map[string]*browser.Page{
		offerURL: {URL: offerURL, Status: http.StatusOK, Content: "<html><body><h1>Jedyna oferta</h1></body></html>"},
	}}
	c := newTestChecker(&fakePacer{})

	result, err := c.Check(context.Background(), nav, testTask(), nil)
	require.NoError(t, err)

	assert.False(t, result.Failed())
	assert.Nil(t, result.Cheapest)
	assert.Nil(t, result.PriceDiff)
	assert.Zero(t, result.CompetitorCount)
	assert.NotNil(t, result.Competitors)
	assert.Len(t, nav.visited, 1)
}

func TestChecker_Blocked(t *testing.T) {
	nav := &fakeNavigator{
		pages: map[string]*browser.Page{
			offerURL: {URL: offerURL, Status: http.StatusOK, Content: offerPage},
		},
		blocked: map[string]bool{offerURL: true},
	}
	pacer := &fakePacer{}
	c := newTestChecker(pacer)

	result, err := c.Check(context.Background(), nav, testTask(), nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, monerrors.IsBlocked(err))
	assert.Equal(t, 1, pacer.blocks)
}

func TestChecker_ExtractionFailed(t *testing.T) {
	nav := &fakeNavigator{pages: map[string]*browser.Page{
		offerURL:      {URL: offerURL, Status: http.StatusOK, Content: offerPage},
		comparisonURL: {URL: comparisonURL, Status: http.StatusOK, Content: "<html><body><p>Nowy układ strony</p></body></html>"},
	}}
	c := newTestChecker(&fakePacer{})

	result, err := c.Check(context.Background(), nav, testTask(), nil)
	require.NoError(t, err)

	assert.True(t, result.Failed())
	assert.Equal(t, string(monerrors.KindExtractionFailed), result.ErrorKind)
	assert.Nil(t, result.Cheapest)
}

type stubExtractor struct {
	result *parser.ExtractResult
	err    error
	html   string
}

func (s *stubExtractor) Extract(html string) (*parser.ExtractResult, error) {
	s.html = html
	return s.result, s.err
}

func TestChecker_ExtractorFactory(t *testing.T) {
	pages := map[string]*browser.Page{
		offerURL:      {URL: offerURL, Status: http.StatusOK, Content: offerPage},
		comparisonURL: {URL: comparisonURL, Status: http.StatusOK, Content: "<html>mobile layout</html>"},
	}

	t.Run("offers come from the configured extractor", func(t *testing.T) {
		stub := &stubExtractor{result: &parser.ExtractResult{
			Strategy: "mobile",
			Offers: []models.CompetitorOffer{
				{Seller: "szybki", Price: 120, Currency: "PLN", DeliveryText: "dostawa jutro"},
			},
		}}
		var gotOwn string
		var gotExcluded []string

		c := newTestChecker(&fakePacer{})
		c.SetExtractorFactory(func(ownSeller string, excluded []string) parser.OfferExtractor {
			gotOwn, gotExcluded = ownSeller, excluded
			return stub
		})

		result, err := c.Check(context.Background(), &fakeNavigator{pages: pages}, testTask(), []string{"zablokowany"})
		require.NoError(t, err)

		assert.Equal(t, "Retriever_Shop", gotOwn)
		assert.Equal(t, []string{"zablokowany"}, gotExcluded)
		assert.Equal(t, "<html>mobile layout</html>", stub.html)

		assert.Equal(t, "mobile", result.Strategy)
		require.NotNil(t, result.Cheapest)
		assert.Equal(t, "szybki", result.Cheapest.Seller)
		require.NotNil(t, result.Cheapest.DeliveryDays)
		assert.Equal(t, 1, *result.Cheapest.DeliveryDays)
		require.NotNil(t, result.PriceDiff)
		assert.Equal(t, 30.0, *result.PriceDiff)
	})

	t.Run("extractor error is a failed result", func(t *testing.T) {
		c := newTestChecker(&fakePacer{})
		c.SetExtractorFactory(func(string, []string) parser.OfferExtractor {
			return &stubExtractor{err: monerrors.NewExtractionFailed("unknown layout", nil)}
		})

		result, err := c.Check(context.Background(), &fakeNavigator{pages: pages}, testTask(), nil)
		require.NoError(t, err)
		assert.True(t, result.Failed())
		assert.Equal(t, string(monerrors.KindExtractionFailed), result.ErrorKind)
	})

	t.Run("nil factory keeps the default", func(t *testing.T) {
		c := newTestChecker(&fakePacer{})
		c.SetExtractorFactory(nil)
		assert.NotNil(t, c.extractors)
	})
}

func TestChecker_OfferGone(t *testing.T) {
	nav := &fakeNavigator{pages: map[string]*browser.Page{}}
	c := newTestChecker(&fakePacer{})

	result, err := c.Check(context.Background(), nav, testTask(), nil)
	require.NoError(t, err)

	assert.True(t, result.Failed())
	assert.Equal(t, string(monerrors.KindExtractionFailed), result.ErrorKind)
	assert.Contains(t, result.Error, "404")
}

func TestChecker_NavigationErrorsPropagate(t *testing.T) {
	timeout := monerrors.NewNavigationTimeout(browser.EngineStealth, offerURL, context.DeadlineExceeded)
	nav := &fakeNavigator{err: timeout}
	c := newTestChecker(&fakePacer{})

	result, err := c.Check(context.Background(), nav, testTask(), nil)
	assert.Nil(t, result)
	assert.True(t, monerrors.IsKind(err, monerrors.KindNavigationTimeout))
}

func TestChecker_WaitCancelled(t *testing.T) {
	nav := &fakeNavigator{}
	c := newTestChecker(&fakePacer{waitErr: context.Canceled})

	_, err := c.Check(context.Background(), nav, testTask(), nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, nav.visited)
}

func TestFailedResult(t *testing.T) {
	now := time.Date(2025, 12, 22, 10, 0, 0, 0, time.UTC)
	r := FailedResult(testTask(), monerrors.NewWorkerShutdown("stopping"), "", "worker-1", now)

	assert.True(t, r.Failed())
	assert.Equal(t, string(monerrors.KindWorkerShutdown), r.ErrorKind)
	assert.Equal(t, 150.0, r.MyPrice)
	assert.Equal(t, now, r.CheckedAt)
}
