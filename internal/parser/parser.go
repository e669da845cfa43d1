package parser

import (
	"github.com/maltedev/allegro-price-monitor/internal/models"
)

const (
	StrategyStructured = "structured"
	StrategyDOM        = "dom"
)

// OfferExtractor turns a loaded comparison page into competitor offers.
type OfferExtractor interface {
	Extract(html string) (*ExtractResult, error)
}

// ExtractorFactory builds the extractor for one check. ownSeller and
// excluded name the sellers that are not competitors.
type ExtractorFactory func(ownSeller string, excluded []string) OfferExtractor

// AllegroExtractors is the ExtractorFactory for Allegro comparison pages.
func AllegroExtractors(ownSeller string, excluded []string) OfferExtractor {
	return NewAllegroExtractor(ownSeller, excluded)
}

type ExtractResult struct {
	Offers   []models.CompetitorOffer
	Strategy string
	// Skipped counts rows dropped for a missing or zero price.
	Skipped int
}
