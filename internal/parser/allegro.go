package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

const listingStateKey = "__listing_StoreState"

var (
	listingStateRe  = regexp.MustCompile(listingStateKey + `(?:\s*=|"\s*:)\s*\{`)
	offerIDRe       = regexp.MustCompile(`/oferta/(?:[^/?#"]*-)?(\d{6,})`)
	rowPriceRe      = regexp.MustCompile(`\d[\d\s\x{00a0}]*(?:[.,]\d{1,2})?\s*zł`)
	sellerSuffixRes = []*regexp.Regexp{
		regexp.MustCompile(`\s*Poleca.*$`),
		regexp.MustCompile(`\s+Firma.*$`),
		regexp.MustCompile(`\s+Oficjalny sklep.*$`),
	}
)

var (
	offerRowSelectors = []string{
		"[data-role='offer']",
		"[data-testid='offer-card']",
		"#inne-oferty-produktu article",
		"article:has(a[href*='/oferta/'])",
	}
	priceSelectors = []string{
		"[data-role='price']",
		"[data-testid='price']",
		"[aria-label*='zł']",
	}
	sellerSelectors = []string{
		"[data-role='seller-name']",
		"[data-testid='seller-name']",
		"a[href*='/uzytkownik/']",
	}
	deliverySelectors = []string{
		"[data-role='delivery']",
		"[data-testid='delivery']",
	}
	comparisonSelectors = []string{
		"a[href*='/oferty-produktu/']",
		"a[data-analytics-click-label='cheapest']",
	}
)

// AllegroExtractor reads competitor offers from a comparison page. The
// server rendered listing state is preferred; offer rows in the DOM are the
// fallback for layouts that do not embed it.
type AllegroExtractor struct {
	ownSeller string
	excluded  map[string]bool
}

func NewAllegroExtractor(ownSeller string, excluded []string) *AllegroExtractor {
	e := &AllegroExtractor{
		ownSeller: strings.ToLower(strings.TrimSpace(ownSeller)),
		excluded:  make(map[string]bool, len(excluded)),
	}
	for _, name := range excluded {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			e.excluded[name] = true
		}
	}
	return e
}

// IsCompetitor reports whether seller is neither us nor an excluded seller.
func (e *AllegroExtractor) IsCompetitor(seller string) bool {
	s := strings.ToLower(strings.TrimSpace(seller))
	if e.ownSeller != "" && s == e.ownSeller {
		return false
	}
	return !e.excluded[s]
}

func (e *AllegroExtractor) Extract(html string) (*ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, monerrors.NewExtractionFailed("failed to parse HTML", err)
	}

	if state, ok := findListingState(doc, html); ok {
		return e.fromListingState(state), nil
	}

	result, found := e.fromDOM(doc)
	if found {
		return result, nil
	}

	if doc.Find("[data-role='offers-empty']").Length() > 0 {
		return &ExtractResult{Strategy: StrategyDOM}, nil
	}

	return nil, monerrors.NewExtractionFailed("no listing state and no offer rows on page", nil)
}

type listingState struct {
	Items struct {
		Elements []listingElement `json:"elements"`
	} `json:"items"`
}

type listingElement struct {
	ID     flexString `json:"id"`
	URL    string     `json:"url"`
	Seller *struct {
		Login       string `json:"login"`
		SuperSeller bool   `json:"superSeller"`
	} `json:"seller"`
	Price struct {
		MainPrice *listingAmount `json:"mainPrice"`
		listingAmount
	} `json:"price"`
	Shipping struct {
		Delivery struct {
			Label struct {
				Text string `json:"text"`
			} `json:"label"`
		} `json:"delivery"`
		Summary struct {
			Labels []struct {
				Text string `json:"text"`
			} `json:"labels"`
		} `json:"summary"`
	} `json:"shipping"`
}

type listingAmount struct {
	Amount   flexString `json:"amount"`
	Currency string     `json:"currency"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

func (e *AllegroExtractor) fromListingState(state *listingState) *ExtractResult {
	result := &ExtractResult{Strategy: StrategyStructured}
	seen := make(map[string]bool)

	for _, el := range state.Items.Elements {
		if el.Seller == nil || el.Seller.Login == "" {
			continue
		}

		id := string(el.ID)
		if id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}

		amount := el.Price.listingAmount
		if el.Price.MainPrice != nil && el.Price.MainPrice.Amount != "" {
			amount = *el.Price.MainPrice
		}

		price, err := strconv.ParseFloat(strings.TrimSpace(string(amount.Amount)), 64)
		if err != nil {
			price, err = ParsePriceAmount(string(amount.Amount))
		}
		if err != nil || price <= 0 {
			result.Skipped++
			continue
		}

		if !e.IsCompetitor(el.Seller.Login) {
			continue
		}

		currency := amount.Currency
		if currency == "" {
			currency = "PLN"
		}

		result.Offers = append(result.Offers, models.CompetitorOffer{
			Seller:           el.Seller.Login,
			Price:            price,
			Currency:         currency,
			DeliveryText:     deliveryLabel(el),
			IsPrioritySeller: el.Seller.SuperSeller,
			OfferID:          id,
			OfferURL:         el.URL,
		})
	}

	return result
}

func deliveryLabel(el listingElement) string {
	if text := strings.TrimSpace(el.Shipping.Delivery.Label.Text); text != "" {
		return text
	}
	for _, label := range el.Shipping.Summary.Labels {
		text := strings.TrimSpace(label.Text)
		if text == "" || IsShippingCostLabel(text) {
			continue
		}
		lower := strings.ToLower(text)
		if strings.Contains(lower, "dostawa") || strings.Contains(lower, "dni") {
			return text
		}
	}
	return ""
}

// findListingState looks for the listing state either as an assignment in an
// inline script or as a key of a JSON script, then in the raw page.
func findListingState(doc *goquery.Document, html string) (*listingState, bool) {
	var state *listingState
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(text, listingStateKey) {
			return true
		}
		if st, err := decodeListingState(text); err == nil {
			state = st
			return false
		}
		return true
	})
	if state != nil {
		return state, true
	}

	if strings.Contains(html, listingStateKey) {
		if st, err := decodeListingState(html); err == nil {
			return st, true
		}
	}
	return nil, false
}

// decodeListingState decodes the object assigned to the listing state key
// or stored under it as a JSON property. Objects without items are skipped.
func decodeListingState(text string) (*listingState, error) {
	for _, loc := range listingStateRe.FindAllStringIndex(text, -1) {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[loc[1]-1:])).Decode(&raw); err != nil {
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		if _, ok := fields["items"]; !ok {
			continue
		}

		var state listingState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("failed to decode listing state: %w", err)
		}
		return &state, nil
	}
	return nil, fmt.Errorf("listing state not found")
}

func (e *AllegroExtractor) fromDOM(doc *goquery.Document) (*ExtractResult, bool) {
	var rows *goquery.Selection
	for _, selector := range offerRowSelectors {
		if found := doc.Find(selector); found.Length() > 0 {
			rows = found
			break
		}
	}
	if rows == nil {
		return nil, false
	}

	result := &ExtractResult{Strategy: StrategyDOM}
	rows.Each(func(_ int, row *goquery.Selection) {
		price, ok := rowPrice(row)
		if !ok {
			result.Skipped++
			return
		}

		seller := cleanSellerName(firstText(row, sellerSelectors))
		if !e.IsCompetitor(seller) {
			return
		}

		offer := models.CompetitorOffer{
			Seller:           seller,
			Price:            price,
			Currency:         "PLN",
			DeliveryText:     rowDelivery(row),
			IsPrioritySeller: row.Find("[data-role='super-seller']").Length() > 0 || strings.Contains(row.Text(), "Super Sprzedawca"),
		}

		if href, ok := row.Find("a[href*='/oferta/']").First().Attr("href"); ok {
			offer.OfferURL = href
			if m := offerIDRe.FindStringSubmatch(href); m != nil {
				offer.OfferID = m[1]
			}
		}

		result.Offers = append(result.Offers, offer)
	})

	if result.Skipped == rows.Length() {
		return nil, false
	}
	return result, true
}

func rowPrice(row *goquery.Selection) (float64, bool) {
	for _, selector := range priceSelectors {
		el := row.Find(selector).First()
		if el.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(el.Text())
		if text == "" {
			text, _ = el.Attr("aria-label")
		}
		if amount, err := ParsePriceAmount(text); err == nil && amount > 0 {
			return amount, true
		}
	}

	if m := rowPriceRe.FindString(row.Text()); m != "" {
		if amount, err := ParsePriceAmount(m); err == nil && amount > 0 {
			return amount, true
		}
	}
	return 0, false
}

func rowDelivery(row *goquery.Selection) string {
	if text := firstText(row, deliverySelectors); text != "" {
		return text
	}

	var text string
	row.Find("span, div, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		t := strings.TrimSpace(s.Text())
		if strings.Contains(strings.ToLower(t), "dostaw") && !IsShippingCostLabel(t) {
			text = t
			return false
		}
		return true
	})
	return text
}

func firstText(row *goquery.Selection, selectors []string) string {
	for _, selector := range selectors {
		if text := strings.TrimSpace(row.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func cleanSellerName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	for _, re := range sellerSuffixRes {
		name = re.ReplaceAllString(name, "")
	}
	return strings.TrimSpace(name)
}

// FindComparisonURL returns the absolute link from an offer page to the
// page comparing all sellers of the product, or "" when there is none.
func FindComparisonURL(html, baseURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	for _, selector := range comparisonSelectors {
		href, ok := doc.Find(selector).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			continue
		}
		return resolveURL(baseURL, strings.TrimSpace(href))
	}
	return ""
}

func resolveURL(baseURL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" {
		return href
	}
	return base.ResolveReference(ref).String()
}
