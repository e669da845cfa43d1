package monitor

import (
	"sort"

	"github.com/maltedev/allegro-price-monitor/internal/models"
)

// Policy is the business filter applied before picking the cheapest offer.
type Policy struct {
	MaxDeliveryDays int
	// IncludeUnknownDelivery keeps offers whose delivery text could not be
	// parsed in the running for cheapest.
	IncludeUnknownDelivery bool
}

type Selection struct {
	Cheapest        *models.CompetitorOffer
	Eligible        []models.CompetitorOffer
	TotalConsidered int
}

// Eligible reports whether an offer passes the delivery filter.
func (p Policy) Eligible(o models.CompetitorOffer) bool {
	if o.DeliveryDays == nil {
		return p.IncludeUnknownDelivery
	}
	return *o.DeliveryDays <= p.MaxDeliveryDays
}

// SelectCheapest filters competitor offers by delivery and picks the
// cheapest. Ties go to the faster known delivery, then to a priority seller.
// Offers dropped by the delivery filter still count in TotalConsidered.
func SelectCheapest(offers []models.CompetitorOffer, policy Policy) Selection {
	var sel Selection

	for _, o := range offers {
		if o.Price <= 0 {
			continue
		}
		sel.TotalConsidered++
		if policy.Eligible(o) {
			sel.Eligible = append(sel.Eligible, o)
		}
	}

	sort.SliceStable(sel.Eligible, func(i, j int) bool {
		return offerLess(sel.Eligible[i], sel.Eligible[j])
	})

	if len(sel.Eligible) > 0 {
		cheapest := sel.Eligible[0]
		sel.Cheapest = &cheapest
	}
	return sel
}

func offerLess(a, b models.CompetitorOffer) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}

	switch {
	case a.DeliveryDays != nil && b.DeliveryDays == nil:
		return true
	case a.DeliveryDays == nil && b.DeliveryDays != nil:
		return false
	case a.DeliveryDays != nil && b.DeliveryDays != nil && *a.DeliveryDays != *b.DeliveryDays:
		return *a.DeliveryDays < *b.DeliveryDays
	}

	return a.IsPrioritySeller && !b.IsPrioritySeller
}
