package monitor

import (
	"fmt"
	"regexp"
	"strings"
)

var slugSeparatorRe = regexp.MustCompile(`[^a-z0-9]+`)

var polishLetters = strings.NewReplacer(
	"ą", "a", "ć", "c", "ę", "e", "ł", "l", "ń", "n",
	"ó", "o", "ś", "s", "ź", "z", "ż", "z",
)

// BuildOfferURL returns the offer page for a task. The marketplace redirects
// /oferta/<id> to the canonical slug, so the title only saves a hop.
func BuildOfferURL(baseURL, offerID, title string) string {
	offerID = strings.TrimSpace(offerID)
	if strings.HasPrefix(offerID, "http://") || strings.HasPrefix(offerID, "https://") {
		return offerID
	}

	base := strings.TrimRight(baseURL, "/")
	if slug := Slugify(title); slug != "" {
		return fmt.Sprintf("%s/oferta/%s-%s", base, slug, offerID)
	}
	return fmt.Sprintf("%s/oferta/%s", base, offerID)
}

func Slugify(title string) string {
	s := polishLetters.Replace(strings.ToLower(title))
	return strings.Trim(slugSeparatorRe.ReplaceAllString(s, "-"), "-")
}
