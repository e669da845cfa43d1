package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	deliveryDisclaimerRe = regexp.MustCompile(`^dostawa\s+od\s+\d`)
	deliveryRangeRe      = regexp.MustCompile(`(\d+)\s*[-–—]\s*(\d+)\s*dni`)
	deliveryDaysRe       = regexp.MustCompile(`(\d+)\s*dni`)
	deliveryDateRe       = regexp.MustCompile(`(?:^|\D)(\d{1,2})\.?\s+(sty|lut|mar|kwi|maj|cze|lip|sie|wrz|paź|paz|lis|gru)`)
	priceAmountRe        = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*(?:zł|zl|pln)`)
)

// polishWeekdays is checked in order, so full names come before their
// prefixes.
var polishWeekdays = []struct {
	name string
	day  time.Weekday
}{
	{"poniedziałek", time.Monday}, {"poniedzialek", time.Monday}, {"poniedział", time.Monday},
	{"wtorek", time.Tuesday}, {"wtor", time.Tuesday},
	{"środa", time.Wednesday}, {"sroda", time.Wednesday}, {"środ", time.Wednesday}, {"srod", time.Wednesday},
	{"czwartek", time.Thursday}, {"czwart", time.Thursday},
	{"piątek", time.Friday}, {"piatek", time.Friday}, {"piąt", time.Friday}, {"piat", time.Friday},
	{"sobota", time.Saturday}, {"sobot", time.Saturday}, {"sobo", time.Saturday},
	{"niedziela", time.Sunday}, {"niedziel", time.Sunday}, {"niedz", time.Sunday},
}

var polishMonths = map[string]time.Month{
	"sty": time.January,
	"lut": time.February,
	"mar": time.March,
	"kwi": time.April,
	"maj": time.May,
	"cze": time.June,
	"lip": time.July,
	"sie": time.August,
	"wrz": time.September,
	"paź": time.October,
	"paz": time.October,
	"lis": time.November,
	"gru": time.December,
}

// ParseDeliveryDays maps a delivery promise like "dostawa za 2-3 dni",
// "dostawa pt. 14 lut" or "dostawa w sobotę" to a day count relative to now. It returns nil for
// text it does not recognize and for shipping cost labels.
func ParseDeliveryDays(text string, now time.Time) *int {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return nil
	}
	t = strings.ReplaceAll(t, "\u00a0", " ")

	if deliveryDisclaimerRe.MatchString(t) {
		return nil
	}

	if m := deliveryRangeRe.FindStringSubmatch(t); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		return days((a + b) / 2)
	}

	if m := deliveryDaysRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return days(n)
	}

	if m := deliveryDateRe.FindStringSubmatch(t); m != nil {
		day, _ := strconv.Atoi(m[1])
		if d, ok := daysUntil(day, polishMonths[m[2]], now); ok {
			return days(d)
		}
		return nil
	}

	for _, wd := range polishWeekdays {
		if strings.Contains(t, wd.name) {
			return days(daysUntilWeekday(wd.day, now))
		}
	}

	switch {
	case strings.Contains(t, "pojutrze"):
		return days(2)
	case strings.Contains(t, "jutro"), strings.Contains(t, "jutra"):
		return days(1)
	case strings.Contains(t, "dzisiaj"), strings.Contains(t, "dziś"), strings.Contains(t, "dzis"):
		return days(0)
	}

	return nil
}

// IsShippingCostLabel reports whether a label only states a shipping price.
func IsShippingCostLabel(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if deliveryDisclaimerRe.MatchString(t) {
		return true
	}
	return priceAmountRe.MatchString(t) && ParseDeliveryDays(t, time.Now()) == nil
}

func daysUntil(day int, month time.Month, now time.Time) (int, bool) {
	if month == 0 || day < 1 {
		return 0, false
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	year := today.Year()

	target, ok := calendarDate(year, month, day, now.Location())
	if !ok {
		return 0, false
	}
	if target.Before(today) {
		target, ok = calendarDate(year+1, month, day, now.Location())
		if !ok {
			return 0, false
		}
	}

	return int(math.Round(target.Sub(today).Hours() / 24)), true
}

// daysUntilWeekday counts days to the next occurrence of day. Today's
// weekday means a week from now.
func daysUntilWeekday(day time.Weekday, now time.Time) int {
	ahead := (int(day) - int(now.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return ahead
}

func calendarDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if t.Month() != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func days(n int) *int {
	if n < 0 {
		n = 0
	}
	return &n
}

// DeliveryParser binds ParseDeliveryDays to a clock.
type DeliveryParser struct {
	now func() time.Time
}

func NewDeliveryParser(now func() time.Time) *DeliveryParser {
	if now == nil {
		now = time.Now
	}
	return &DeliveryParser{now: now}
}

func (p *DeliveryParser) Days(text string) *int {
	return ParseDeliveryDays(text, p.now())
}
