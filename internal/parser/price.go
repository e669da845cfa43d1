package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var priceNumberRe = regexp.MustCompile(`\d[\d\s\x{00a0}\x{202f}.,]*`)

// ParsePriceAmount reads amounts such as "1 234,56 zł", "139.99" or "1.299,00".
func ParsePriceAmount(s string) (float64, error) {
	raw := priceNumberRe.FindString(s)
	if raw == "" {
		return 0, fmt.Errorf("no amount in %q", s)
	}

	raw = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, raw)
	raw = strings.TrimRight(raw, ".,")

	lastComma := strings.LastIndex(raw, ",")
	lastDot := strings.LastIndex(raw, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(raw, ",") == 1 && len(raw)-lastComma-1 <= 2 {
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case strings.Count(raw, ".") > 1:
		raw = strings.ReplaceAll(raw, ".", "")
	}

	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}
	return amount, nil
}
