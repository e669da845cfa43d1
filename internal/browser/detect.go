package browser

import (
	"strings"
)

// BlockDetector decides whether a loaded page is a bot defense challenge
// instead of marketplace content.
type BlockDetector interface {
	IsBlocked(page *Page) bool
}

type BlockDetectorFunc func(page *Page) bool

func (f BlockDetectorFunc) IsBlocked(page *Page) bool {
	return f(page)
}

var (
	defaultChallengeMarkers = []string{
		"captcha-delivery.com",
		"datadome",
		"cf-challenge",
		"challenge-platform",
	}
	defaultBlockMessages = []string{
		"wyglądasz jak bot",
		"zabezpieczamy się przed botami",
		"just a moment",
		"checking your browser",
		"attention required",
	}
)

// HeuristicDetector flags short pages that look like a challenge. Pages at
// or above MinLength are never reported as blocked, so a real offer page that
// happens to mention a marker still counts as content.
type HeuristicDetector struct {
	Domain    string
	MinLength int
	Markers   []string
	Messages  []string
}

func NewHeuristicDetector(domain string, minLength int) *HeuristicDetector {
	return &HeuristicDetector{
		Domain:    strings.ToLower(strings.TrimSpace(domain)),
		MinLength: minLength,
		Markers:   defaultChallengeMarkers,
		Messages:  defaultBlockMessages,
	}
}

func (d *HeuristicDetector) IsBlocked(page *Page) bool {
	return d.Reason(page) != ""
}

// Reason returns why the page counts as blocked, or "" when it does not.
func (d *HeuristicDetector) Reason(page *Page) string {
	if page == nil || len(page.Content) >= d.MinLength {
		return ""
	}

	title := strings.ToLower(strings.TrimSpace(page.Title))
	if d.Domain != "" && title == d.Domain {
		return "title is bare domain"
	}

	content := strings.ToLower(page.Content)
	for _, marker := range d.Markers {
		if strings.Contains(content, strings.ToLower(marker)) {
			return "challenge marker " + marker
		}
	}
	for _, msg := range d.Messages {
		if strings.Contains(content, strings.ToLower(msg)) {
			return "block message " + msg
		}
	}
	return ""
}

// BlockReason explains a positive detection when the detector can.
func BlockReason(d BlockDetector, page *Page) string {
	if h, ok := d.(*HeuristicDetector); ok {
		if reason := h.Reason(page); reason != "" {
			return reason
		}
	}
	return "bot defense challenge"
}
