// Package detector decides when to promote fetches to the headless renderer.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// DefaultBodyLengthThreshold is the body size below which a page can be an
// SPA shell.
const DefaultBodyLengthThreshold = 4096

// minVisibleText is the rendered-text length under which a marked shell is
// treated as empty.
const minVisibleText = 200

// DefaultMarkers are selectors that identify client-rendered app roots.
var DefaultMarkers = []string{
	"#__next",
	"#__nuxt",
	"#root",
	"#app",
	"[data-reactroot]",
	"[ng-app]",
	"[ng-version]",
}

// Heuristic promotes small 2xx pages that look like client-rendered shells.
type Heuristic struct {
	BodyLengthThreshold int
	Markers             []string
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold, Markers: DefaultMarkers}
}

// ShouldPromote reports whether the probe response needs a rendered fetch.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) >= h.BodyLengthThreshold {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scriptDensityHigh(body)
	}
	if h.hasMarker(doc) && visibleTextLen(doc) < minVisibleText {
		return true
	}
	return scriptDensityHigh(body)
}

func (h *Heuristic) hasMarker(doc *goquery.Document) bool {
	for _, sel := range h.Markers {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func visibleTextLen(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return utf8.RuneCountInString(strings.Join(strings.Fields(body.Text()), " "))
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document is script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
