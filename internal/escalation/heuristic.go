package escalation

import (
	"bytes"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/extract"
)

// DefaultMinVisibleChars is the visible-text length below which a page is
// considered an empty shell.
const DefaultMinVisibleChars = 500

// mountSelectors are the containers client-side frameworks render into.
var mountSelectors = []string{
	"#root",
	"#app",
	"#__next",
	"#__nuxt",
	"[data-reactroot]",
	"app-root",
}

// Heuristic judges whether static markup is an unrendered application shell.
type Heuristic struct {
	MinVisibleChars int
}

// NewHeuristic creates a detector; a non-positive threshold selects the default.
func NewHeuristic(minVisibleChars int) *Heuristic {
	if minVisibleChars <= 0 {
		minVisibleChars = DefaultMinVisibleChars
	}
	return &Heuristic{MinVisibleChars: minVisibleChars}
}

// ShouldPromote reports whether the response looks like an empty shell that
// needs browser rendering. Only successful HTML responses are considered; a
// response without a Content-Type is treated as HTML.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if !resp.Success() || !isHTML(resp.Headers.Get("Content-Type")) {
		return false
	}
	return h.IsEmptyShell(resp.Body)
}

func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// IsEmptyShell applies the text-length and empty-mount-point tests.
func (h *Heuristic) IsEmptyShell(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if hasEmptyMount(doc) {
		return true
	}
	return extract.VisibleTextLength(doc) < h.MinVisibleChars
}

func hasEmptyMount(doc *goquery.Document) bool {
	empty := false
	for _, sel := range mountSelectors {
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.Children().Length() == 0 && strings.TrimSpace(s.Text()) == "" {
				empty = true
				return false
			}
			return true
		})
		if empty {
			return true
		}
	}
	return false
}
