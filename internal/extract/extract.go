// Package extract pulls outgoing links, document resources and descriptive
// metadata from HTML pages with goquery.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// ResourceExtensions are the path suffixes treated as document resources.
var ResourceExtensions = []string{
	".pdf", ".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx", ".csv", ".zip", ".epub",
}

// HTML implements crawler.Extractor for HTML documents.
type HTML struct{}

// New returns an HTML extractor.
func New() *HTML {
	return &HTML{}
}

// Extract parses body as HTML and resolves every anchor against pageURL (or
// the document's <base href>). Links are returned normalized, deduplicated
// and in document order.
func (HTML) Extract(pageURL string, body []byte) (crawler.Extraction, error) {
	base, err := crawler.ParseAbsoluteURL(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("extract %s: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	out := crawler.Extraction{
		Metadata:   metadata(doc),
		TextLength: VisibleTextLength(doc),
	}
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if rel, ok := s.Attr("rel"); ok && strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		abs, ok := crawler.ResolveReference(base, href)
		if !ok {
			return
		}
		normalized, err := crawler.NormalizeURL(abs)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		out.Links = append(out.Links, normalized)
		if IsResource(normalized) {
			out.ResourceLinks = append(out.ResourceLinks, normalized)
		}
	})
	return out, nil
}

// IsResource reports whether rawURL's path ends in a document extension.
func IsResource(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, candidate := range ResourceExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// VisibleTextLength counts characters of rendered text, ignoring script,
// style and template markup and collapsing whitespace.
func VisibleTextLength(doc *goquery.Document) int {
	clone := doc.Selection.Clone()
	clone.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(clone.Text()), " ")
	return utf8.RuneCountInString(text)
}

func metadata(doc *goquery.Document) crawler.Metadata {
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("property")
		if !ok {
			key, ok = s.Attr("name")
		}
		if !ok {
			return
		}
		key = strings.ToLower(strings.TrimSpace(key))
		content, _ := s.Attr("content")
		content = strings.TrimSpace(content)
		if key == "" || content == "" {
			return
		}
		if _, exists := meta[key]; !exists {
			meta[key] = content
		}
	})

	md := crawler.Metadata{
		Title:       firstNonEmpty(meta["og:title"], meta["twitter:title"], strings.TrimSpace(doc.Find("title").First().Text())),
		Author:      firstNonEmpty(meta["author"], meta["article:author"], meta["og:article:author"]),
		Description: firstNonEmpty(meta["description"], meta["og:description"]),
	}
	if raw := meta["keywords"]; raw != "" {
		for _, kw := range strings.Split(raw, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				md.Keywords = append(md.Keywords, kw)
			}
		}
	}
	md.PublishedDate = publishedDate(meta["article:published_time"])
	return md
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// publishedDate reduces a timestamp to YYYY-MM-DD, or returns "" when it
// cannot be parsed.
func publishedDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
