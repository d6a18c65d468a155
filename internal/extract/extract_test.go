package extract

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title>Fallback title</title>
  <meta property="og:title" content="Open Graph Title">
  <meta name="author" content="A. Scholar">
  <meta name="description" content="Notes on crawling">
  <meta name="keywords" content="crawling, search , ,indexing">
  <meta property="article:published_time" content="2024-03-05T10:00:00Z">
</head>
<body>
  <script>var ignored = "long script text";</script>
  <a href="/papers/1#section">Paper</a>
  <a href="/papers/1">Paper again</a>
  <a href="https://Other.org/report.PDF">Report</a>
  <a href="mailto:someone@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="#top">Top</a>
  <a href="/private" rel="nofollow">Hidden</a>
  <a href="data/sheet.xlsx">Sheet</a>
</body>
</html>`

func TestExtractLinksAndResources(t *testing.T) {
	t.Parallel()

	ex, err := New().Extract("https://example.com/docs/", []byte(samplePage))
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/papers/1",
		"https://other.org/report.PDF",
		"https://example.com/docs/data/sheet.xlsx",
	}, ex.Links)
	require.Equal(t, []string{
		"https://other.org/report.PDF",
		"https://example.com/docs/data/sheet.xlsx",
	}, ex.ResourceLinks)
	require.True(t, ex.IsResourceLink("https://other.org/report.PDF"))
	require.False(t, ex.IsResourceLink("https://example.com/papers/1"))
	require.Positive(t, ex.TextLength)
}

func TestExtractMetadata(t *testing.T) {
	t.Parallel()

	ex, err := New().Extract("https://example.com/", []byte(samplePage))
	require.NoError(t, err)
	md := ex.Metadata
	require.Equal(t, "Open Graph Title", md.Title)
	require.Equal(t, "A. Scholar", md.Author)
	require.Equal(t, "Notes on crawling", md.Description)
	require.Equal(t, []string{"crawling", "search", "indexing"}, md.Keywords)
	require.Equal(t, "2024-03-05", md.PublishedDate)
}

func TestExtractTitleFallbackAndBaseHref(t *testing.T) {
	t.Parallel()

	page := `<html><head><base href="https://cdn.example.com/root/"><title> Plain </title>
<meta property="article:published_time" content="not a date"></head>
<body><a href="file.pdf">f</a></body></html>`
	ex, err := New().Extract("https://example.com/a/b", []byte(page))
	require.NoError(t, err)
	require.Equal(t, "Plain", ex.Metadata.Title)
	require.Empty(t, ex.Metadata.PublishedDate)
	require.Equal(t, []string{"https://cdn.example.com/root/file.pdf"}, ex.Links)
}

func TestExtractRejectsRelativePageURL(t *testing.T) {
	t.Parallel()

	_, err := New().Extract("/relative", []byte("<html></html>"))
	require.Error(t, err)
}

func TestIsResource(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"https://example.com/a.pdf":          true,
		"https://example.com/a.DOCX?x=1":     true,
		"https://example.com/archive.zip":    true,
		"https://example.com/page.html":      false,
		"https://example.com/pdf":            false,
		"https://example.com/dir.pdf/page":   false,
		"https://example.com/book.epub#ch-1": true,
	}
	for raw, want := range cases {
		require.Equal(t, want, IsResource(raw), raw)
	}
}

func TestVisibleTextLengthIgnoresScripts(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><script>aaaaaaaaaa</script><style>p{}</style><p>hello   world</p></body></html>`))
	require.NoError(t, err)
	require.Equal(t, len("hello world"), VisibleTextLength(doc))
}
