// Package hybrid routes fetch requests to a static or a rendering fetcher
// based on FetchRequest.RenderJS.
package hybrid

import (
	"context"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// Fetcher dispatches to Static for plain requests and Rendered for requests
// that ask for JavaScript execution.
type Fetcher struct {
	Static   crawler.Fetcher
	Rendered crawler.Fetcher
}

// New builds a hybrid Fetcher.
func New(static, rendered crawler.Fetcher) *Fetcher {
	return &Fetcher{Static: static, Rendered: rendered}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.RenderJS && f.Rendered != nil {
		return f.Rendered.Fetch(ctx, request)
	}
	return f.Static.Fetch(ctx, request)
}
