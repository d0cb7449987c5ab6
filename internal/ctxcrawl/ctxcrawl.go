package ctxcrawl

import (
	"context"
	"net/http"

	"fknsrs.biz/p/sixdegrees/internal/crawl"
)

var crawlerKey int

func WithCrawler(ctx context.Context, c *crawl.Crawler) context.Context {
	return context.WithValue(ctx, &crawlerKey, c)
}

func GetCrawler(ctx context.Context) *crawl.Crawler {
	if c, ok := ctx.Value(&crawlerKey).(*crawl.Crawler); ok {
		return c
	}

	return nil
}

func Register(c *crawl.Crawler) func(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	return func(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		next(rw, r.WithContext(WithCrawler(r.Context(), c)))
	}
}
