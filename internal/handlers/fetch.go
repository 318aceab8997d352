package handlers

import (
	"context"
	"fmt"

	"github.com/podushkina/newswatch/internal/news"
	"github.com/podushkina/newswatch/internal/scrape"
	"github.com/podushkina/newswatch/internal/task"
)

type FetchRequest struct {
	Keyword  string `json:"keyword"`
	Source   string `json:"source,omitempty"`
	MaxPages int    `json:"max_pages,omitempty"`
	Proxy    string `json:"proxy,omitempty"`
}

// Fetch crawls the result pages of one source for a keyword and returns one
// analyze envelope per item found. Failing pages are skipped; only a source
// that failed on every page sends the task down the retry path.
func (h *Handlers) Fetch(ctx context.Context, env *task.Envelope) (task.Result, error) {
	var req FetchRequest
	if err := env.Bind(&req); err != nil {
		return task.Result{}, err
	}
	if req.Source == "" {
		req.Source = h.cfg.DefaultSource
	}
	if req.MaxPages <= 0 {
		req.MaxPages = h.cfg.DefaultMaxPages
	}
	if req.Proxy == "" {
		req.Proxy = h.cfg.Proxy
	}

	logger := h.log(env).With("keyword", req.Keyword, "source", req.Source)
	items := []news.Item{}

	if req.Keyword == "" {
		logger.Warn("fetch without keyword, nothing to do")
		return task.Result{Value: items}, nil
	}
	src, ok := h.sources.Lookup(req.Source)
	if !ok {
		logger.Warn("unsupported source")
		return task.Result{Value: items}, nil
	}

	pages := src.PageURLs(req.Keyword, req.MaxPages)
	failed := 0
	for i, pageURL := range pages {
		if err := task.CheckRevoked(ctx); err != nil {
			return task.Result{}, err
		}
		if err := h.pause(ctx); err != nil {
			return task.Result{}, err
		}

		html, err := h.transport.Get(ctx, pageURL, scrape.Headers(h.cfg.UserAgent), req.Proxy, h.cfg.RequestTimeout)
		if err != nil {
			failed++
			logger.Warn("page fetch failed", "page", i+1, "error", err)
			continue
		}

		parsed, err := src.Parse(html)
		if err != nil {
			logger.Warn("page parse failed", "page", i+1, "error", err)
			continue
		}
		for _, item := range parsed {
			item.Keyword = req.Keyword
			items = append(items, item)
		}
	}

	if len(pages) > 0 && failed == len(pages) {
		return task.Result{}, fmt.Errorf("fetch %s from %s: all %d pages failed", req.Keyword, req.Source, failed)
	}

	follow := make([]*task.Envelope, 0, len(items))
	for _, item := range items {
		next, err := task.New(AnalyzeNews, item)
		if err != nil {
			return task.Result{}, err
		}
		follow = append(follow, next)
	}

	logger.Info("fetched news", "items", len(items), "pages", len(pages), "failed_pages", failed)
	return task.Result{Value: items, FollowUps: follow}, nil
}
