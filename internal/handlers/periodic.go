package handlers

import (
	"context"
	"errors"

	"github.com/podushkina/newswatch/internal/mail"
	"github.com/podushkina/newswatch/internal/task"
)

var errNoRepository = errors.New("no repository configured")

type CrawlAllRequest struct {
	Source   string `json:"source,omitempty"`
	MaxPages int    `json:"max_pages,omitempty"`
}

// CrawlAll fans out one fetch per active keyword.
func (h *Handlers) CrawlAll(ctx context.Context, env *task.Envelope) (task.Result, error) {
	var req CrawlAllRequest
	if err := env.Bind(&req); err != nil {
		return task.Result{}, err
	}
	if h.repo == nil {
		return task.Result{}, task.Permanent(errNoRepository)
	}

	keywords, err := h.repo.ListActiveKeywords(ctx)
	if err != nil {
		return task.Result{}, err
	}

	follow := make([]*task.Envelope, 0, len(keywords))
	for _, kw := range keywords {
		next, err := task.New(FetchNews, FetchRequest{Keyword: kw.Text, Source: req.Source, MaxPages: req.MaxPages})
		if err != nil {
			return task.Result{}, err
		}
		follow = append(follow, next)
	}

	h.log(env).Info("scheduled keyword crawls", "keywords", len(keywords))
	return task.Result{Value: len(keywords), FollowUps: follow}, nil
}

// DailyDigests sends one digest of everything crawled within the digest
// window, if anything was.
func (h *Handlers) DailyDigests(ctx context.Context, env *task.Envelope) (task.Result, error) {
	if h.repo == nil {
		return task.Result{}, task.Permanent(errNoRepository)
	}

	items, err := h.repo.ListCrawledSince(ctx, h.now().Add(-h.cfg.DigestWindow))
	if err != nil {
		return task.Result{}, err
	}
	if len(items) == 0 {
		h.log(env).Info("no news for daily digest")
		return task.Result{Value: 0}, nil
	}

	next, err := task.New(SendNotification, Notification{Kind: mail.KindDailyDigest, Items: items})
	if err != nil {
		return task.Result{}, err
	}

	h.log(env).Info("daily digest queued", "items", len(items))
	return task.Result{Value: len(items), FollowUps: []*task.Envelope{next}}, nil
}
