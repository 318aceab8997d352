// Package handlers implements the news pipeline stages (fetch, analyze,
// notify) and the periodic jobs that feed them. Each stage returns its
// follow-up envelopes instead of enqueueing them itself.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/podushkina/newswatch/internal/mail"
	"github.com/podushkina/newswatch/internal/news"
	"github.com/podushkina/newswatch/internal/scrape"
	"github.com/podushkina/newswatch/internal/sentiment"
	"github.com/podushkina/newswatch/internal/task"
)

const (
	FetchNews        = "fetch_news"
	AnalyzeNews      = "analyze_news"
	SendNotification = "send_notification"
	CrawlAllKeywords = "crawl_all_keywords"
	SendDailyDigests = "send_daily_digests"
)

// Repository is the persistence the stages need for domain objects.
type Repository interface {
	SaveOrGetByURL(ctx context.Context, item news.Item) (news.Item, bool, error)
	ListActiveKeywords(ctx context.Context) ([]news.Keyword, error)
	ListCrawledSince(ctx context.Context, since time.Time) ([]news.Item, error)
}

type Config struct {
	UserAgent         string
	CrawlDelay        time.Duration
	CrawlJitter       time.Duration
	RequestTimeout    time.Duration
	Proxy             string
	DefaultSource     string
	DefaultMaxPages   int
	DefaultRecipients []string
	NegativeThreshold float64
	DigestWindow      time.Duration
}

func DefaultConfig() Config {
	return Config{
		UserAgent:         "Mozilla/5.0 (compatible; newswatch/1.0)",
		CrawlDelay:        2 * time.Second,
		CrawlJitter:       2 * time.Second,
		RequestTimeout:    10 * time.Second,
		DefaultSource:     "baidu",
		DefaultMaxPages:   3,
		NegativeThreshold: -0.5,
		DigestWindow:      24 * time.Hour,
	}
}

type Handlers struct {
	cfg       Config
	sources   *scrape.Sources
	transport scrape.Transport
	scorer    sentiment.Scorer
	repo      Repository
	mailer    mail.Transport
	renderer  *mail.Renderer
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Sources   *scrape.Sources
	Transport scrape.Transport
	Scorer    sentiment.Scorer
	// Repository is optional; without it analyzed items are not persisted
	// and the periodic jobs cannot run.
	Repository Repository
	Mailer     mail.Transport
	Renderer   *mail.Renderer
	Logger     *slog.Logger
}

func New(cfg Config, deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Renderer == nil {
		deps.Renderer = mail.NewRenderer("")
	}
	if deps.Scorer == nil {
		deps.Scorer = sentiment.NewLexicon(nil)
	}
	return &Handlers{
		cfg:       cfg,
		sources:   deps.Sources,
		transport: deps.Transport,
		scorer:    deps.Scorer,
		repo:      deps.Repository,
		mailer:    deps.Mailer,
		renderer:  deps.Renderer,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// Register binds every stage to its task name, lane and attempt budget.
func (h *Handlers) Register(r *task.Registry) error {
	routes := []struct {
		name     string
		handler  task.Handler
		priority task.Priority
		attempts int
	}{
		{FetchNews, h.Fetch, task.PriorityHigh, 4},
		{AnalyzeNews, h.Analyze, task.PriorityDefault, 3},
		{SendNotification, h.Notify, task.PriorityLow, 4},
		{CrawlAllKeywords, h.CrawlAll, task.PriorityDefault, 3},
		{SendDailyDigests, h.DailyDigests, task.PriorityDefault, 1},
	}

	for _, rt := range routes {
		if err := r.Register(rt.name, rt.handler, task.RoutePriority(rt.priority), task.RouteMaxAttempts(rt.attempts)); err != nil {
			return fmt.Errorf("register %s: %w", rt.name, err)
		}
	}
	return nil
}

func (h *Handlers) log(env *task.Envelope) *slog.Logger {
	return h.logger.With("task_id", env.ID, "task_name", env.Name)
}

// pause waits the crawl delay plus a random jitter, or until ctx is done.
func (h *Handlers) pause(ctx context.Context) error {
	d := h.cfg.CrawlDelay
	if h.cfg.CrawlJitter > 0 {
		d += time.Duration(rand.Int63n(int64(h.cfg.CrawlJitter)))
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
