package handlers

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/podushkina/newswatch/internal/mail"
	"github.com/podushkina/newswatch/internal/news"
	"github.com/podushkina/newswatch/internal/task"
)

const summarySentences = 3

// Analyze cleans, validates, scores and summarizes one item. Invalid items are
// returned as received, without error. A score below the negative threshold
// yields one notification envelope.
func (h *Handlers) Analyze(ctx context.Context, env *task.Envelope) (task.Result, error) {
	var item news.Item
	if err := env.Bind(&item); err != nil {
		return task.Result{}, err
	}
	logger := h.log(env).With("url", item.URL)

	cleaned := Clean(item)
	if !Valid(cleaned) {
		logger.Warn("invalid news item, skipping", "title", item.Title)
		return task.Result{Value: item}, nil
	}
	item = cleaned

	item.SentimentScore = h.score(item)
	if item.Summary == "" {
		item.Summary = Summarize(item.Content)
	}

	if err := task.CheckRevoked(ctx); err != nil {
		return task.Result{}, err
	}

	if h.repo != nil {
		if _, _, err := h.repo.SaveOrGetByURL(ctx, item); err != nil {
			return task.Result{}, err
		}
	}

	// A retried attempt finds the item already stored; the notification is
	// still owed because the previous attempt may not have enqueued it.
	var follow []*task.Envelope
	if item.SentimentScore < h.cfg.NegativeThreshold {
		next, err := task.New(SendNotification, Notification{Item: &item, Kind: mail.KindSingleItem})
		if err != nil {
			return task.Result{}, err
		}
		follow = append(follow, next)
	}

	logger.Info("analyzed news", "sentiment", item.SentimentScore, "notify", len(follow) > 0)
	return task.Result{Value: item, FollowUps: follow}, nil
}

func (h *Handlers) score(item news.Item) float64 {
	switch {
	case item.Title != "" && item.Content != "":
		return 0.4*h.scorer.Score(item.Title) + 0.6*h.scorer.Score(item.Content)
	case item.Title != "":
		return h.scorer.Score(item.Title)
	case item.Content != "":
		return h.scorer.Score(item.Content)
	}
	return 0
}

// Clean strips markup from title and content and collapses whitespace.
func Clean(item news.Item) news.Item {
	item.Title = stripMarkup(item.Title)
	item.Content = stripMarkup(item.Content)
	return item
}

func stripMarkup(s string) string {
	if s == "" {
		return s
	}
	text := s
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			text = doc.Text()
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

// Valid requires a title and an absolute http(s) URL.
func Valid(item news.Item) bool {
	if item.Title == "" || item.URL == "" {
		return false
	}
	u, err := url.Parse(item.URL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && strings.Contains(u.Host, ".")
}

// Summarize returns the first three sentences of content verbatim, or the
// whole content when it has no more than three.
func Summarize(content string) string {
	ends := sentenceEnds(content)
	if len(ends) <= summarySentences {
		return content
	}
	return strings.TrimSpace(content[:ends[summarySentences-1]])
}

// sentenceEnds returns the byte offsets just past each sentence. A trailing
// fragment without a terminator counts as a sentence.
func sentenceEnds(s string) []int {
	var ends []int
	last := 0

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		end := i + size
		switch r {
		case '。', '！', '？':
			ends = append(ends, end)
			last = end
		case '.', '!', '?':
			if end == len(s) || isSpace(s[end]) {
				ends = append(ends, end)
				last = end
			}
		}
		i = end
	}
	if strings.TrimSpace(s[last:]) != "" {
		ends = append(ends, len(s))
	}
	return ends
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
