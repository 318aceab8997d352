// Package mail renders notification emails and delivers them over SMTP.
package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/podushkina/newswatch/internal/news"
)

type Kind string

const (
	KindSingleItem  Kind = "single-item"
	KindDailyDigest Kind = "daily-digest"
)

func (k Kind) Valid() bool {
	return k == KindSingleItem || k == KindDailyDigest
}

const (
	unknownSource = "未知来源"
	untitled      = "无标题"
	noContent     = "无内容"
	timeLayout    = "2006-01-02 15:04:05"
	dateLayout    = "2006-01-02"
)

//go:embed templates/*.html
var builtin embed.FS

// Renderer renders the notification bodies. Templates in dir, when set,
// override the built-in ones of the same name.
type Renderer struct {
	dir string
	now func() time.Time
}

func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir, now: time.Now}
}

type singleView struct {
	Item        news.Item
	Source      string
	PublishedAt string
}

type digestView struct {
	Date  string
	Items []news.Item
}

// Subject returns the mail subject line for a notification.
func (r *Renderer) Subject(kind Kind, items []news.Item) string {
	if kind == KindDailyDigest {
		return "每日新闻摘要 - " + r.now().Format(dateLayout)
	}
	title := untitled
	if len(items) > 0 && items[0].Title != "" {
		title = items[0].Title
	}
	return "新闻提醒: " + title
}

// Render executes the template for kind.
func (r *Renderer) Render(kind Kind, items []news.Item) (string, error) {
	tmpl, err := r.load(kind)
	if err != nil {
		return "", err
	}

	var data any
	switch kind {
	case KindSingleItem:
		if len(items) == 0 {
			return "", fmt.Errorf("single-item notification without an item")
		}
		data = singleView{Item: items[0], Source: sourceOf(items[0]), PublishedAt: r.publishedAt(items[0])}
	case KindDailyDigest:
		data = digestView{Date: r.now().Format(dateLayout), Items: items}
	default:
		return "", fmt.Errorf("unknown notification kind %q", kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return buf.String(), nil
}

func (r *Renderer) load(kind Kind) (*template.Template, error) {
	name := string(kind) + ".html"
	if r.dir != "" {
		path := filepath.Join(r.dir, name)
		if _, err := os.Stat(path); err == nil {
			return template.New(name).ParseFiles(path)
		}
	}
	tmpl, err := template.New(name).ParseFS(builtin, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", name, err)
	}
	return tmpl, nil
}

// Fallback renders the fixed plain layout used when a template fails.
func (r *Renderer) Fallback(kind Kind, items []news.Item) string {
	var b strings.Builder
	if kind == KindDailyDigest {
		fmt.Fprintf(&b, "<h1>每日新闻摘要 - %s</h1>\n", r.now().Format(dateLayout))
		for _, item := range items {
			b.WriteString("<div>\n")
			r.writePlain(&b, item, "h2")
			b.WriteString("</div>\n<hr>\n")
		}
		return b.String()
	}

	item := news.Item{}
	if len(items) > 0 {
		item = items[0]
	}
	r.writePlain(&b, item, "h1")
	fmt.Fprintf(&b, "<p><strong>情感分数:</strong> %.2f</p>\n", item.SentimentScore)
	return b.String()
}

func (r *Renderer) writePlain(b *strings.Builder, item news.Item, heading string) {
	title := item.Title
	if title == "" {
		title = untitled
	}
	summary := item.Summary
	if summary == "" {
		summary = item.Content
	}
	if summary == "" {
		summary = noContent
	}
	link := item.URL
	if link == "" {
		link = "#"
	}

	fmt.Fprintf(b, "<%s>%s</%s>\n", heading, html.EscapeString(title), heading)
	fmt.Fprintf(b, "<p><strong>来源:</strong> %s</p>\n", html.EscapeString(sourceOf(item)))
	fmt.Fprintf(b, "<p><strong>发布时间:</strong> %s</p>\n", r.publishedAt(item))
	fmt.Fprintf(b, "<p><strong>摘要:</strong> %s</p>\n", html.EscapeString(summary))
	fmt.Fprintf(b, "<p><a href=\"%s\">阅读原文</a></p>\n", html.EscapeString(link))
}

func (r *Renderer) publishedAt(item news.Item) string {
	if item.PublishedAt != nil {
		return item.PublishedAt.Format(timeLayout)
	}
	return r.now().Format(timeLayout)
}

func sourceOf(item news.Item) string {
	if item.Source == "" {
		return unknownSource
	}
	return item.Source
}
