// Package scrape turns news-search result pages into items. Transports fetch
// raw HTML; a Source knows which pages to ask for and how to read them.
package scrape

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/podushkina/newswatch/internal/news"
)

type Source interface {
	Name() string
	// PageURLs lists the result pages to fetch for keyword, in order.
	PageURLs(keyword string, maxPages int) []string
	Parse(html string) ([]news.Item, error)
}

// Sources resolves a source by name.
type Sources struct {
	byName map[string]Source
}

func NewSources(sources ...Source) *Sources {
	s := &Sources{byName: make(map[string]Source, len(sources))}
	for _, src := range sources {
		s.byName[src.Name()] = src
	}
	return s
}

func (s *Sources) Lookup(name string) (Source, bool) {
	src, ok := s.byName[name]
	return src, ok
}

func (s *Sources) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	baiduBaseURL       = "https://news.baidu.com/ns"
	baiduDefaultSource = "百度新闻"
	baiduPageSize      = 10
)

type BaiduSource struct {
	BaseURL string
	now     func() time.Time
}

func NewBaiduSource() *BaiduSource {
	return &BaiduSource{BaseURL: baiduBaseURL, now: time.Now}
}

func (b *BaiduSource) Name() string { return "baidu" }

func (b *BaiduSource) PageURLs(keyword string, maxPages int) []string {
	urls := make([]string, 0, maxPages)
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("word", keyword)
		q.Set("pn", strconv.Itoa(page*baiduPageSize))
		q.Set("cl", "2")
		q.Set("ct", "1")
		q.Set("tn", "news")
		q.Set("rn", strconv.Itoa(baiduPageSize))
		q.Set("ie", "utf-8")
		q.Set("bt", "0")
		q.Set("et", "0")
		urls = append(urls, b.BaseURL+"?"+q.Encode())
	}
	return urls
}

// Parse reads the result blocks of a page. Blocks without a titled link are
// skipped rather than failing the page.
func (b *BaiduSource) Parse(html string) ([]news.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	crawledAt := b.now().UTC()
	var items []news.Item

	doc.Find("div.result").Each(func(_ int, div *goquery.Selection) {
		link := div.Find("h3 a").First()
		if link.Length() == 0 {
			return
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}

		item := news.Item{
			Title:     strings.TrimSpace(link.Text()),
			URL:       strings.TrimSpace(href),
			Content:   strings.TrimSpace(div.Find("div.c-summary").First().Text()),
			Source:    baiduDefaultSource,
			CrawledAt: crawledAt,
		}

		if author := div.Find("div.c-author").First(); author.Length() > 0 {
			parts := strings.Fields(author.Text())
			if len(parts) >= 2 {
				item.Source = parts[0]
				if published, ok := parseChineseDate(parts[1]); ok {
					item.PublishedAt = &published
				}
			}
		}

		items = append(items, item)
	})

	return items, nil
}

var dateReplacer = strings.NewReplacer("年", "-", "月", "-", "日", "")

// parseChineseDate reads dates like 2024年3月5日.
func parseChineseDate(s string) (time.Time, bool) {
	t, err := time.Parse("2006-1-2", dateReplacer.Replace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// GoogleSource is registered so the name resolves, but it does not crawl yet.
type GoogleSource struct{}

func (GoogleSource) Name() string { return "google" }

func (GoogleSource) PageURLs(string, int) []string { return nil }

func (GoogleSource) Parse(string) ([]news.Item, error) { return nil, nil }
