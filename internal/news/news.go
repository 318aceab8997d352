// Package news holds the domain objects that flow through the pipeline stages.
package news

import "time"

// Item is a news article as it moves from fetch through analyze to notify.
type Item struct {
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	Content        string     `json:"content,omitempty"`
	Source         string     `json:"source,omitempty"`
	Keyword        string     `json:"keyword,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	CrawledAt      time.Time  `json:"crawled_at"`
	SentimentScore float64    `json:"sentiment_score"`
	Summary        string     `json:"summary,omitempty"`
}

type Keyword struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Active bool   `json:"active"`
}
