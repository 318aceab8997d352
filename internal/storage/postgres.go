// Package storage persists news items and keywords in Postgres.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/podushkina/newswatch/internal/news"
)

const migrationLockID = 7310422

var schema = []string{
	`CREATE TABLE IF NOT EXISTS keywords (
		id         BIGSERIAL PRIMARY KEY,
		text       TEXT NOT NULL UNIQUE,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS news (
		id              BIGSERIAL PRIMARY KEY,
		title           TEXT NOT NULL,
		url             TEXT NOT NULL UNIQUE,
		content         TEXT NOT NULL DEFAULT '',
		summary         TEXT NOT NULL DEFAULT '',
		source          TEXT NOT NULL DEFAULT '',
		keyword         TEXT NOT NULL DEFAULT '',
		sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		published_at    TIMESTAMPTZ,
		crawled_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS news_crawled_at_idx ON news (crawled_at)`,
}

var newsColumns = []string{"title", "url", "content", "summary", "source", "keyword", "sentiment_score", "published_at", "crawled_at"}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return db, nil
}

type PostgresRepository struct {
	db   *sql.DB
	psql sq.StatementBuilderType
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Migrate creates the tables under an advisory lock so concurrent processes
// do not race on the DDL.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)

	for _, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveOrGetByURL inserts item unless an item with the same URL exists, and
// returns the stored row either way. created reports whether it was inserted.
func (r *PostgresRepository) SaveOrGetByURL(ctx context.Context, item news.Item) (news.Item, bool, error) {
	crawledAt := item.CrawledAt
	if crawledAt.IsZero() {
		crawledAt = time.Now().UTC()
	}

	query, args, err := r.psql.Insert("news").
		Columns(newsColumns...).
		Values(item.Title, item.URL, item.Content, item.Summary, item.Source, item.Keyword, item.SentimentScore, item.PublishedAt, crawledAt).
		Suffix("ON CONFLICT (url) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return news.Item{}, false, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	switch {
	case err == nil:
		item.CrawledAt = crawledAt
		return item, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return news.Item{}, false, fmt.Errorf("insert news: %w", err)
	}

	query, args, err = r.psql.Select(newsColumns...).From("news").Where(sq.Eq{"url": item.URL}).ToSql()
	if err != nil {
		return news.Item{}, false, fmt.Errorf("build select: %w", err)
	}
	existing, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return news.Item{}, false, fmt.Errorf("get news by url: %w", err)
	}
	return existing, false, nil
}

func (r *PostgresRepository) ListActiveKeywords(ctx context.Context) ([]news.Keyword, error) {
	query, args, err := r.psql.Select("id", "text", "active").From("keywords").
		Where(sq.Eq{"active": true}).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	var keywords []news.Keyword
	for rows.Next() {
		var k news.Keyword
		if err := rows.Scan(&k.ID, &k.Text, &k.Active); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		keywords = append(keywords, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return keywords, nil
}

// ListCrawledSince returns items crawled at or after since, newest first.
func (r *PostgresRepository) ListCrawledSince(ctx context.Context, since time.Time) ([]news.Item, error) {
	query, args, err := r.psql.Select(newsColumns...).From("news").
		Where(sq.GtOrEq{"crawled_at": since}).OrderBy("crawled_at DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query news: %w", err)
	}
	defer rows.Close()

	var items []news.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan news: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (news.Item, error) {
	var (
		item      news.Item
		published sql.NullTime
	)
	err := s.Scan(&item.Title, &item.URL, &item.Content, &item.Summary, &item.Source, &item.Keyword, &item.SentimentScore, &published, &item.CrawledAt)
	if err != nil {
		return news.Item{}, err
	}
	if published.Valid {
		t := published.Time
		item.PublishedAt = &t
	}
	return item, nil
}
