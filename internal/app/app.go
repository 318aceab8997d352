// Package app assembles the broker, worker pool, scheduler and HTTP API into
// one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/podushkina/newswatch/internal/api"
	"github.com/podushkina/newswatch/internal/config"
	"github.com/podushkina/newswatch/internal/dispatch"
	"github.com/podushkina/newswatch/internal/handlers"
	"github.com/podushkina/newswatch/internal/mail"
	"github.com/podushkina/newswatch/internal/queue"
	"github.com/podushkina/newswatch/internal/result"
	"github.com/podushkina/newswatch/internal/scheduler"
	"github.com/podushkina/newswatch/internal/scrape"
	"github.com/podushkina/newswatch/internal/sentiment"
	"github.com/podushkina/newswatch/internal/storage"
	"github.com/podushkina/newswatch/internal/task"
	"github.com/podushkina/newswatch/internal/worker"
)

const (
	CrawlScheduleID  = "crawl_all_keywords"
	DigestScheduleID = "send_daily_digests"
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	client *redis.Client
	db     *sql.DB

	Queue      *queue.Queue
	Records    *result.Store
	Dispatcher *dispatch.Dispatcher
	Pool       *worker.Pool
	Scheduler  *scheduler.Scheduler

	server *http.Server
}

// New connects to Redis (and Postgres when a DSN is configured) and builds
// every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	client, err := queue.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	a := &App{cfg: cfg, logger: logger, client: client}

	var repo handlers.Repository
	if cfg.Postgres.DSN != "" {
		db, err := storage.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = db
		pg := storage.NewPostgresRepository(db)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, err
			}
		}
		repo = pg
		logger.Info("connected to postgres")
	} else {
		logger.Warn("no database configured, items will not be persisted")
	}

	a.Records = result.New(client, cfg.Redis.ResultTTL)
	a.Queue = queue.New(client, a.Records, logger.With("component", "queue"))
	if cfg.Worker.HardTimeLimit > 0 {
		// Claims and STARTED records outlive the hard limit by a minute.
		lease := cfg.Worker.HardTimeLimit + time.Minute
		a.Queue.SetLease(lease)
		a.Records.SetStaleAfter(lease)
	}

	registry := task.NewRegistry()
	backoff := task.Backoff{Base: cfg.Retry.Base, Max: cfg.Retry.Max, Jitter: cfg.Retry.Jitter}
	a.Dispatcher = dispatch.New(a.Queue, a.Records, registry, backoff)

	stages := handlers.New(handlerConfig(cfg), handlers.Deps{
		Sources:    scrape.NewSources(scrape.NewBaiduSource(), scrape.GoogleSource{}),
		Transport:  scrape.NewHTTPTransport(nil),
		Scorer:     sentiment.NewLexicon(nil),
		Repository: repo,
		Mailer:     mailer(cfg),
		Renderer:   mail.NewRenderer(cfg.Mail.TemplateDir),
		Logger:     logger.With("component", "handlers"),
	})
	if err := stages.Register(registry); err != nil {
		a.Close()
		return nil, err
	}

	a.Pool = worker.NewPool(a.Queue, a.Records, registry, a.Dispatcher, worker.Config{
		Size:          cfg.Worker.Size,
		SoftTimeLimit: cfg.Worker.SoftTimeLimit,
		HardTimeLimit: cfg.Worker.HardTimeLimit,
		PollTimeout:   cfg.Worker.PollTimeout,
	}, logger.With("component", "worker"))

	var schedules api.Schedules
	if cfg.Scheduler.Enabled {
		a.Scheduler = scheduler.New(scheduler.NewStore(client), a.Dispatcher, a.Records, loc, logger.With("component", "scheduler"))
		if repo != nil {
			defs, err := BuiltinSchedules(cfg)
			if err != nil {
				a.Close()
				return nil, err
			}
			for _, d := range defs {
				if err := a.Scheduler.Add(ctx, d); err != nil {
					a.Close()
					return nil, fmt.Errorf("register schedule %s: %w", d.ID, err)
				}
			}
		}
		schedules = a.Scheduler
	}

	a.server = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(api.NewHandler(a.Dispatcher, schedules), logger.With("component", "api")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

// BuiltinSchedules are the periodic jobs of the pipeline: an hourly crawl of
// every active keyword and the morning digest.
func BuiltinSchedules(cfg *config.Config) ([]scheduler.Definition, error) {
	crawl, err := scheduler.Interval(CrawlScheduleID, handlers.CrawlAllKeywords, cfg.Scheduler.CrawlInterval,
		handlers.CrawlAllRequest{Source: cfg.Scheduler.CrawlSource, MaxPages: cfg.Scheduler.CrawlMaxPages})
	if err != nil {
		return nil, err
	}

	digest, err := scheduler.Cron(DigestScheduleID, handlers.SendDailyDigests, cfg.Scheduler.DigestCron, cfg.Scheduler.Timezone, nil)
	if err != nil {
		return nil, err
	}

	return []scheduler.Definition{crawl, digest}, nil
}

func handlerConfig(cfg *config.Config) handlers.Config {
	hc := handlers.DefaultConfig()
	hc.UserAgent = cfg.Crawler.UserAgent
	hc.CrawlDelay = cfg.Crawler.Delay
	hc.CrawlJitter = cfg.Crawler.Jitter
	hc.RequestTimeout = cfg.Crawler.Timeout
	hc.Proxy = cfg.Crawler.Proxy
	hc.DefaultSource = cfg.Crawler.Source
	hc.DefaultMaxPages = cfg.Crawler.MaxPages
	hc.DefaultRecipients = cfg.Recipients()
	return hc
}

func mailer(cfg *config.Config) mail.Transport {
	if cfg.Mail.Host == "" {
		return nil
	}
	return mail.NewSMTPTransport(mail.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
		FromName: cfg.Mail.FromName,
		StartTLS: cfg.Mail.StartTLS,
		Timeout:  cfg.Mail.Timeout,
	})
}

// Run serves until ctx is done, then drains the workers and shuts the HTTP
// server down. The first component error stops the others.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.Pool.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Pool.Stop()
		return nil
	})

	g.Go(func() error {
		a.Queue.RunSweeper(gctx, a.cfg.Worker.SweepInterval)
		return nil
	})

	if a.Scheduler != nil {
		g.Go(func() error {
			return a.Scheduler.Run(gctx)
		})
	}

	g.Go(func() error {
		a.logger.Info("server starting", "port", a.cfg.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("stopped")
	return err
}

func (a *App) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	return errors.Join(errs...)
}
