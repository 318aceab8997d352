package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const configPathEnv = "NEWSWATCH_CONFIG"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Mail      MailConfig      `yaml:"mail"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port" validate:"required,numeric"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" validate:"required,hostname_port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"gte=0"`
	ResultTTL time.Duration `yaml:"result_ttl" validate:"gte=0"`
}

// PostgresConfig is optional; without a DSN items are not persisted and the
// periodic jobs are not scheduled.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type WorkerConfig struct {
	Size          int           `yaml:"size" validate:"gte=1"`
	SoftTimeLimit time.Duration `yaml:"soft_time_limit" validate:"gt=0,ltefield=HardTimeLimit"`
	HardTimeLimit time.Duration `yaml:"hard_time_limit" validate:"gt=0"`
	PollTimeout   time.Duration `yaml:"poll_timeout" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0,lte=1s"`
}

type RetryConfig struct {
	Base   time.Duration `yaml:"base" validate:"gt=0,ltefield=Max"`
	Max    time.Duration `yaml:"max" validate:"gt=0"`
	Jitter bool          `yaml:"jitter"`
}

type CrawlerConfig struct {
	Delay     time.Duration `yaml:"delay" validate:"gte=0"`
	Jitter    time.Duration `yaml:"jitter" validate:"gte=0"`
	UserAgent string        `yaml:"user_agent" validate:"required"`
	Proxy     string        `yaml:"proxy" validate:"omitempty,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	Source    string        `yaml:"source" validate:"required"`
	MaxPages  int           `yaml:"max_pages" validate:"gte=1,lte=50"`
}

type MailConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port" validate:"gte=0,lte=65535"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	From        string        `yaml:"from" validate:"omitempty,email"`
	FromName    string        `yaml:"from_name"`
	StartTLS    bool          `yaml:"starttls"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	Recipients  []string      `yaml:"recipients" validate:"dive,email"`
	TemplateDir string        `yaml:"template_dir"`
}

type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Timezone      string        `yaml:"timezone" validate:"required,timezone"`
	CrawlInterval time.Duration `yaml:"crawl_interval" validate:"gt=0"`
	CrawlSource   string        `yaml:"crawl_source" validate:"required"`
	CrawlMaxPages int           `yaml:"crawl_max_pages" validate:"gte=1"`
	DigestCron    string        `yaml:"digest_cron" validate:"required"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Redis:  RedisConfig{Addr: "localhost:6379", ResultTTL: 24 * time.Hour},
		Worker: WorkerConfig{
			Size:          4,
			SoftTimeLimit: 50 * time.Minute,
			HardTimeLimit: 60 * time.Minute,
			PollTimeout:   2 * time.Second,
			SweepInterval: 500 * time.Millisecond,
		},
		Retry: RetryConfig{Base: 60 * time.Second, Max: 600 * time.Second, Jitter: true},
		Crawler: CrawlerConfig{
			Delay:     2 * time.Second,
			Jitter:    2 * time.Second,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			Timeout:   10 * time.Second,
			Source:    "baidu",
			MaxPages:  3,
		},
		Mail: MailConfig{Port: 587, StartTLS: true, Timeout: 30 * time.Second, FromName: "newswatch"},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Timezone:      "Asia/Shanghai",
			CrawlInterval: time.Hour,
			CrawlSource:   "baidu",
			CrawlMaxPages: 3,
			DigestCron:    "0 9 * * *",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load starts from the defaults, applies the YAML file named by
// NEWSWATCH_CONFIG if set, then environment overrides, and validates.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Postgres.DSN = getEnv("DATABASE_URL", c.Postgres.DSN)

	c.Worker.Size = getEnvInt("WORKER_COUNT", c.Worker.Size)
	c.Worker.SoftTimeLimit = getEnvDuration("WORKER_SOFT_TIME_LIMIT", c.Worker.SoftTimeLimit)
	c.Worker.HardTimeLimit = getEnvDuration("WORKER_HARD_TIME_LIMIT", c.Worker.HardTimeLimit)

	c.Crawler.Delay = getEnvDuration("CRAWL_DELAY", c.Crawler.Delay)
	c.Crawler.UserAgent = getEnv("USER_AGENT", c.Crawler.UserAgent)
	c.Crawler.Proxy = getEnv("CRAWL_PROXY", c.Crawler.Proxy)

	c.Mail.Host = getEnv("SMTP_HOST", c.Mail.Host)
	c.Mail.Port = getEnvInt("SMTP_PORT", c.Mail.Port)
	c.Mail.Username = getEnv("SMTP_USER", c.Mail.Username)
	c.Mail.Password = getEnv("SMTP_PASSWORD", c.Mail.Password)
	c.Mail.From = getEnv("EMAILS_FROM_EMAIL", c.Mail.From)
	c.Mail.FromName = getEnv("EMAILS_FROM_NAME", c.Mail.FromName)
	c.Mail.StartTLS = getEnvBool("SMTP_TLS", c.Mail.StartTLS)
	c.Mail.Recipients = getEnvList("MAIL_RECIPIENTS", c.Mail.Recipients)

	c.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.Timezone = getEnv("SCHEDULER_TIMEZONE", c.Scheduler.Timezone)

	c.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Logging.Format))
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// Recipients falls back to the sender address when no recipients are set.
func (c *Config) Recipients() []string {
	if len(c.Mail.Recipients) > 0 {
		return c.Mail.Recipients
	}
	if c.Mail.From != "" {
		return []string{c.Mail.From}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
