package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/newswatch/internal/config"
	"github.com/podushkina/newswatch/internal/handlers"
	"github.com/podushkina/newswatch/internal/scheduler"
	"github.com/podushkina/newswatch/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Server.Port = "0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Worker.Size = 1
	cfg.Worker.PollTimeout = 50 * time.Millisecond
	cfg.Worker.SweepInterval = 10 * time.Millisecond
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuiltinSchedules(t *testing.T) {
	cfg := config.Default()

	defs, err := BuiltinSchedules(&cfg)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	crawl := defs[0]
	assert.Equal(t, CrawlScheduleID, crawl.ID)
	assert.Equal(t, scheduler.KindInterval, crawl.Kind)
	assert.Equal(t, time.Hour, crawl.Every)
	assert.Equal(t, handlers.CrawlAllKeywords, crawl.TaskName)
	assert.JSONEq(t, `{"source":"baidu","max_pages":3}`, string(crawl.Payload))

	digest := defs[1]
	assert.Equal(t, DigestScheduleID, digest.ID)
	assert.Equal(t, scheduler.KindCron, digest.Kind)
	assert.Equal(t, "0 9 * * *", digest.Cron)
	assert.Equal(t, "Asia/Shanghai", digest.Timezone)
	assert.Equal(t, handlers.SendDailyDigests, digest.TaskName)
}

func TestNew_NoSchedulesWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Scheduler)
	defs, err := a.Scheduler.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestNew_SchedulerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Enabled = false

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Scheduler)
}

func TestNew_RedisUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), &cfg, quietLogger())
	assert.Error(t, err)
}

func TestRun_ProcessesAndStops(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	id, err := a.Dispatcher.Enqueue(context.Background(), handlers.CrawlAllKeywords, handlers.CrawlAllRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := a.Dispatcher.Status(context.Background(), id)
		return err == nil && rec.State == task.StateFailure
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := a.Dispatcher.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "no repository")
	assert.Equal(t, 1, rec.Attempts, "permanent errors are not retried")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
