package scheduler

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/newswatch/internal/dispatch"
	"github.com/podushkina/newswatch/internal/queue"
	"github.com/podushkina/newswatch/internal/result"
	"github.com/podushkina/newswatch/internal/task"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func setupTest(t *testing.T) (*Scheduler, *queue.Queue, *result.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	records := result.New(client, 0)
	q := queue.New(client, records, nil)

	registry := task.NewRegistry()
	noop := func(ctx context.Context, env *task.Envelope) (task.Result, error) { return task.Result{}, nil }
	require.NoError(t, registry.Register("crawl_all_keywords", noop))
	require.NoError(t, registry.Register("send_daily_digests", noop))

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	s := New(NewStore(client), dispatch.New(q, records, registry, task.Backoff{}), records, shanghai, nil)
	s.now = func() time.Time { return t0 }
	return s, q, records, mr
}

func laneLen(t *testing.T, q *queue.Queue) int64 {
	n, err := q.Len(context.Background(), task.PriorityDefault)
	require.NoError(t, err)
	return n
}

func TestScheduler_AddValidates(t *testing.T) {
	s, _, _, _ := setupTest(t)
	ctx := context.Background()

	tests := []struct {
		name string
		def  Definition
	}{
		{"missing id", Definition{Kind: KindInterval, Every: time.Hour, TaskName: "crawl_all_keywords"}},
		{"missing task", Definition{ID: "a", Kind: KindInterval, Every: time.Hour}},
		{"bad kind", Definition{ID: "a", Kind: "weekly", TaskName: "crawl_all_keywords"}},
		{"zero interval", Definition{ID: "a", Kind: KindInterval, TaskName: "crawl_all_keywords"}},
		{"bad cron", Definition{ID: "a", Kind: KindCron, Cron: "every day", TaskName: "crawl_all_keywords"}},
		{"bad timezone", Definition{ID: "a", Kind: KindCron, Cron: "0 9 * * *", Timezone: "Mars/Olympus", TaskName: "crawl_all_keywords"}},
		{"once without time", Definition{ID: "a", Kind: KindOnce, TaskName: "crawl_all_keywords"}},
		{"bad priority", Definition{ID: "a", Kind: KindInterval, Every: time.Hour, TaskName: "crawl_all_keywords", Priority: "urgent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Add(ctx, tt.def))
		})
	}

	defs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestScheduler_IntervalFiresAndComputesNext(t *testing.T) {
	s, q, _, _ := setupTest(t)
	ctx := context.Background()

	def, err := Interval("crawl-hourly", "crawl_all_keywords", time.Hour, map[string]any{"source": "baidu", "max_pages": 3})
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, def))

	defs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, t0.Add(time.Hour), defs[0].NextFireAt.UTC())
	assert.Nil(t, defs[0].LastFireAt)

	fired, err := s.Tick(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, fired)

	fired, err = s.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.EqualValues(t, 1, laneLen(t, q))

	env, err := q.DequeueLane(ctx, task.PriorityDefault, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "crawl_all_keywords", env.Name)
	assert.Equal(t, "crawl-hourly", env.ScheduleID)
	assert.JSONEq(t, `{"source":"baidu","max_pages":3}`, string(env.Payload))

	defs, err = s.List(ctx)
	require.NoError(t, err)
	require.NotNil(t, defs[0].LastFireAt)
	assert.Equal(t, t0.Add(time.Hour), defs[0].LastFireAt.UTC())
	assert.Equal(t, t0.Add(2*time.Hour), defs[0].NextFireAt.UTC())
}

func TestScheduler_CoalescesWhileInstanceRunning(t *testing.T) {
	s, q, records, _ := setupTest(t)
	ctx := context.Background()

	def, err := Interval("crawl-hourly", "crawl_all_keywords", time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, def))

	fired, err := s.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	env, err := q.DequeueLane(ctx, task.PriorityDefault, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	_, err = records.Transition(ctx, env.ID, task.StateStarted, nil)
	require.NoError(t, err)

	fired, err = s.Tick(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Zero(t, laneLen(t, q))

	defs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), defs[0].LastFireAt.UTC())
	assert.Equal(t, t0.Add(3*time.Hour), defs[0].NextFireAt.UTC())

	_, err = records.Transition(ctx, env.ID, task.StateSuccess, nil)
	require.NoError(t, err)

	fired, err = s.Tick(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.EqualValues(t, 1, laneLen(t, q))
}

func TestScheduler_CronInTimezone(t *testing.T) {
	s, q, _, _ := setupTest(t)
	ctx := context.Background()

	// t0 is 18:00 in Shanghai, so the next 09:00 there is 01:00 UTC tomorrow.
	def, err := Cron("daily-digest", "send_daily_digests", "0 9 * * *", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, def))

	defs, err := s.List(ctx)
	require.NoError(t, err)
	want := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, want, defs[0].NextFireAt.UTC())

	fired, err := s.Tick(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.EqualValues(t, 1, laneLen(t, q))

	defs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Add(24*time.Hour), defs[0].NextFireAt.UTC())
}

func TestScheduler_ResumeDoesNotReplayMissedFirings(t *testing.T) {
	s, q, _, _ := setupTest(t)
	ctx := context.Background()

	recent := t0.Add(-30 * time.Minute)
	stale := t0.Add(-5*time.Hour - 30*time.Minute)

	for id, last := range map[string]time.Time{"recent": recent, "stale": stale} {
		def, err := Interval(id, "crawl_all_keywords", time.Hour, nil)
		require.NoError(t, err)
		def.LastFireAt = &last
		require.NoError(t, s.store.Put(ctx, def))
	}

	require.NoError(t, s.Resume(ctx, t0))

	defs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, t0.Add(30*time.Minute), defs[0].NextFireAt.UTC())
	assert.Equal(t, t0.Add(30*time.Minute), defs[1].NextFireAt.UTC())

	fired, err := s.Tick(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Zero(t, laneLen(t, q))
}

func TestScheduler_AddKeepsRuntimeState(t *testing.T) {
	s, _, _, _ := setupTest(t)
	ctx := context.Background()

	def, err := Interval("crawl-hourly", "crawl_all_keywords", time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, def))

	_, err = s.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.Disable(ctx, "crawl-hourly")
	require.NoError(t, err)

	s.now = func() time.Time { return t0.Add(90 * time.Minute) }
	require.NoError(t, s.Add(ctx, def))

	defs, err := s.List(ctx)
	require.NoError(t, err)
	assert.False(t, defs[0].Enabled)
	require.NotNil(t, defs[0].LastFireAt)
	assert.Equal(t, t0.Add(2*time.Hour), defs[0].NextFireAt.UTC())
}

func TestScheduler_DisabledNeverFires(t *testing.T) {
	s, q, _, _ := setupTest(t)
	ctx := context.Background()

	def, err := Interval("crawl-hourly", "crawl_all_keywords", time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, def))

	d, err := s.Disable(ctx, "crawl-hourly")
	require.NoError(t, err)
	assert.False(t, d.Enabled)

	fired, err := s.Tick(ctx, t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Zero(t, laneLen(t, q))

	s.now = func() time.Time { return t0.Add(5 * time.Hour) }
	d, err = s.Enable(ctx, "crawl-hourly")
	require.NoError(t, err)
	assert.True(t, d.Enabled)
	assert.Equal(t, t0.Add(6*time.Hour), d.NextFireAt.UTC())

	_, err = s.Enable(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduler_OnceFiresOnce(t *testing.T) {
	s, q, _, _ := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, Definition{
		ID:       "backfill",
		Kind:     KindOnce,
		At:       t0.Add(10 * time.Minute),
		TaskName: "crawl_all_keywords",
		Enabled:  true,
	}))

	fired, err := s.Tick(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = s.Tick(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.EqualValues(t, 1, laneLen(t, q))

	defs, err := s.List(ctx)
	require.NoError(t, err)
	assert.False(t, defs[0].Enabled)
	assert.True(t, defs[0].NextFireAt.IsZero())
}

func TestScheduler_RemoveUnknown(t *testing.T) {
	s, _, _, _ := setupTest(t)
	assert.ErrorIs(t, s.Remove(context.Background(), "missing"), ErrNotFound)
}

func TestScheduler_RunFiresDueDefinitions(t *testing.T) {
	s, q, _, _ := setupTest(t)
	s.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def, err := Interval("fast", "crawl_all_keywords", 50*time.Millisecond, nil)
	require.NoError(t, err)
	def.MaxInstances = 5
	require.NoError(t, s.Add(ctx, def))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return laneLen(t, q) >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
