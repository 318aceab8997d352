package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/newswatch/internal/dispatch"
	"github.com/podushkina/newswatch/internal/handlers"
	"github.com/podushkina/newswatch/internal/queue"
	"github.com/podushkina/newswatch/internal/result"
	"github.com/podushkina/newswatch/internal/scheduler"
	"github.com/podushkina/newswatch/internal/task"
)

type testEnv struct {
	router    *chi.Mux
	queue     *queue.Queue
	records   *result.Store
	scheduler *scheduler.Scheduler
}

func setupTest(t *testing.T) *testEnv {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	records := result.New(client, time.Hour)
	q := queue.New(client, records, nil)

	registry := task.NewRegistry()
	noop := func(ctx context.Context, env *task.Envelope) (task.Result, error) { return task.Result{}, nil }
	require.NoError(t, registry.Register("echo", noop))
	require.NoError(t, registry.Register(handlers.FetchNews, noop, task.RoutePriority(task.PriorityHigh)))
	require.NoError(t, registry.Register(handlers.CrawlAllKeywords, noop))

	d := dispatch.New(q, records, registry, task.Backoff{})
	s := scheduler.New(scheduler.NewStore(client), d, records, time.UTC, nil)

	return &testEnv{
		router:    NewRouter(NewHandler(d, s), nil),
		queue:     q,
		records:   records,
		scheduler: s,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestCreateTask(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/tasks", map[string]any{
		"name":     "echo",
		"payload":  map[string]string{"message": "hello api"},
		"priority": "low",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "PENDING", resp.Status)

	queued, err := env.queue.Get(ctx, resp.TaskID)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, task.PriorityLow, queued.Priority)
	assert.JSONEq(t, `{"message":"hello api"}`, string(queued.Payload))

	n, err := env.queue.Len(ctx, task.PriorityLow)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCreateTask_Rejected(t *testing.T) {
	env := setupTest(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", map[string]any{"payload": 1}},
		{"unknown name", map[string]any{"name": "nope"}},
		{"bad priority", map[string]any{"name": "echo", "priority": "urgent"}},
		{"negative attempts", map[string]any{"name": "echo", "max_attempts": -1}},
		{"not json", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestCrawl(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/tasks/crawl", map[string]any{"keyword": "芯片", "max_pages": 2})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	queued, err := env.queue.Get(ctx, resp.TaskID)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, handlers.FetchNews, queued.Name)
	assert.Equal(t, task.PriorityHigh, queued.Priority)

	var req handlers.FetchRequest
	require.NoError(t, queued.Bind(&req))
	assert.Equal(t, "芯片", req.Keyword)
	assert.Equal(t, 2, req.MaxPages)

	rr = env.do(t, http.MethodPost, "/tasks/crawl", map[string]any{"source": "baidu"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCrawlAll_EmptyBody(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/crawl_all", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	env := setupTest(t)

	rr := env.do(t, http.MethodGet, "/tasks/non-existent-id", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var rec task.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "non-existent-id", rec.TaskID)
	assert.True(t, rec.NotFound)
}

func TestGetTask_Success(t *testing.T) {
	env := setupTest(t)

	rr := env.do(t, http.MethodPost, "/tasks", map[string]any{"name": "echo"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created TaskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = env.do(t, http.MethodGet, "/tasks/"+created.TaskID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var rec task.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, created.TaskID, rec.TaskID)
	assert.Equal(t, task.StatePending, rec.State)
}

func TestRevokeTask(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/tasks", map[string]any{"name": "echo"})
	var created TaskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = env.do(t, http.MethodDelete, "/tasks/"+created.TaskID+"?terminate=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	revoked, err := env.records.IsRevoked(ctx, created.TaskID)
	require.NoError(t, err)
	assert.True(t, revoked)

	rr = env.do(t, http.MethodDelete, "/tasks/"+created.TaskID, nil)
	assert.Equal(t, http.StatusOK, rr.Code, "revoking twice is a no-op")

	rr = env.do(t, http.MethodDelete, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodDelete, "/tasks/"+created.TaskID+"?terminate=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRevokeTask_Finished(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/tasks", map[string]any{"name": "echo"})
	var created TaskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	_, err := env.records.Transition(ctx, created.TaskID, task.StateStarted, nil)
	require.NoError(t, err)
	_, err = env.records.Transition(ctx, created.TaskID, task.StateSuccess, nil)
	require.NoError(t, err)

	rr = env.do(t, http.MethodDelete, "/tasks/"+created.TaskID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSchedules(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	def, err := scheduler.Interval("crawl_all_keywords", handlers.CrawlAllKeywords, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, env.scheduler.Add(ctx, def))

	rr := env.do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var defs []scheduler.Definition
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &defs))
	require.Len(t, defs, 1)
	assert.True(t, defs[0].Enabled)

	rr = env.do(t, http.MethodPost, "/schedules/crawl_all_keywords/disable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got scheduler.Definition
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.False(t, got.Enabled)

	rr = env.do(t, http.MethodPost, "/schedules/crawl_all_keywords/enable", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/schedules/missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodDelete, "/schedules/crawl_all_keywords", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(t, http.MethodDelete, "/schedules/crawl_all_keywords", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSchedules_Disabled(t *testing.T) {
	router := NewRouter(NewHandler(nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthCheck(t *testing.T) {
	env := setupTest(t)

	rr := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
