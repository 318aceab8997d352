package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/newswatch/internal/queue"
	"github.com/podushkina/newswatch/internal/result"
	"github.com/podushkina/newswatch/internal/task"
)

func setupTest(t *testing.T) (*Dispatcher, *queue.Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	records := result.New(client, time.Hour)
	q := queue.New(client, records, nil)

	registry := task.NewRegistry()
	noop := func(ctx context.Context, env *task.Envelope) (task.Result, error) { return task.Result{}, nil }
	require.NoError(t, registry.Register("fetch_news", noop, task.RoutePriority(task.PriorityHigh), task.RouteMaxAttempts(4)))
	require.NoError(t, registry.Register("send_notification", noop, task.RoutePriority(task.PriorityLow)))

	return New(q, records, registry, task.Backoff{}), q, mr
}

func TestDispatcher_EnqueueAppliesRoute(t *testing.T) {
	d, q, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "fetch_news", map[string]any{"keyword": "go"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	env, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, task.PriorityHigh, env.Priority)
	assert.Equal(t, 4, env.MaxAttempts)
	assert.Equal(t, task.DefaultBackoff(), env.Backoff)
	assert.Zero(t, env.Attempt)

	n, err := q.Len(ctx, task.PriorityHigh)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec, err := d.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, rec.State)
}

func TestDispatcher_PriorityOverride(t *testing.T) {
	d, q, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "send_notification", nil, task.WithPriority(task.PriorityDefault), task.WithMaxAttempts(1))
	require.NoError(t, err)

	env, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityDefault, env.Priority)
	assert.Equal(t, 1, env.MaxAttempts)
}

func TestDispatcher_RejectsAtEnqueue(t *testing.T) {
	d, q, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		env  *task.Envelope
		err  error
	}{
		{"unregistered", &task.Envelope{Name: "nope"}, ErrUnknownTask},
		{"empty name", &task.Envelope{}, ErrInvalidEnvelope},
		{"bad priority", &task.Envelope{Name: "fetch_news", Priority: "urgent"}, ErrInvalidEnvelope},
		{"negative attempts", &task.Envelope{Name: "fetch_news", MaxAttempts: -1}, ErrInvalidEnvelope},
		{"already attempted", &task.Envelope{Name: "fetch_news", Attempt: 2}, ErrInvalidEnvelope},
		{"bad payload", &task.Envelope{Name: "fetch_news", Payload: json.RawMessage(`{`)}, ErrInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Submit(ctx, tt.env)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	for _, p := range task.Priorities {
		n, err := q.Len(ctx, p)
		require.NoError(t, err)
		assert.Zero(t, n, "lane %s", p)
	}
}

func TestDispatcher_StatusAndRevokeUnknown(t *testing.T) {
	d, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	rec, err := d.Status(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, rec.NotFound)

	rec, err = d.Revoke(ctx, "missing", false)
	assert.ErrorIs(t, err, result.ErrNotFound)
	assert.True(t, rec.NotFound)
}

func TestDispatcher_RevokePending(t *testing.T) {
	d, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "fetch_news", nil)
	require.NoError(t, err)

	rec, err := d.Revoke(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateRevoked, rec.State)
}
