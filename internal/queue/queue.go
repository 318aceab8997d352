// Package queue is the Redis broker: one FIFO list per priority lane, a
// delayed ZSET per lane holding envelopes that wait for their retry time, and
// a lease ZSET per lane holding envelopes claimed by a worker. A lease that
// expires puts its envelope back at the head of the lane.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/podushkina/newswatch/internal/task"
)

const (
	envelopePrefix = "newswatch:envelope:"
	lanePrefix     = "newswatch:queue:"
	delayedPrefix  = "newswatch:delayed:"
	leasePrefix    = "newswatch:leases:"

	sweepBatch = 100

	// DefaultLease outlives the default hard time limit of a handler.
	DefaultLease = 65 * time.Minute

	claimPoll = 50 * time.Millisecond
)

// claimScript pops the first id from the first non-empty lane and leases it
// until ARGV[1], in one step. KEYS alternate lane, lease set.
var claimScript = redis.NewScript(`
for i = 1, #KEYS, 2 do
  local id = redis.call("LPOP", KEYS[i])
  if id then
    redis.call("ZADD", KEYS[i + 1], tonumber(ARGV[1]), id)
    return {KEYS[i], id}
  end
end
return false
`)

// reclaimScript returns ids whose lease expired to the head of their lane.
var reclaimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

// sweepScript moves every id whose not-before score is due from the delayed
// set into the lane, in a single atomic step.
var sweepScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("RPUSH", KEYS[2], id)
end
return #ids
`)

// RecordCreator writes the PENDING record for an enqueued envelope and
// discards it again when the envelope never reached its lane.
type RecordCreator interface {
	Create(ctx context.Context, env *task.Envelope) (*task.Record, error)
	Discard(ctx context.Context, env *task.Envelope) error
}

type Queue struct {
	client  *redis.Client
	records RecordCreator
	logger  *slog.Logger
	lease   time.Duration
	now     func() time.Time
}

// Connect opens a Redis client and checks it answers.
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

func New(client *redis.Client, records RecordCreator, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, records: records, logger: logger, lease: DefaultLease, now: time.Now}
}

// SetLease sets how long a claimed envelope stays invisible before it is
// handed out again. It must exceed the longest attempt.
func (q *Queue) SetLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

func laneKey(p task.Priority) string    { return lanePrefix + string(p) }
func delayedKey(p task.Priority) string { return delayedPrefix + string(p) }
func leaseKey(p task.Priority) string   { return leasePrefix + string(p) }

// Enqueue assigns the envelope an id, records it PENDING and appends it to
// its lane.
func (q *Queue) Enqueue(ctx context.Context, env *task.Envelope) error {
	if !env.Priority.Valid() {
		return fmt.Errorf("enqueue %s: invalid priority %q", env.Name, env.Priority)
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	env.EnqueuedAt = q.now()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if _, err := q.records.Create(ctx, env); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.Name, err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, envelopePrefix+env.ID, data, 0)
	pipe.RPush(ctx, laneKey(env.Priority), env.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		bg := context.WithoutCancel(ctx)
		if derr := q.client.Del(bg, envelopePrefix+env.ID).Err(); derr != nil {
			q.logger.Error("failed to delete unqueued envelope", "task_id", env.ID, "error", derr)
		}
		if derr := q.records.Discard(bg, env); derr != nil {
			q.logger.Error("failed to discard record of unqueued envelope", "task_id", env.ID, "error", derr)
		}
		return fmt.Errorf("push envelope: %w", err)
	}

	return nil
}

// Dequeue claims from the first non-empty lane in high, default, low order,
// waiting up to timeout. It returns nil when nothing arrived in time. The
// envelope stays leased until Remove or RequeueDelayed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Envelope, error) {
	return q.claim(ctx, timeout, task.Priorities...)
}

// DequeueLane claims from a single lane.
func (q *Queue) DequeueLane(ctx context.Context, p task.Priority, timeout time.Duration) (*task.Envelope, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("dequeue: invalid priority %q", p)
	}
	return q.claim(ctx, timeout, p)
}

func (q *Queue) claim(ctx context.Context, timeout time.Duration, lanes ...task.Priority) (*task.Envelope, error) {
	keys := make([]string, 0, 2*len(lanes))
	for _, p := range lanes {
		keys = append(keys, laneKey(p), leaseKey(p))
	}
	deadline := q.now().Add(timeout)

	for {
		env, err := q.claimOnce(ctx, keys)
		if err != nil || env != nil {
			return env, err
		}

		wait := deadline.Sub(q.now())
		if wait <= 0 {
			return nil, nil
		}
		if wait > claimPoll {
			wait = claimPoll
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Queue) claimOnce(ctx context.Context, keys []string) (*task.Envelope, error) {
	for {
		res, err := claimScript.Run(ctx, q.client, keys, q.now().Add(q.lease).UnixMilli()).StringSlice()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("claim envelope: %w", err)
		}

		lane, id := res[0], res[1]
		env, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}

		q.logger.Warn("dropping id without envelope", "task_id", id, "lane", lane)
		p := task.Priority(lane[len(lanePrefix):])
		if err := q.client.ZRem(ctx, leaseKey(p), id).Err(); err != nil {
			return nil, fmt.Errorf("release lease: %w", err)
		}
	}
}

// RequeueDelayed parks the envelope until notBefore. NotBefore never moves
// backwards for the same envelope.
func (q *Queue) RequeueDelayed(ctx context.Context, env *task.Envelope, notBefore time.Time) error {
	if notBefore.Before(env.NotBefore) {
		notBefore = env.NotBefore
	}
	env.NotBefore = notBefore

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, envelopePrefix+env.ID, data, 0)
	pipe.ZAdd(ctx, delayedKey(env.Priority), redis.Z{Score: float64(notBefore.UnixMilli()), Member: env.ID})
	pipe.ZRem(ctx, leaseKey(env.Priority), env.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue envelope: %w", err)
	}
	return nil
}

// Sweep moves delayed envelopes that are due at now into their lanes.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	for _, p := range task.Priorities {
		for {
			n, err := sweepScript.Run(ctx, q.client, []string{delayedKey(p), laneKey(p)}, now.UnixMilli(), sweepBatch).Int()
			if err != nil {
				return moved, fmt.Errorf("sweep %s: %w", p, err)
			}
			moved += n
			if n < sweepBatch {
				break
			}
		}
	}
	return moved, nil
}

// Reclaim returns envelopes whose lease expired at now to the head of their
// lane. Their owner is presumed dead.
func (q *Queue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	for _, p := range task.Priorities {
		for {
			n, err := reclaimScript.Run(ctx, q.client, []string{leaseKey(p), laneKey(p)}, now.UnixMilli(), sweepBatch).Int()
			if err != nil {
				return moved, fmt.Errorf("reclaim %s: %w", p, err)
			}
			moved += n
			if n < sweepBatch {
				break
			}
		}
	}
	return moved, nil
}

// RunSweeper calls Sweep and Reclaim every interval until ctx is done.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Sweep(ctx, q.now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				q.logger.Debug("moved delayed envelopes", "count", n)
			}

			n, err = q.Reclaim(ctx, q.now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				q.logger.Warn("reclaimed envelopes with expired leases", "count", n)
			}
		}
	}
}

// Get returns nil without error when the envelope is gone.
func (q *Queue) Get(ctx context.Context, id string) (*task.Envelope, error) {
	data, err := q.client.Get(ctx, envelopePrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get envelope: %w", err)
	}

	var env task.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Remove forgets the envelope once its task reached a terminal state.
func (q *Queue) Remove(ctx context.Context, env *task.Envelope) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, envelopePrefix+env.ID)
	pipe.LRem(ctx, laneKey(env.Priority), 0, env.ID)
	pipe.ZRem(ctx, delayedKey(env.Priority), env.ID)
	pipe.ZRem(ctx, leaseKey(env.Priority), env.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove envelope: %w", err)
	}
	return nil
}

// Len reports how many envelopes wait in the lane, delayed ones excluded.
func (q *Queue) Len(ctx context.Context, p task.Priority) (int64, error) {
	n, err := q.client.LLen(ctx, laneKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("lane length: %w", err)
	}
	return n, nil
}

// Leased reports how many envelopes of the lane are claimed by a worker.
func (q *Queue) Leased(ctx context.Context, p task.Priority) (int64, error) {
	n, err := q.client.ZCard(ctx, leaseKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("leased length: %w", err)
	}
	return n, nil
}

// Delayed reports how many envelopes of the lane wait for their retry time.
func (q *Queue) Delayed(ctx context.Context, p task.Priority) (int64, error) {
	n, err := q.client.ZCard(ctx, delayedKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed length: %w", err)
	}
	return n, nil
}
