// Package result keeps task records in Redis: the single read path for task
// status and the place revocations are requested.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/newswatch/internal/task"
)

const (
	recordPrefix   = "newswatch:record:"
	schedulePrefix = "newswatch:schedule-active:"
	revokeChannel  = "newswatch:revoke"

	maxTxRetries = 16
)

var (
	ErrNotFound          = errors.New("task record not found")
	ErrTerminal          = errors.New("task record is terminal")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Revocation is broadcast to every worker process when a task is revoked.
type Revocation struct {
	TaskID    string `json:"task_id"`
	Terminate bool   `json:"terminate"`
}

type Store struct {
	client     *redis.Client
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// New returns a store writing records with the given TTL (0 keeps them forever).
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// SetStaleAfter makes ActiveForSchedule ignore STARTED records untouched for
// longer than d; their worker is presumed lost. Zero disables the check.
func (s *Store) SetStaleAfter(d time.Duration) {
	s.staleAfter = d
}

// Create writes the PENDING record for a freshly enqueued envelope.
func (s *Store) Create(ctx context.Context, env *task.Envelope) (*task.Record, error) {
	now := s.now()
	rec := &task.Record{
		TaskID:     env.ID,
		Name:       env.Name,
		State:      task.StatePending,
		Priority:   env.Priority,
		ScheduleID: env.ScheduleID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordPrefix+env.ID, data, s.ttl)
	if env.ScheduleID != "" {
		pipe.SAdd(ctx, schedulePrefix+env.ScheduleID, env.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	return rec, nil
}

// Discard deletes the record of an envelope that never reached its lane.
func (s *Store) Discard(ctx context.Context, env *task.Envelope) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordPrefix+env.ID)
	if env.ScheduleID != "" {
		pipe.SRem(ctx, schedulePrefix+env.ScheduleID, env.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discard record: %w", err)
	}
	return nil
}

// Get returns nil without error when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*task.Record, error) {
	data, err := s.client.Get(ctx, recordPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Status always yields a well-formed record; unknown ids come back with
// NotFound set.
func (s *Store) Status(ctx context.Context, id string) (task.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return task.NotFoundRecord(id), err
	}
	if rec == nil {
		return task.NotFoundRecord(id), nil
	}
	return *rec, nil
}

// Transition moves the record to state to and applies mutate to it in the
// same optimistic transaction. Illegal moves are rejected, so a record that
// went REVOKED concurrently is never overwritten.
func (s *Store) Transition(ctx context.Context, id string, to task.State, mutate func(*task.Record)) (*task.Record, error) {
	key := recordPrefix + id
	var out *task.Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("get record: %w", err)
		}

		var rec task.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}

		if !task.CanTransition(rec.State, to) {
			out = &rec
			if rec.State.Terminal() {
				return fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.State)
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
		}

		rec.State = to
		rec.UpdatedAt = s.now()
		if mutate != nil {
			mutate(&rec)
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if to.Terminal() && rec.ScheduleID != "" {
				pipe.SRem(ctx, schedulePrefix+rec.ScheduleID, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = &rec
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("transition %s: %w", id, redis.TxFailedErr)
}

// Revoke marks a PENDING, STARTED or RETRY task REVOKED and notifies the
// worker processes. Revoking an already revoked task is a no-op.
func (s *Store) Revoke(ctx context.Context, id string, terminate bool) (*task.Record, error) {
	rec, err := s.Transition(ctx, id, task.StateRevoked, func(r *task.Record) {
		completed := s.now()
		r.CompletedAt = &completed
		r.Error = ""
		r.Result = nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) && rec != nil && rec.State == task.StateRevoked {
			return rec, nil
		}
		return rec, err
	}

	msg, err := json.Marshal(Revocation{TaskID: id, Terminate: terminate})
	if err != nil {
		return rec, fmt.Errorf("marshal revocation: %w", err)
	}
	if err := s.client.Publish(ctx, revokeChannel, msg).Err(); err != nil {
		return rec, fmt.Errorf("publish revocation: %w", err)
	}
	return rec, nil
}

func (s *Store) IsRevoked(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.State == task.StateRevoked, nil
}

// ActiveForSchedule counts non-terminal tasks that were fired by the schedule.
// Members whose record is terminal or expired are pruned on the way; stale
// STARTED records are skipped but kept, since their envelope may come back.
func (s *Store) ActiveForSchedule(ctx context.Context, scheduleID string) (int, error) {
	key := schedulePrefix + scheduleID
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("list schedule tasks: %w", err)
	}

	active := 0
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if rec == nil || rec.State.Terminal() {
			if err := s.client.SRem(ctx, key, id).Err(); err != nil {
				return 0, fmt.Errorf("prune schedule task: %w", err)
			}
			continue
		}
		if s.stale(rec) {
			continue
		}
		active++
	}
	return active, nil
}

func (s *Store) stale(rec *task.Record) bool {
	return s.staleAfter > 0 && rec.State == task.StateStarted && s.now().Sub(rec.UpdatedAt) > s.staleAfter
}

// Revocations subscribes to revocation broadcasts. The subscription is
// confirmed before it returns; the channel closes when ctx is done.
func (s *Store) Revocations(ctx context.Context) (<-chan Revocation, error) {
	sub := s.client.Subscribe(ctx, revokeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe revocations: %w", err)
	}

	out := make(chan Revocation)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var r Revocation
				if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
					continue
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
