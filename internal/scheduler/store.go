package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	definitionsKey = "newswatch:schedules"
	maxTxRetries   = 16
)

var ErrNotFound = errors.New("schedule not found")

// Store persists definitions as JSON values of a single Redis hash.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Put(ctx context.Context, d Definition) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := s.client.HSet(ctx, definitionsKey, d.ID, data).Err(); err != nil {
		return fmt.Errorf("save schedule %s: %w", d.ID, err)
	}
	return nil
}

// Get returns nil without error for an unknown id.
func (s *Store) Get(ctx context.Context, id string) (*Definition, error) {
	data, err := s.client.HGet(ctx, definitionsKey, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}

	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal schedule %s: %w", id, err)
	}
	return &d, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, definitionsKey, id).Result()
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns every definition ordered by id.
func (s *Store) List(ctx context.Context) ([]Definition, error) {
	raw, err := s.client.HGetAll(ctx, definitionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	defs := make([]Definition, 0, len(raw))
	for id, data := range raw {
		var d Definition
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("unmarshal schedule %s: %w", id, err)
		}
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Update applies fn to the stored definition inside an optimistic
// transaction on the hash, so concurrent enable/disable calls and the timer
// loop never lose each other's writes.
func (s *Store) Update(ctx context.Context, id string, fn func(*Definition) error) (*Definition, error) {
	var out *Definition

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, definitionsKey, id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("get schedule %s: %w", id, err)
		}

		var d Definition
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("unmarshal schedule %s: %w", id, err)
		}
		if err := fn(&d); err != nil {
			return err
		}

		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, definitionsKey, id, payload)
			return nil
		})
		if err != nil {
			return err
		}
		out = &d
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, definitionsKey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update schedule %s: %w", id, redis.TxFailedErr)
}
