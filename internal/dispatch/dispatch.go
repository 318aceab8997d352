// Package dispatch is the producer side of the engine: it validates envelopes
// against the handler registry, fills in their routing defaults and hands
// them to the broker.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/podushkina/newswatch/internal/task"
)

var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

type Enqueuer interface {
	Enqueue(ctx context.Context, env *task.Envelope) error
}

type Records interface {
	Status(ctx context.Context, id string) (task.Record, error)
	Revoke(ctx context.Context, id string, terminate bool) (*task.Record, error)
}

type Dispatcher struct {
	queue    Enqueuer
	records  Records
	registry *task.Registry
	backoff  task.Backoff
}

func New(q Enqueuer, records Records, registry *task.Registry, backoff task.Backoff) *Dispatcher {
	if backoff.IsZero() {
		backoff = task.DefaultBackoff()
	}
	return &Dispatcher{queue: q, records: records, registry: registry, backoff: backoff}
}

// Enqueue builds an envelope for name and submits it, returning the task id.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, payload any, opts ...task.Option) (string, error) {
	env, err := task.New(name, payload, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := d.Submit(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Submit enqueues a prepared envelope. Unregistered names and malformed
// envelopes are rejected here and never reach a lane.
func (d *Dispatcher) Submit(ctx context.Context, env *task.Envelope) error {
	if err := d.prepare(env); err != nil {
		return err
	}
	return d.queue.Enqueue(ctx, env)
}

func (d *Dispatcher) prepare(env *task.Envelope) error {
	if env == nil || env.Name == "" {
		return fmt.Errorf("%w: task name is required", ErrInvalidEnvelope)
	}

	route, ok := d.registry.Lookup(env.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, env.Name)
	}

	if env.Priority == "" {
		env.Priority = route.Priority
	}
	if !env.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidEnvelope, env.Priority)
	}
	if env.MaxAttempts == 0 {
		env.MaxAttempts = route.MaxAttempts
	}
	if env.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d", ErrInvalidEnvelope, env.MaxAttempts)
	}
	if env.Attempt != 0 {
		return fmt.Errorf("%w: fresh envelope with attempt %d", ErrInvalidEnvelope, env.Attempt)
	}
	if env.Backoff.IsZero() {
		env.Backoff = d.backoff
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
	}
	return nil
}

// Status never fails for unknown ids; they yield a record with NotFound set.
func (d *Dispatcher) Status(ctx context.Context, id string) (task.Record, error) {
	return d.records.Status(ctx, id)
}

func (d *Dispatcher) Revoke(ctx context.Context, id string, terminate bool) (task.Record, error) {
	rec, err := d.records.Revoke(ctx, id, terminate)
	if rec == nil {
		return task.NotFoundRecord(id), err
	}
	return *rec, err
}
