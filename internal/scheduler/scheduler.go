// Package scheduler injects recurring work into the task engine. A single
// timer loop sleeps until the earliest due definition, fires it through the
// dispatcher and coalesces firings whose previous instances are still busy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/podushkina/newswatch/internal/task"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...task.Option) (string, error)
}

// ActiveCounter reports how many envelopes of a schedule are not terminal yet.
type ActiveCounter interface {
	ActiveForSchedule(ctx context.Context, scheduleID string) (int, error)
}

type Scheduler struct {
	store    *Store
	enqueuer Enqueuer
	active   ActiveCounter
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
	wake     chan struct{}
}

func New(store *Store, enqueuer Enqueuer, active ActiveCounter, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		enqueuer: enqueuer,
		active:   active,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Add stores d, replacing any definition with the same id. The trigger and
// target are replaced; the last fire time and the enabled flag of an existing
// definition are kept so re-registering at startup does not reset them.
func (s *Scheduler) Add(ctx context.Context, d Definition) error {
	d.normalize()
	if err := d.check(); err != nil {
		return err
	}

	existing, err := s.store.Get(ctx, d.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		d.LastFireAt = existing.LastFireAt
		d.Enabled = existing.Enabled
	}

	next, _, err := d.resume(s.now(), s.loc)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.ID, err)
	}
	d.NextFireAt = next

	if err := s.store.Put(ctx, d); err != nil {
		return err
	}
	s.logger.Info("schedule registered", "schedule_id", d.ID, "task_name", d.TaskName, "next_fire_at", d.NextFireAt)
	s.notify()
	return nil
}

func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Scheduler) Enable(ctx context.Context, id string) (*Definition, error) {
	now := s.now()
	d, err := s.store.Update(ctx, id, func(d *Definition) error {
		d.Enabled = true
		if d.NextFireAt.IsZero() || d.NextFireAt.Before(now) {
			next, err := d.next(now, s.loc)
			if err != nil {
				return err
			}
			d.NextFireAt = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify()
	return d, nil
}

func (s *Scheduler) Disable(ctx context.Context, id string) (*Definition, error) {
	d, err := s.store.Update(ctx, id, func(d *Definition) error {
		d.Enabled = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify()
	return d, nil
}

func (s *Scheduler) List(ctx context.Context) ([]Definition, error) {
	return s.store.List(ctx)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Resume recomputes next fire times from the persisted last fire times.
// Firings missed while the process was down are skipped, not replayed.
func (s *Scheduler) Resume(ctx context.Context, now time.Time) error {
	defs, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	for _, d := range defs {
		_, err := s.store.Update(ctx, d.ID, func(d *Definition) error {
			next, missed, err := d.resume(now, s.loc)
			if err != nil {
				return err
			}
			if missed {
				s.logger.Info("coalesced firings missed while down", "schedule_id", d.ID, "next_fire_at", next)
			}
			d.NextFireAt = next
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Run resumes persisted definitions and fires them until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Resume(ctx, s.now()); err != nil {
		return fmt.Errorf("resume schedules: %w", err)
	}
	s.logger.Info("scheduler started", "timezone", s.loc.String())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}

		wait, err := s.untilNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to compute next fire", "error", err)
			wait = time.Minute
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// idleWait bounds the sleep so definitions written by other processes are
// picked up eventually.
const idleWait = time.Minute

func (s *Scheduler) untilNext(ctx context.Context) (time.Duration, error) {
	defs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	wait := idleWait
	now := s.now()
	for _, d := range defs {
		if !d.Enabled || d.NextFireAt.IsZero() {
			continue
		}
		if until := d.NextFireAt.Sub(now); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// Tick fires every enabled definition due at now and returns how many
// envelopes were enqueued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	defs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, d := range defs {
		if !d.Enabled || d.NextFireAt.IsZero() || d.NextFireAt.After(now) {
			continue
		}
		ok, err := s.fire(ctx, d, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, d Definition, now time.Time) (bool, error) {
	logger := s.logger.With("schedule_id", d.ID, "task_name", d.TaskName)

	active, err := s.active.ActiveForSchedule(ctx, d.ID)
	if err != nil {
		return false, fmt.Errorf("schedule %s: %w", d.ID, err)
	}

	fired := false
	if active < d.MaxInstances {
		id, err := s.enqueuer.Enqueue(ctx, d.TaskName, d.Payload, task.WithPriority(d.Priority), task.WithScheduleID(d.ID))
		if err != nil {
			return false, fmt.Errorf("schedule %s: %w", d.ID, err)
		}
		fired = true
		logger.Info("schedule fired", "task_id", id)
	} else {
		logger.Warn("misfire coalesced, previous instance still running", "active", active, "max_instances", d.MaxInstances)
	}

	updated, err := s.store.Update(ctx, d.ID, func(def *Definition) error {
		if fired {
			def.LastFireAt = &now
		}
		next, err := def.next(now, s.loc)
		if err != nil {
			return err
		}
		if def.Kind == KindOnce {
			next = time.Time{}
			def.Enabled = false
		}
		def.NextFireAt = next
		return nil
	})
	if err != nil {
		return fired, fmt.Errorf("schedule %s: %w", d.ID, err)
	}
	logger.Debug("next fire computed", "next_fire_at", updated.NextFireAt)
	return fired, nil
}
