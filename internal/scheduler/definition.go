package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/podushkina/newswatch/internal/task"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindOnce     Kind = "once"
)

var (
	validate   = validator.New()
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Definition is a persisted recurring (or one-shot) trigger for a task.
// Missed firings are always coalesced into at most one.
type Definition struct {
	ID           string          `json:"id" validate:"required"`
	Kind         Kind            `json:"kind" validate:"oneof=interval cron once"`
	Every        time.Duration   `json:"every,omitempty"`
	Cron         string          `json:"cron,omitempty"`
	At           time.Time       `json:"at,omitempty"`
	Timezone     string          `json:"timezone,omitempty"`
	TaskName     string          `json:"task_name" validate:"required"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     task.Priority   `json:"priority"`
	Enabled      bool            `json:"enabled"`
	MaxInstances int             `json:"max_instances" validate:"gte=1"`
	LastFireAt   *time.Time      `json:"last_fire_at,omitempty"`
	NextFireAt   time.Time       `json:"next_fire_at"`
}

// Interval is a convenience constructor for an enabled interval definition.
func Interval(id, taskName string, every time.Duration, payload any) (Definition, error) {
	return newDefinition(Definition{ID: id, Kind: KindInterval, Every: every, TaskName: taskName}, payload)
}

// Cron is a convenience constructor for an enabled cron definition evaluated
// in timezone (empty means the scheduler default).
func Cron(id, taskName, expr, timezone string, payload any) (Definition, error) {
	return newDefinition(Definition{ID: id, Kind: KindCron, Cron: expr, Timezone: timezone, TaskName: taskName}, payload)
}

func newDefinition(d Definition, payload any) (Definition, error) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Definition{}, fmt.Errorf("marshal schedule payload: %w", err)
		}
		d.Payload = data
	}
	d.Enabled = true
	d.MaxInstances = 1
	d.Priority = task.PriorityDefault
	return d, nil
}

func (d *Definition) normalize() {
	if d.Priority == "" {
		d.Priority = task.PriorityDefault
	}
	if d.MaxInstances == 0 {
		d.MaxInstances = 1
	}
}

func (d *Definition) check() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("schedule %q: %w", d.ID, err)
	}
	if !d.Priority.Valid() {
		return fmt.Errorf("schedule %q: invalid priority %q", d.ID, d.Priority)
	}

	switch d.Kind {
	case KindInterval:
		if d.Every <= 0 {
			return fmt.Errorf("schedule %q: interval must be positive", d.ID)
		}
	case KindCron:
		if _, err := cronParser.Parse(d.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression %q: %w", d.ID, d.Cron, err)
		}
	case KindOnce:
		if d.At.IsZero() {
			return fmt.Errorf("schedule %q: one-shot time is required", d.ID)
		}
	}

	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return fmt.Errorf("schedule %q: %w", d.ID, err)
		}
	}
	return nil
}

// next returns the first fire time strictly after from, or the zero time when
// the definition will not fire again.
func (d *Definition) next(from time.Time, defaultLoc *time.Location) (time.Time, error) {
	switch d.Kind {
	case KindInterval:
		return from.Add(d.Every), nil
	case KindCron:
		sched, err := cronParser.Parse(d.Cron)
		if err != nil {
			return time.Time{}, err
		}
		loc := defaultLoc
		if d.Timezone != "" {
			if loc, err = time.LoadLocation(d.Timezone); err != nil {
				return time.Time{}, err
			}
		}
		return sched.Next(from.In(loc)), nil
	case KindOnce:
		if d.LastFireAt != nil {
			return time.Time{}, nil
		}
		return d.At, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", d.Kind)
}

// resume computes the next fire after a restart: from the last firing when
// there was one, skipping forward past anything missed while down.
func (d *Definition) resume(now time.Time, defaultLoc *time.Location) (next time.Time, missed bool, err error) {
	if d.LastFireAt == nil {
		if d.Kind == KindOnce {
			return d.At, false, nil
		}
		next, err = d.next(now, defaultLoc)
		return next, false, err
	}

	next, err = d.next(*d.LastFireAt, defaultLoc)
	if err != nil || next.IsZero() || next.After(now) {
		return next, false, err
	}

	if d.Kind == KindInterval {
		skip := now.Sub(next)/d.Every + 1
		return next.Add(skip * d.Every), true, nil
	}
	next, err = d.next(now, defaultLoc)
	return next, true, err
}
