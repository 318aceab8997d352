package task

import (
	"encoding/json"
	"fmt"
	"time"
)

type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// Priorities lists the lanes in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityDefault, PriorityLow:
		return true
	}
	return false
}

// Envelope is the unit of dispatch. It is routed to exactly one lane for its
// whole lifetime; Attempt and NotBefore only move forward.
type Envelope struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
}

type Option func(*Envelope)

func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

func WithMaxAttempts(n int) Option {
	return func(e *Envelope) { e.MaxAttempts = n }
}

func WithBackoff(b Backoff) Option {
	return func(e *Envelope) { e.Backoff = b }
}

func WithScheduleID(id string) Option {
	return func(e *Envelope) { e.ScheduleID = id }
}

// New builds an envelope for the named handler. The payload is stored as JSON;
// a json.RawMessage is kept as is. The id is assigned when it is enqueued.
func New(name string, payload any, opts ...Option) (*Envelope, error) {
	e := &Envelope{Name: name}

	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		e.Payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", name, err)
		}
		e.Payload = data
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Bind decodes the payload into v.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode payload for %s: %w", e.Name, err))
	}
	return nil
}

// CanRetry reports whether another attempt is allowed after the current one.
func (e *Envelope) CanRetry() bool {
	return e.Attempt < e.MaxAttempts
}
