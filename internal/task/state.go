package task

import (
	"encoding/json"
	"time"
)

type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRetry   State = "RETRY"
	StateRevoked State = "REVOKED"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

var validTransitions = map[State][]State{
	StatePending: {StateStarted, StateRevoked, StateFailure},
	StateStarted: {StateSuccess, StateFailure, StateRetry, StateRevoked},
	StateRetry:   {StateStarted, StateRevoked},
}

func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the persisted lifecycle of a task. Result is set only in SUCCESS,
// Error only in FAILURE.
type Record struct {
	TaskID      string          `json:"task_id"`
	Name        string          `json:"name,omitempty"`
	State       State           `json:"state,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Attempts    int             `json:"attempts"`
	Retries     int             `json:"retries"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
	NotFound    bool            `json:"not_found,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// NotFoundRecord is returned by status queries for unknown ids.
func NotFoundRecord(id string) Record {
	return Record{TaskID: id, NotFound: true}
}
