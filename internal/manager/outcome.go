package manager

import (
	"time"

	"github.com/loykin/stackbox/internal/history"
)

// Action is a lifecycle operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// Outcome is the single result of one verified action.
type Outcome struct {
	Service   string        `json:"service"`
	Action    Action        `json:"action"`
	Success   bool          `json:"success"`
	Reason    string        `json:"reason,omitempty"`
	Polls     int           `json:"polls"`
	Escalated bool          `json:"escalated,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Err       error         `json:"-"`
}

func succeeded(service string, action Action, polls int, elapsed time.Duration) Outcome {
	return Outcome{Service: service, Action: action, Success: true, Polls: polls, Elapsed: elapsed}
}

func failed(err *ActionError, polls int, elapsed time.Duration) Outcome {
	return Outcome{
		Service: err.Service,
		Action:  err.Action,
		Reason:  err.Error(),
		Polls:   polls,
		Elapsed: elapsed,
		Err:     err,
	}
}

func (o Outcome) event() history.Event {
	return history.Event{
		Type:       history.EventType(o.Action),
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Service:   o.Service,
			Action:    string(o.Action),
			Success:   o.Success,
			Reason:    o.Reason,
			Polls:     o.Polls,
			Escalated: o.Escalated,
			ElapsedMS: o.Elapsed.Milliseconds(),
		},
	}
}
