package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType defines the kind of lifecycle action recorded.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
)

// DefaultTable is the table (or index) used when a DSN names none.
const DefaultTable = "action_history"

// Record is the outcome of one completed lifecycle action.
type Record struct {
	Service   string `json:"service"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Polls     int    `json:"polls"`
	Escalated bool   `json:"escalated"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Event represents a lifecycle action exported to external systems.
// History is an append-only audit trail; nothing reads it back.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatch sends e to every sink and joins their errors.
func Dispatch(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for i, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("history sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes sinks that hold resources.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
