// Package history exports a record of every finished upgrade or rollback
// attempt to an external store. Sinks are append-only; swapr never reads
// them back.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of attempt.
type EventType string

const (
	EventUpgrade  EventType = "upgrade"
	EventRollback EventType = "rollback"
)

// Record summarises one attempt.
type Record struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Candidate  string    `json:"candidate,omitempty"`
	Backup     string    `json:"backup,omitempty"`
	Outcome    string    `json:"outcome"`
	Kind       string    `json:"kind"`
	Phase      string    `json:"phase"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Event represents a finished attempt to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nullable maps "" to SQL NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
