// Package history archives failure reports into analytics and storage
// systems, alongside the collector upload.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/exitwatch/internal/report"
)

// Event is one archived termination: the report as uploaded plus local
// context the collector never sees.
type Event struct {
	OccurredAt       time.Time            `json:"occurred_at"`
	Report           report.FailureReport `json:"report"`
	LogPath          string               `json:"log_path,omitempty"`
	ProcessStartedAt time.Time            `json:"process_started_at,omitzero"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Name returns a short label for s, used in logs and metrics.
func Name(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// StartedAtValue returns the process start time for a SQL column, or nil
// (NULL) when it was not captured.
func StartedAtValue(e Event) any {
	if e.ProcessStartedAt.IsZero() {
		return nil
	}
	return e.ProcessStartedAt.UTC()
}
