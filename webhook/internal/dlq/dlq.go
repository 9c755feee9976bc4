// Package dlq records webhook events whose handler failed or rejected them
// so they can be inspected and replayed by an operator.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// FailedEvent is one dead-letter entry.
type FailedEvent struct {
	Timestamp   time.Time             `json:"timestamp"`
	Event       *models.VerifiedEvent `json:"event"`
	Error       string                `json:"error"`
	Reason      string                `json:"reason"`
	Attempts    int                   `json:"attempts"`
	LastAttempt time.Time             `json:"last_attempt"`
}

// ErrDisabled is returned by inspection calls when no stream is configured.
var ErrDisabled = errors.New("dlq not enabled")

// DefaultListLimit is the number of entries List returns when asked for none.
const DefaultListLimit = 100

// Writer accepts dead-letter entries.
type Writer interface {
	Write(ctx context.Context, ev *models.VerifiedEvent, err error, reason string) error
}

// Noop drops everything. Used when NATS is not configured.
type Noop struct{}

func (Noop) Write(context.Context, *models.VerifiedEvent, error, string) error { return nil }

func newFailedEvent(ev *models.VerifiedEvent, err error, reason string) FailedEvent {
	now := time.Now().UTC()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return FailedEvent{
		Timestamp:   now,
		Event:       ev,
		Error:       msg,
		Reason:      reason,
		Attempts:    1,
		LastAttempt: now,
	}
}
