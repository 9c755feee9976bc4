package dispatch

import (
	"errors"
	"net/http"
	"time"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// Outcome is what happened to one dispatched event.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeIgnored    Outcome = "ignored"
)

// InProgressRetryAfter is suggested to providers whose delivery found the
// event still claimed by another delivery.
const InProgressRetryAfter = 10 * time.Second

// Acknowledge reports whether the provider should be told the delivery was
// handled. Failed and InProgress ask for a redelivery: an in-progress claim
// may still be released by a retryable failure.
func (o Outcome) Acknowledge() bool {
	return o != OutcomeFailed && o != OutcomeInProgress
}

// HTTPStatus is the response code for the outcome.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeFailed:
		return http.StatusInternalServerError
	case OutcomeInProgress:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

// Result is returned by Dispatch.
type Result struct {
	Outcome Outcome
	Record  *models.ProcessedEventRecord
	Err     error
}

// FailurePolicy decides what a failed handler run leaves behind.
type FailurePolicy int

const (
	// RetryAllowed deletes the record so a redelivery runs the handler again.
	RetryAllowed FailurePolicy = iota

	// BlockRetries keeps a failed record so redeliveries are duplicates.
	BlockRetries
)

func (p FailurePolicy) String() string {
	if p == BlockRetries {
		return "block_retries"
	}
	return "retry_allowed"
}

var (
	// ErrStoreUnavailable wraps processed-event store failures. The
	// delivery is answered with 500 so the provider redelivers.
	ErrStoreUnavailable = errors.New("processed-event store unavailable")

	// ErrNotFound is returned by Store.Get for an unknown or expired key.
	ErrNotFound = errors.New("processed event not found")

	// ErrClaimLost is returned by Store.Complete and Store.Release when the
	// record is no longer the processing claim the caller holds.
	ErrClaimLost = errors.New("event claim lost")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The event is
// recorded as rejected and acknowledged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
