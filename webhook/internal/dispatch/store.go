package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// Store persists processed-event records.
type Store interface {
	// Claim atomically inserts a processing record for key if none exists
	// or the existing one has expired, and returns the token that fences
	// Complete and Release. An empty token means the claim was lost; the
	// existing record is returned when it is still live.
	Claim(ctx context.Context, key models.EventKey, eventType string, lease time.Duration) (string, *models.ProcessedEventRecord, error)

	// Complete moves the record claimed under token to a terminal status
	// kept for retention. It returns ErrClaimLost when the record is no
	// longer that claim.
	Complete(ctx context.Context, key models.EventKey, token string, status models.RecordStatus, errMsg string, retention time.Duration) error

	// Release deletes the record claimed under token so the event can be
	// claimed again. It returns ErrClaimLost when the record is no longer
	// that claim.
	Release(ctx context.Context, key models.EventKey, token string) error

	// Get returns the live record for key or ErrNotFound.
	Get(ctx context.Context, key models.EventKey) (*models.ProcessedEventRecord, error)
}

// DeadLetter receives events whose handler failed or rejected them.
type DeadLetter interface {
	Write(ctx context.Context, ev *models.VerifiedEvent, err error, reason string) error
}

// Dead-letter reasons.
const (
	DeadLetterHandlerFailed = "handler_failed"
	DeadLetterRejected      = "rejected"
)

func newClaimToken() string {
	return uuid.NewString()
}

func newRecord(key models.EventKey, eventType string, status models.RecordStatus, now time.Time, ttl time.Duration, errMsg string) *models.ProcessedEventRecord {
	return &models.ProcessedEventRecord{
		Source:      key.Source,
		EventID:     key.EventID,
		EventType:   eventType,
		Status:      status,
		ProcessedAt: now.UTC(),
		ExpiresAt:   now.Add(ttl).UTC(),
		Error:       errMsg,
	}
}

// holds reports whether rec is the processing record claimed under token.
func holds(rec *models.ProcessedEventRecord, token string) bool {
	return rec != nil && token != "" && rec.Status == models.StatusProcessing && rec.ClaimToken == token
}
