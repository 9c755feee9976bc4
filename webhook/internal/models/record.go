package models

import "time"

// RecordStatus is the state of a processed-event record.
type RecordStatus string

const (
	StatusProcessing RecordStatus = "processing"
	StatusSucceeded  RecordStatus = "succeeded"
	StatusFailed     RecordStatus = "failed"
	StatusRejected   RecordStatus = "rejected"
)

// Terminal reports whether no further transition is expected.
func (s RecordStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRejected
}

// ProcessedEventRecord marks an event key as claimed or finished. Presence
// means "do not re-run side effects", not "the run succeeded".
type ProcessedEventRecord struct {
	Source      Source       `json:"source"`
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	Status      RecordStatus `json:"status"`
	ProcessedAt time.Time    `json:"processed_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Error       string       `json:"error,omitempty"`

	// ClaimToken identifies the delivery holding a processing record. It is
	// cleared when the record turns terminal.
	ClaimToken string `json:"claim_token,omitempty"`
}

// Key returns the record's event key.
func (r *ProcessedEventRecord) Key() EventKey {
	return EventKey{Source: r.Source, EventID: r.EventID}
}
