// Package models holds the values that flow between the gate, the limiter,
// the dispatcher and the ledger.
package models

import (
	"encoding/json"
	"time"
)

// Source identifies a webhook provider.
type Source string

// Providers with built-in payload and signature conventions. Additional
// sources may be declared in configuration.
const (
	SourceStripe       Source = "stripe"
	SourceLemonSqueezy Source = "lemonsqueezy"
)

func (s Source) String() string { return string(s) }

// SignatureScheme describes what a provider signs.
type SignatureScheme string

const (
	// SchemeTimestamped signs "{t}.{rawBody}" and sends "t=<unix>,v1=<hex>".
	SchemeTimestamped SignatureScheme = "timestamped"

	// SchemeBody signs the raw body and sends the hex digest, optionally
	// prefixed with "sha256=".
	SchemeBody SignatureScheme = "body"
)

// WebhookEnvelope is the raw, unauthenticated inbound delivery. It is built
// once per HTTP call and never mutated.
type WebhookEnvelope struct {
	Source          Source
	RawBody         []byte
	SignatureHeader string
	ReceivedAt      time.Time
}

// NewEnvelope copies body so later reuse of the caller's buffer cannot alter it.
func NewEnvelope(source Source, body []byte, signatureHeader string, receivedAt time.Time) *WebhookEnvelope {
	raw := make([]byte, len(body))
	copy(raw, body)
	return &WebhookEnvelope{
		Source:          source,
		RawBody:         raw,
		SignatureHeader: signatureHeader,
		ReceivedAt:      receivedAt,
	}
}

// VerifiedEvent is an envelope that passed signature and freshness checks.
// Only the gate constructs one.
type VerifiedEvent struct {
	Source         Source
	EventID        string
	EventType      string
	Payload        json.RawMessage
	Metadata       map[string]string
	EventTimestamp time.Time
	Livemode       bool

	// Fingerprint is the hex hash of the signature header, used as the
	// replay-cache key.
	Fingerprint string
}

// Key returns the dispatcher key for the event.
func (e *VerifiedEvent) Key() EventKey {
	return EventKey{Source: e.Source, EventID: e.EventID}
}

// EventKey identifies a provider event globally.
type EventKey struct {
	Source  Source
	EventID string
}

func (k EventKey) String() string {
	return string(k.Source) + ":" + k.EventID
}
