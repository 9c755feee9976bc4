// Package messaging is the broker-neutral publish side of the boxoffice bus.
// Notifications, collaborator requests and dead letters all go through
// Publisher so that tests can swap the broker for a recorder.
package messaging

import (
	"context"
	"time"
)

// Header names set on every message.
const (
	// HeaderMsgID is the header JetStream uses for publish-side deduplication.
	HeaderMsgID = "Nats-Msg-Id"

	HeaderContentType = "Content-Type"
	HeaderPublishedAt = "Boxoffice-Published-At"
)

// Message is a JSON payload bound for one subject.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// MsgID returns the deduplication id, or "" when none was set.
func (m *Message) MsgID() string {
	return m.Header[HeaderMsgID]
}

// Publisher delivers messages. PublishMsg does not wait for consumers.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *Message) error
	Close() error
}

// NewMessage builds a JSON message. A non-empty msgID lets the broker drop
// a repeated publish of the same notice.
func NewMessage(subject string, data []byte, msgID string) *Message {
	msg := &Message{
		Subject: subject,
		Data:    data,
		Header: map[string]string{
			HeaderContentType: "application/json",
			HeaderPublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if msgID != "" {
		msg.Header[HeaderMsgID] = msgID
	}
	return msg
}
