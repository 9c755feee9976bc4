package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/common/messaging"
	"github.com/ticketdesk/boxoffice/common/messaging/nats"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

type syncPublisher interface {
	PublishSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error)
}

// JetStreamQueue writes failed events to NATS JetStream.
// Safe for use across multiple webhook instances.
type JetStreamQueue struct {
	pub     syncPublisher
	stream  jetstream.Stream
	logger  *logging.Logger
	written atomic.Uint64
}

// NewJetStreamQueue creates a DLQ backed by NATS JetStream.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("dlq stream ready", "stream", nats.DLQStream.Name)

	return &JetStreamQueue{
		pub:    js,
		stream: stream,
		logger: logger,
	}, nil
}

// Write records a failed event. The message ID makes a repeated write for
// the same event and reason a no-op inside the stream's duplicate window.
func (q *JetStreamQueue) Write(ctx context.Context, ev *models.VerifiedEvent, err error, reason string) error {
	if q == nil {
		return nil
	}

	data, marshalErr := json.Marshal(newFailedEvent(ev, err, reason))
	if marshalErr != nil {
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	msgID := reason + ":" + ev.Key().String()
	msg := messaging.NewMessage(messaging.DLQSubject(reason), data, msgID)
	if _, pubErr := q.pub.PublishSync(ctx, msg); pubErr != nil {
		return fmt.Errorf("publish dlq entry: %w", pubErr)
	}

	q.written.Add(1)
	metrics.DLQWrites.WithLabelValues(reason).Inc()
	q.logger.InfoContext(ctx, "dead-lettered event",
		logging.Source(string(ev.Source)), logging.EventID(ev.EventID), logging.Reason(reason))
	return nil
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}
	if q.stream == nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  q.written.Load(),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List returns up to limit entries from the stream.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if q == nil || q.stream == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: messaging.SubjectDLQPrefix + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
		// Ephemeral; the server drops it once the listing is done.
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var events []FailedEvent
	for msg := range msgs.Messages() {
		var failed FailedEvent
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			q.logger.WarnContext(ctx, "skipping unreadable dlq message", logging.Error(err))
			continue
		}
		events = append(events, failed)
	}
	if err := msgs.Error(); err != nil {
		q.logger.WarnContext(ctx, "dlq fetch completed with error", logging.Error(err))
	}
	return events, nil
}

// Purge removes all entries from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil || q.stream == nil {
		return ErrDisabled
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.WarnContext(ctx, "dlq purged")
	return nil
}
