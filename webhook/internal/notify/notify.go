// Package notify delivers inventory milestone notices and oversell alerts.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/common/messaging"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
)

// NATSNotifier publishes notices as JSON on the inventory subjects. Message
// IDs let a JetStream consumer drop duplicates.
type NATSNotifier struct {
	pub messaging.Publisher
}

// NewNATSNotifier creates a notifier publishing through pub.
func NewNATSNotifier(pub messaging.Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

func (n *NATSNotifier) Milestone(ctx context.Context, m inventory.MilestoneNotice) error {
	id := "milestone:" + m.Key.ResourceID + ":" + m.Key.Tier + ":" + strconv.Itoa(m.Threshold)
	return n.publish(ctx, messaging.SubjectInventoryMilestone, id, m)
}

func (n *NATSNotifier) Oversell(ctx context.Context, a inventory.OversellAlert) error {
	id := "oversell:" + a.Key.ResourceID + ":" + a.Key.Tier + ":" + a.Token
	return n.publish(ctx, messaging.SubjectInventoryOversell, id, a)
}

func (n *NATSNotifier) publish(ctx context.Context, subject, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	if err := n.pub.PublishMsg(ctx, messaging.NewMessage(subject, data, id)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// LogNotifier writes notices to the log. Used when NATS is not configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Milestone(ctx context.Context, m inventory.MilestoneNotice) error {
	n.logger.InfoContext(ctx, "milestone notice",
		logging.Resource(m.Key.ResourceID), logging.Tier(m.Key.Tier),
		"threshold", m.Threshold, logging.Available(m.AvailableAfter))
	return nil
}

func (n *LogNotifier) Oversell(ctx context.Context, a inventory.OversellAlert) error {
	n.logger.CriticalContext(ctx, "oversell alert",
		logging.Resource(a.Key.ResourceID), logging.Tier(a.Key.Tier),
		"requested", a.Requested, logging.Available(a.Available), logging.Token(a.Token))
	return nil
}

// Multi fans a notice out to several notifiers and returns the first error.
type Multi []inventory.Notifier

func (m Multi) Milestone(ctx context.Context, notice inventory.MilestoneNotice) error {
	var first error
	for _, n := range m {
		if err := n.Milestone(ctx, notice); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Oversell(ctx context.Context, alert inventory.OversellAlert) error {
	var first error
	for _, n := range m {
		if err := n.Oversell(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}
