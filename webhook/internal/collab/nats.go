package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ticketdesk/boxoffice/common/messaging"
)

// emailRequest is consumed by the mail worker.
type emailRequest struct {
	Template string `json:"template"`
	To       string `json:"to"`
	Name     string `json:"name,omitempty"`
	Sale     Sale   `json:"sale"`
}

// NATSMailer hands confirmation email to the mail worker over NATS.
type NATSMailer struct {
	pub messaging.Publisher
}

func NewNATSMailer(pub messaging.Publisher) *NATSMailer {
	return &NATSMailer{pub: pub}
}

func (m *NATSMailer) SendConfirmation(ctx context.Context, sale Sale) error {
	if sale.Email == "" {
		return nil
	}
	return publishJSON(ctx, m.pub, messaging.SubjectEmailSend, "email:"+sale.OrderID, emailRequest{
		Template: "order_confirmation",
		To:       sale.Email,
		Name:     sale.Name,
		Sale:     sale,
	})
}

// NATSCRM hands customer upserts to the CRM sync worker over NATS.
type NATSCRM struct {
	pub messaging.Publisher
}

func NewNATSCRM(pub messaging.Publisher) *NATSCRM {
	return &NATSCRM{pub: pub}
}

func (c *NATSCRM) UpsertCustomer(ctx context.Context, sale Sale) error {
	if sale.Email == "" {
		return nil
	}
	return publishJSON(ctx, c.pub, messaging.SubjectCRMUpsert, "crm:"+sale.OrderID, sale)
}

func publishJSON(ctx context.Context, pub messaging.Publisher, subject, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", subject, err)
	}
	if err := pub.PublishMsg(ctx, messaging.NewMessage(subject, data, id)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}
