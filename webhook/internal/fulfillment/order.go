// Package fulfillment holds the closed set of handlers that turn verified
// payment events into inventory decrements and post-sale side effects.
package fulfillment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ticketdesk/boxoffice/webhook/internal/collab"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// Metadata keys attached to checkout sessions by the storefront.
const (
	MetaResourceID = "resource_id"
	MetaTier       = "tier"
	MetaQuantity   = "quantity"
)

var (
	// ErrBadMetadata means the event lacks the fields needed to fulfil it.
	// Redelivery cannot fix it.
	ErrBadMetadata = errors.New("invalid fulfillment metadata")

	// ErrOversold means a paid order asked for more than remained.
	ErrOversold = errors.New("order exceeds remaining inventory")
)

// orderObject is the subset of a Stripe checkout session, payment intent or
// charge, or a LemonSqueezy order, that fulfillment reads.
type orderObject struct {
	ID            string `json:"id"`
	AmountTotal   int64  `json:"amount_total"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email"`
	ReceiptEmail  string `json:"receipt_email"`

	CustomerDetails *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`

	BillingDetails *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"billing_details"`

	Attributes *struct {
		Total     int64  `json:"total"`
		Currency  string `json:"currency"`
		UserEmail string `json:"user_email"`
		UserName  string `json:"user_name"`
	} `json:"attributes"`

	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func decodeOrder(ev *models.VerifiedEvent) orderObject {
	var o orderObject
	// Payloads that are not objects still carry metadata and an event id.
	_ = json.Unmarshal(ev.Payload, &o)
	return o
}

// orderID is the provider's object id, falling back to the event id.
func (o orderObject) orderID(ev *models.VerifiedEvent) string {
	if o.ID != "" {
		return o.ID
	}
	return ev.EventID
}

func (o orderObject) sale(ev *models.VerifiedEvent) collab.Sale {
	s := collab.Sale{
		OrderID:     o.orderID(ev),
		Source:      string(ev.Source),
		EventID:     ev.EventID,
		EventType:   ev.EventType,
		ResourceID:  ev.Metadata[MetaResourceID],
		Tier:        ev.Metadata[MetaTier],
		AmountCents: o.AmountTotal,
		Currency:    strings.ToLower(o.Currency),
		Email:       firstNonEmpty(o.CustomerEmail, o.ReceiptEmail),
		Livemode:    ev.Livemode,
		At:          ev.EventTimestamp,
	}
	if s.AmountCents == 0 {
		s.AmountCents = o.Amount
	}
	if d := o.CustomerDetails; d != nil {
		s.Email = firstNonEmpty(s.Email, d.Email)
		s.Name = d.Name
	}
	if d := o.BillingDetails; d != nil {
		s.Email = firstNonEmpty(s.Email, d.Email)
		s.Name = firstNonEmpty(s.Name, d.Name)
	}
	if a := o.Attributes; a != nil {
		if s.AmountCents == 0 {
			s.AmountCents = a.Total
		}
		s.Currency = firstNonEmpty(s.Currency, strings.ToLower(a.Currency))
		s.Email = firstNonEmpty(s.Email, a.UserEmail)
		s.Name = firstNonEmpty(s.Name, a.UserName)
	}
	if q, err := quantity(ev.Metadata); err == nil {
		s.Quantity = q
	}
	return s
}

// lineItem reads the resource, tier and quantity an order is for.
func lineItem(metadata map[string]string) (inventory.ResourceKey, int, error) {
	key := inventory.ResourceKey{
		ResourceID: strings.TrimSpace(metadata[MetaResourceID]),
		Tier:       strings.TrimSpace(metadata[MetaTier]),
	}
	if key.ResourceID == "" {
		return key, 0, fmt.Errorf("%w: metadata.%s missing", ErrBadMetadata, MetaResourceID)
	}
	if key.Tier == "" {
		return key, 0, fmt.Errorf("%w: metadata.%s missing", ErrBadMetadata, MetaTier)
	}
	q, err := quantity(metadata)
	if err != nil {
		return key, 0, err
	}
	return key, q, nil
}

func quantity(metadata map[string]string) (int, error) {
	raw := strings.TrimSpace(metadata[MetaQuantity])
	if raw == "" {
		return 1, nil
	}
	q, err := strconv.Atoi(raw)
	if err != nil || q <= 0 {
		return 0, fmt.Errorf("%w: metadata.%s %q is not a positive integer", ErrBadMetadata, MetaQuantity, raw)
	}
	return q, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
