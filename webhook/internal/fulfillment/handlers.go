package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/collab"
	"github.com/ticketdesk/boxoffice/webhook/internal/dispatch"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// Analytics event names.
const (
	EventSaleCompleted = "sale_completed"
	EventPaymentFailed = "payment_failed"
	EventSaleRefunded  = "sale_refunded"
)

// Ledger is the part of inventory.Ledger fulfillment uses.
type Ledger interface {
	TryDecrement(ctx context.Context, key inventory.ResourceKey, quantity int, token string) (inventory.Result, error)
}

// Handlers returns every fulfillment handler, ready for dispatch.NewRegistry.
func Handlers(ledger Ledger, c *collab.Collaborators, logger *logging.Logger) []dispatch.Handler {
	return []dispatch.Handler{
		NewCheckoutCompleted(ledger, c, logger),
		NewPaymentFailed(c, logger),
		NewChargeRefunded(c, logger),
	}
}

// CheckoutCompleted takes sold quantity out of the ledger and fires the
// post-sale collaborators.
type CheckoutCompleted struct {
	ledger Ledger
	collab *collab.Collaborators
	logger *logging.Logger
}

func NewCheckoutCompleted(ledger Ledger, c *collab.Collaborators, logger *logging.Logger) *CheckoutCompleted {
	if logger == nil {
		logger = logging.Default()
	}
	if c == nil {
		c = collab.Noop(logger)
	}
	return &CheckoutCompleted{ledger: ledger, collab: c, logger: logger}
}

func (h *CheckoutCompleted) EventTypes() []string {
	return []string{"checkout.session.completed", "order_created"}
}

// FailurePolicy allows retries: the decrement token makes a second run
// return the first run's result.
func (h *CheckoutCompleted) FailurePolicy() dispatch.FailurePolicy {
	return dispatch.RetryAllowed
}

func (h *CheckoutCompleted) Handle(ctx context.Context, ev *models.VerifiedEvent) error {
	key, qty, err := lineItem(ev.Metadata)
	if err != nil {
		return dispatch.Permanent(err)
	}

	order := decodeOrder(ev)
	token := string(ev.Source) + ":" + order.orderID(ev)

	res, err := h.ledger.TryDecrement(ctx, key, qty, token)
	if err != nil {
		if errors.Is(err, inventory.ErrStoreUnavailable) {
			return err
		}
		return dispatch.Permanent(err)
	}
	if !res.OK {
		return dispatch.Permanent(fmt.Errorf("%w: %s requested %d, %d available", ErrOversold, key, qty, res.Available))
	}

	sale := order.sale(ev)
	sale.Quantity = qty
	if res.Replayed {
		h.logger.InfoContext(ctx, "checkout already fulfilled, resending confirmations",
			logging.Source(string(ev.Source)), logging.EventID(ev.EventID), logging.Token(token))
	}
	h.collab.SaleCompleted(ctx, sale)
	return nil
}

// PaymentFailed records a failed payment. It has no inventory effect.
type PaymentFailed struct {
	collab *collab.Collaborators
	logger *logging.Logger
}

func NewPaymentFailed(c *collab.Collaborators, logger *logging.Logger) *PaymentFailed {
	if logger == nil {
		logger = logging.Default()
	}
	if c == nil {
		c = collab.Noop(logger)
	}
	return &PaymentFailed{collab: c, logger: logger}
}

func (h *PaymentFailed) EventTypes() []string {
	return []string{"payment_intent.payment_failed"}
}

// FailurePolicy blocks retries: its only effects are notifications.
func (h *PaymentFailed) FailurePolicy() dispatch.FailurePolicy {
	return dispatch.BlockRetries
}

func (h *PaymentFailed) Handle(ctx context.Context, ev *models.VerifiedEvent) error {
	order := decodeOrder(ev)
	sale := order.sale(ev)

	cause := ""
	if order.LastPaymentError != nil {
		cause = order.LastPaymentError.Message
	}
	h.logger.WarnContext(ctx, "payment failed",
		logging.Source(string(ev.Source)), logging.EventID(ev.EventID),
		"order_id", sale.OrderID, logging.Reason(cause))

	h.collab.Track(ctx, EventPaymentFailed, sale)
	return nil
}

// ChargeRefunded records a refund. Inventory is not restored; refunds are
// reconciled by an operator.
type ChargeRefunded struct {
	collab *collab.Collaborators
	logger *logging.Logger
}

func NewChargeRefunded(c *collab.Collaborators, logger *logging.Logger) *ChargeRefunded {
	if logger == nil {
		logger = logging.Default()
	}
	if c == nil {
		c = collab.Noop(logger)
	}
	return &ChargeRefunded{collab: c, logger: logger}
}

func (h *ChargeRefunded) EventTypes() []string {
	return []string{"charge.refunded", "order_refunded"}
}

func (h *ChargeRefunded) FailurePolicy() dispatch.FailurePolicy {
	return dispatch.RetryAllowed
}

func (h *ChargeRefunded) Handle(ctx context.Context, ev *models.VerifiedEvent) error {
	order := decodeOrder(ev)
	sale := order.sale(ev)

	h.logger.WarnContext(ctx, "refund received, inventory requires manual reconciliation",
		logging.Source(string(ev.Source)), logging.EventID(ev.EventID),
		"order_id", sale.OrderID,
		logging.Resource(sale.ResourceID), logging.Tier(sale.Tier), logging.Quantity(sale.Quantity))

	h.collab.Track(ctx, EventSaleRefunded, sale)
	return nil
}
