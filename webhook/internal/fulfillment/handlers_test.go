package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/collab"
	"github.com/ticketdesk/boxoffice/webhook/internal/dispatch"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	mails  []collab.Sale
	events []string
	crm    []collab.Sale
}

func (r *recorder) SendConfirmation(_ context.Context, s collab.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mails = append(r.mails, s)
	return nil
}

func (r *recorder) Track(_ context.Context, event string, _ collab.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) UpsertCustomer(_ context.Context, s collab.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crm = append(r.crm, s)
	return nil
}

func newCollab(r *recorder) *collab.Collaborators {
	return &collab.Collaborators{
		Mailer:    r,
		Analytics: r,
		CRM:       r,
		Runner:    collab.NewRunner(time.Second, logging.Discard()),
	}
}

func newLedger(t *testing.T, capacity int) *inventory.Ledger {
	t.Helper()
	l := inventory.New(inventory.NewMemoryStore(), nil, inventory.Config{}, logging.Discard())
	_, err := l.Provision(context.Background(), inventory.ResourceKey{ResourceID: "dallas", Tier: "ga"}, capacity, 0, false)
	require.NoError(t, err)
	return l
}

func checkoutEvent(id string, metadata map[string]string) *models.VerifiedEvent {
	payload, _ := json.Marshal(map[string]any{
		"id":           id,
		"amount_total": 9000,
		"currency":     "USD",
		"customer_details": map[string]string{
			"email": "ada@example.com",
			"name":  "Ada Lovelace",
		},
	})
	return &models.VerifiedEvent{
		Source:         models.SourceStripe,
		EventID:        "evt_" + id,
		EventType:      "checkout.session.completed",
		Payload:        payload,
		Metadata:       metadata,
		EventTimestamp: time.Unix(1700000000, 0),
	}
}

func TestCheckoutCompleted_Decrements(t *testing.T) {
	ledger := newLedger(t, 200)
	rec := &recorder{}
	c := newCollab(rec)
	h := NewCheckoutCompleted(ledger, c, logging.Discard())

	ev := checkoutEvent("cs_1", map[string]string{"resource_id": "dallas", "tier": "ga", "quantity": "2"})
	require.NoError(t, h.Handle(context.Background(), ev))
	c.Runner.Wait()

	got, err := ledger.Get(context.Background(), inventory.ResourceKey{ResourceID: "dallas", Tier: "ga"})
	require.NoError(t, err)
	assert.Equal(t, 198, got.Available())

	require.Len(t, rec.mails, 1)
	sale := rec.mails[0]
	assert.Equal(t, "cs_1", sale.OrderID)
	assert.Equal(t, 2, sale.Quantity)
	assert.Equal(t, int64(9000), sale.AmountCents)
	assert.Equal(t, "usd", sale.Currency)
	assert.Equal(t, "ada@example.com", sale.Email)
	assert.Equal(t, "Ada Lovelace", sale.Name)
	assert.Equal(t, []string{EventSaleCompleted}, rec.events)
	assert.Len(t, rec.crm, 1)
}

func TestCheckoutCompleted_DefaultQuantity(t *testing.T) {
	ledger := newLedger(t, 5)
	h := NewCheckoutCompleted(ledger, nil, logging.Discard())

	require.NoError(t, h.Handle(context.Background(), checkoutEvent("cs_1", map[string]string{"resource_id": "dallas", "tier": "ga"})))

	got, err := ledger.Get(context.Background(), inventory.ResourceKey{ResourceID: "dallas", Tier: "ga"})
	require.NoError(t, err)
	assert.Equal(t, 4, got.Available())
}

func TestCheckoutCompleted_RetryIsIdempotent(t *testing.T) {
	ledger := newLedger(t, 10)
	h := NewCheckoutCompleted(ledger, nil, logging.Discard())
	ev := checkoutEvent("cs_1", map[string]string{"resource_id": "dallas", "tier": "ga", "quantity": "3"})

	require.NoError(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev))

	got, err := ledger.Get(context.Background(), inventory.ResourceKey{ResourceID: "dallas", Tier: "ga"})
	require.NoError(t, err)
	assert.Equal(t, 7, got.Available())
}

func TestCheckoutCompleted_Oversold(t *testing.T) {
	ledger := newLedger(t, 1)
	rec := &recorder{}
	c := newCollab(rec)
	h := NewCheckoutCompleted(ledger, c, logging.Discard())

	err := h.Handle(context.Background(), checkoutEvent("cs_1", map[string]string{"resource_id": "dallas", "tier": "ga", "quantity": "2"}))
	require.Error(t, err)
	assert.True(t, dispatch.IsPermanent(err))
	assert.ErrorIs(t, err, ErrOversold)

	c.Runner.Wait()
	assert.Empty(t, rec.mails)
}

func TestCheckoutCompleted_BadMetadata(t *testing.T) {
	h := NewCheckoutCompleted(newLedger(t, 10), nil, logging.Discard())

	tests := []struct {
		name     string
		metadata map[string]string
	}{
		{"no metadata", nil},
		{"missing tier", map[string]string{"resource_id": "dallas"}},
		{"missing resource", map[string]string{"tier": "ga"}},
		{"zero quantity", map[string]string{"resource_id": "dallas", "tier": "ga", "quantity": "0"}},
		{"text quantity", map[string]string{"resource_id": "dallas", "tier": "ga", "quantity": "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(context.Background(), checkoutEvent("cs_1", tt.metadata))
			require.Error(t, err)
			assert.True(t, dispatch.IsPermanent(err))
			assert.ErrorIs(t, err, ErrBadMetadata)
		})
	}
}

func TestCheckoutCompleted_UnknownResource(t *testing.T) {
	h := NewCheckoutCompleted(newLedger(t, 10), nil, logging.Discard())

	err := h.Handle(context.Background(), checkoutEvent("cs_1", map[string]string{"resource_id": "austin", "tier": "ga"}))
	require.Error(t, err)
	assert.True(t, dispatch.IsPermanent(err))
	assert.ErrorIs(t, err, inventory.ErrUnknownResource)
}

type downLedger struct{}

func (downLedger) TryDecrement(context.Context, inventory.ResourceKey, int, string) (inventory.Result, error) {
	return inventory.Result{}, errors.Join(inventory.ErrStoreUnavailable, context.DeadlineExceeded)
}

func TestCheckoutCompleted_StoreUnavailableIsRetryable(t *testing.T) {
	h := NewCheckoutCompleted(downLedger{}, nil, logging.Discard())

	err := h.Handle(context.Background(), checkoutEvent("cs_1", map[string]string{"resource_id": "dallas", "tier": "ga"}))
	require.Error(t, err)
	assert.False(t, dispatch.IsPermanent(err))
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
}

func TestCheckoutCompleted_LemonSqueezyOrder(t *testing.T) {
	ledger := newLedger(t, 10)
	rec := &recorder{}
	c := newCollab(rec)
	h := NewCheckoutCompleted(ledger, c, logging.Discard())

	ev := &models.VerifiedEvent{
		Source:    models.SourceLemonSqueezy,
		EventID:   "ls_evt_1",
		EventType: "order_created",
		Payload:   json.RawMessage(`{"id":"1001","type":"orders","attributes":{"total":4500,"currency":"EUR","user_email":"grace@example.com","user_name":"Grace"}}`),
		Metadata:  map[string]string{"resource_id": "dallas", "tier": "ga", "quantity": "1"},
	}
	require.NoError(t, h.Handle(context.Background(), ev))
	c.Runner.Wait()

	require.Len(t, rec.mails, 1)
	assert.Equal(t, "1001", rec.mails[0].OrderID)
	assert.Equal(t, int64(4500), rec.mails[0].AmountCents)
	assert.Equal(t, "eur", rec.mails[0].Currency)
	assert.Equal(t, "grace@example.com", rec.mails[0].Email)
}

func TestPaymentFailed(t *testing.T) {
	rec := &recorder{}
	c := newCollab(rec)
	h := NewPaymentFailed(c, logging.Discard())

	assert.Equal(t, dispatch.BlockRetries, h.FailurePolicy())

	ev := &models.VerifiedEvent{
		Source:    models.SourceStripe,
		EventID:   "evt_pf",
		EventType: "payment_intent.payment_failed",
		Payload:   json.RawMessage(`{"id":"pi_1","amount":9000,"last_payment_error":{"message":"card declined"}}`),
	}
	require.NoError(t, h.Handle(context.Background(), ev))
	c.Runner.Wait()

	assert.Equal(t, []string{EventPaymentFailed}, rec.events)
	assert.Empty(t, rec.mails)
}

func TestChargeRefunded_DoesNotRestoreInventory(t *testing.T) {
	ledger := newLedger(t, 10)
	rec := &recorder{}
	c := newCollab(rec)

	checkout := NewCheckoutCompleted(ledger, c, logging.Discard())
	require.NoError(t, checkout.Handle(context.Background(), checkoutEvent("cs_1", map[string]string{"resource_id": "dallas", "tier": "ga"})))

	refund := NewChargeRefunded(c, logging.Discard())
	ev := &models.VerifiedEvent{
		Source:    models.SourceStripe,
		EventID:   "evt_rf",
		EventType: "charge.refunded",
		Payload:   json.RawMessage(`{"id":"ch_1","amount":9000}`),
		Metadata:  map[string]string{"resource_id": "dallas", "tier": "ga"},
	}
	require.NoError(t, refund.Handle(context.Background(), ev))
	c.Runner.Wait()

	got, err := ledger.Get(context.Background(), inventory.ResourceKey{ResourceID: "dallas", Tier: "ga"})
	require.NoError(t, err)
	assert.Equal(t, 9, got.Available())
	assert.Contains(t, rec.events, EventSaleRefunded)
}

func TestHandlers_Register(t *testing.T) {
	reg, err := dispatch.NewRegistry(Handlers(newLedger(t, 1), nil, logging.Discard())...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"charge.refunded",
		"checkout.session.completed",
		"order_created",
		"order_refunded",
		"payment_intent.payment_failed",
	}, reg.EventTypes())

	h, ok := reg.Lookup("order_created")
	require.True(t, ok)
	assert.Equal(t, dispatch.RetryAllowed, h.FailurePolicy())
}
