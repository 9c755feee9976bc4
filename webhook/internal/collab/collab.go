// Package collab holds the fire-and-forget collaborators run after a sale:
// confirmation email, analytics and CRM. Their failures are logged and never
// change the outcome of the webhook.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
)

// Sale describes a fulfilled or refunded order.
type Sale struct {
	OrderID     string    `json:"order_id"`
	Source      string    `json:"source"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ResourceID  string    `json:"resource_id"`
	Tier        string    `json:"tier"`
	Quantity    int       `json:"quantity"`
	AmountCents int64     `json:"amount_cents,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Livemode    bool      `json:"livemode"`
	At          time.Time `json:"at"`
}

// Mailer sends order confirmation email.
type Mailer interface {
	SendConfirmation(ctx context.Context, sale Sale) error
}

// Analytics records sales events.
type Analytics interface {
	Track(ctx context.Context, event string, sale Sale) error
}

// CRM upserts the buying customer.
type CRM interface {
	UpsertCustomer(ctx context.Context, sale Sale) error
}

// Runner runs collaborator calls in their own goroutines, each bounded by
// a timeout and detached from the request context.
type Runner struct {
	timeout time.Duration
	logger  *logging.Logger
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. A non-positive timeout uses 10s.
func NewRunner(timeout time.Duration, logger *logging.Logger) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Go starts fn in the background. name labels logs and metrics.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(bg, r.timeout)
		defer cancel()

		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return fn(ctx)
		}()
		if err != nil {
			metrics.CollaboratorFailures.WithLabelValues(name).Inc()
			r.logger.WarnContext(ctx, "collaborator call failed", "collaborator", name, logging.Error(err))
		}
	}()
}

// Wait blocks until every started call has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Collaborators bundles the post-sale side effects.
type Collaborators struct {
	Mailer    Mailer
	Analytics Analytics
	CRM       CRM
	Runner    *Runner
}

// Noop returns collaborators that do nothing.
func Noop(logger *logging.Logger) *Collaborators {
	return &Collaborators{
		Mailer:    NoopMailer{},
		Analytics: NoopAnalytics{},
		CRM:       NoopCRM{},
		Runner:    NewRunner(0, logger),
	}
}

// SaleCompleted fires confirmation email, analytics and CRM upsert.
func (c *Collaborators) SaleCompleted(ctx context.Context, sale Sale) {
	c.Runner.Go(ctx, "mailer", func(ctx context.Context) error { return c.Mailer.SendConfirmation(ctx, sale) })
	c.Runner.Go(ctx, "analytics", func(ctx context.Context) error { return c.Analytics.Track(ctx, "sale_completed", sale) })
	c.Runner.Go(ctx, "crm", func(ctx context.Context) error { return c.CRM.UpsertCustomer(ctx, sale) })
}

// Track records an analytics event in the background.
func (c *Collaborators) Track(ctx context.Context, event string, sale Sale) {
	c.Runner.Go(ctx, "analytics", func(ctx context.Context) error { return c.Analytics.Track(ctx, event, sale) })
}

// NoopMailer discards email.
type NoopMailer struct{}

func (NoopMailer) SendConfirmation(context.Context, Sale) error { return nil }

// NoopAnalytics discards events.
type NoopAnalytics struct{}

func (NoopAnalytics) Track(context.Context, string, Sale) error { return nil }

// NoopCRM discards upserts.
type NoopCRM struct{}

func (NoopCRM) UpsertCustomer(context.Context, Sale) error { return nil }
