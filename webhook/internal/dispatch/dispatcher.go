// Package dispatch routes verified webhook events to their handlers and
// guarantees each (source, event id) runs its handler at most once per
// record lifetime.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

const (
	DefaultLease          = 5 * time.Minute
	DefaultRetention      = 14 * 24 * time.Hour
	DefaultHandlerTimeout = 30 * time.Second
	DefaultClaimWait      = 2 * time.Second

	claimPollInterval = 25 * time.Millisecond
)

// Config tunes the dispatcher.
type Config struct {
	// Lease bounds how long a processing claim blocks other deliveries.
	Lease time.Duration

	// Retention is how long terminal records are kept.
	Retention time.Duration

	StoreTimeout   time.Duration
	HandlerTimeout time.Duration

	// ClaimWait is how long a delivery that lost the claim waits for the
	// holder to finish before answering in progress. Negative disables
	// waiting.
	ClaimWait time.Duration
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	registry   *Registry
	store      Store
	deadLetter DeadLetter
	cfg        Config
	logger     *logging.Logger
}

// New creates a Dispatcher. deadLetter may be nil.
func New(registry *Registry, store Store, deadLetter DeadLetter, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.ClaimWait == 0 {
		cfg.ClaimWait = DefaultClaimWait
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		registry:   registry,
		store:      store,
		deadLetter: deadLetter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Dispatch runs the handler for ev unless another delivery already claimed it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.VerifiedEvent) Result {
	res := d.dispatch(ctx, ev)
	eventType := ev.EventType
	if res.Outcome == OutcomeIgnored {
		eventType = metrics.UnhandledEventType
	}
	metrics.DispatchOutcomes.WithLabelValues(eventType, string(res.Outcome)).Inc()
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *models.VerifiedEvent) Result {
	log := []any{
		logging.Source(string(ev.Source)),
		logging.EventID(ev.EventID),
		logging.EventType(ev.EventType),
	}

	h, ok := d.registry.Lookup(ev.EventType)
	if !ok {
		d.logger.InfoContext(ctx, "ignoring unhandled event type", log...)
		return Result{Outcome: OutcomeIgnored}
	}

	key := ev.Key()

	sctx, cancel := database.StoreContext(ctx, d.cfg.StoreTimeout)
	token, existing, err := d.store.Claim(sctx, key, ev.EventType, d.cfg.Lease)
	cancel()
	if err != nil {
		d.logger.ErrorContext(ctx, "event claim failed", append(log, logging.Error(err))...)
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
	}
	if token == "" {
		if existing == nil || !existing.Status.Terminal() {
			existing = d.awaitTerminal(ctx, key)
		}
		if existing != nil && existing.Status.Terminal() {
			d.logger.InfoContext(ctx, "duplicate delivery", append(log, "status", string(existing.Status))...)
			return Result{Outcome: OutcomeDuplicate, Record: existing}
		}
		d.logger.InfoContext(ctx, "event already being processed", log...)
		return Result{Outcome: OutcomeInProgress, Record: existing}
	}

	// The handler and the completion write outlive a disconnected caller: a
	// committed side effect must be recorded.
	runCtx := context.WithoutCancel(ctx)
	herr := d.run(runCtx, h, ev)

	switch {
	case herr == nil:
		rec := d.complete(runCtx, key, token, ev, models.StatusSucceeded, "", log)
		d.logger.InfoContext(ctx, "event processed", log...)
		return Result{Outcome: OutcomeSucceeded, Record: rec}

	case IsPermanent(herr):
		d.logger.ErrorContext(ctx, "event rejected by handler", append(log, logging.Error(herr))...)
		rec := d.complete(runCtx, key, token, ev, models.StatusRejected, herr.Error(), log)
		d.writeDeadLetter(runCtx, ev, herr, DeadLetterRejected, log)
		return Result{Outcome: OutcomeRejected, Record: rec, Err: herr}

	default:
		policy := h.FailurePolicy()
		d.logger.ErrorContext(ctx, "event handler failed",
			append(log, logging.Error(herr), logging.Policy(policy.String()))...)

		var rec *models.ProcessedEventRecord
		if policy == BlockRetries {
			rec = d.complete(runCtx, key, token, ev, models.StatusFailed, herr.Error(), log)
		} else {
			sctx, cancel := database.StoreContext(runCtx, d.cfg.StoreTimeout)
			err := d.store.Release(sctx, key, token)
			cancel()
			switch {
			case errors.Is(err, ErrClaimLost):
				d.logger.WarnContext(ctx, "event claim was taken over before release", log...)
			case err != nil:
				d.logger.WarnContext(ctx, "failed to release event claim; it will expire with its lease",
					append(log, logging.Error(err))...)
			}
		}
		d.writeDeadLetter(runCtx, ev, herr, DeadLetterHandlerFailed, log)
		return Result{Outcome: OutcomeFailed, Record: rec, Err: herr}
	}
}

func (d *Dispatcher) run(ctx context.Context, h Handler, ev *models.VerifiedEvent) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// awaitTerminal polls a claim held by another delivery until it turns
// terminal. It returns nil when the claim is released, the wait runs out or
// the store fails.
func (d *Dispatcher) awaitTerminal(ctx context.Context, key models.EventKey) *models.ProcessedEventRecord {
	if d.cfg.ClaimWait < 0 {
		return nil
	}
	deadline := time.NewTimer(d.cfg.ClaimWait)
	defer deadline.Stop()
	tick := time.NewTicker(claimPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-tick.C:
		}

		sctx, cancel := database.StoreContext(ctx, d.cfg.StoreTimeout)
		rec, err := d.store.Get(sctx, key)
		cancel()
		if err != nil {
			return nil
		}
		if rec.Status.Terminal() {
			return rec
		}
	}
}

func (d *Dispatcher) complete(ctx context.Context, key models.EventKey, token string, ev *models.VerifiedEvent, status models.RecordStatus, errMsg string, log []any) *models.ProcessedEventRecord {
	sctx, cancel := database.StoreContext(ctx, d.cfg.StoreTimeout)
	defer cancel()

	err := d.store.Complete(sctx, key, token, status, errMsg, d.cfg.Retention)
	if errors.Is(err, ErrClaimLost) {
		d.logger.ErrorContext(ctx, "event claim was taken over before completion",
			append(log, "status", string(status))...)
		return nil
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to record event completion; claim will expire with its lease",
			append(log, "status", string(status), logging.Error(err))...)
		return nil
	}
	return newRecord(key, ev.EventType, status, time.Now(), d.cfg.Retention, errMsg)
}

func (d *Dispatcher) writeDeadLetter(ctx context.Context, ev *models.VerifiedEvent, herr error, reason string, log []any) {
	if d.deadLetter == nil {
		return
	}
	if err := d.deadLetter.Write(ctx, ev, herr, reason); err != nil {
		d.logger.WarnContext(ctx, "dead-letter write failed", append(log, logging.Error(err))...)
	}
}

// Lookup returns the stored record for key.
func (d *Dispatcher) Lookup(ctx context.Context, key models.EventKey) (*models.ProcessedEventRecord, error) {
	rec, err := d.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, err
}
