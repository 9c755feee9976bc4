// Package inventory is the ledger of sellable capacity. It refuses any
// decrement that would sell more than was provisioned and reports every
// such refusal at fulfillment time as an oversell.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
)

// MilestoneNotice announces that a resource reached a remaining-quantity level.
type MilestoneNotice struct {
	Key            ResourceKey `json:"key"`
	Threshold      int         `json:"threshold"`
	AvailableAfter int         `json:"available_after"`
	At             time.Time   `json:"at"`
}

// OversellAlert reports a paid order that could not be fulfilled.
type OversellAlert struct {
	Key       ResourceKey `json:"key"`
	Requested int         `json:"requested"`
	Available int         `json:"available"`
	Token     string      `json:"token"`
	At        time.Time   `json:"at"`
}

// Notifier receives ledger notices. Implementations should not block.
type Notifier interface {
	Milestone(ctx context.Context, n MilestoneNotice) error
	Oversell(ctx context.Context, a OversellAlert) error
}

// Availability is the read-only pre-flight answer.
type Availability struct {
	Key        ResourceKey `json:"key"`
	Capacity   int         `json:"capacity"`
	Available  int         `json:"available"`
	Requested  int         `json:"requested"`
	CanFulfill bool        `json:"can_fulfill"`
}

// Config configures a Ledger.
type Config struct {
	Thresholds   []int
	StoreTimeout time.Duration
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store        Store
	notifier     Notifier
	thresholds   Thresholds
	storeTimeout time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

// New creates a Ledger. A nil Thresholds uses DefaultThresholds.
func New(store Store, notifier Notifier, cfg Config, logger *logging.Logger) *Ledger {
	levels := cfg.Thresholds
	if levels == nil {
		levels = DefaultThresholds
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		store:        store,
		notifier:     notifier,
		thresholds:   NewThresholds(levels),
		storeTimeout: cfg.StoreTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// TryDecrement atomically takes quantity from key. A refusal is reported as
// Result{OK: false} with a nil error; errors are reserved for unknown
// resources, token conflicts and store failures.
func (l *Ledger) TryDecrement(ctx context.Context, key ResourceKey, quantity int, token string) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	if quantity <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	if token == "" {
		return Result{}, ErrMissingToken
	}

	log := []any{
		logging.Resource(key.ResourceID),
		logging.Tier(key.Tier),
		logging.Quantity(quantity),
		logging.Token(token),
	}

	sctx, cancel := database.StoreContext(ctx, l.storeTimeout)
	res, err := l.store.Decrement(sctx, key, quantity, token)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownResource):
			metrics.InventoryDecrements.WithLabelValues("unknown_resource").Inc()
			l.logger.CriticalContext(ctx, "paid order for unprovisioned inventory", append(log, logging.Error(err))...)
			return Result{}, err
		case errors.Is(err, ErrTokenConflict):
			metrics.InventoryDecrements.WithLabelValues("error").Inc()
			l.logger.WarnContext(ctx, "decrement refused", append(log, logging.Error(err))...)
			return Result{}, err
		}
		metrics.InventoryDecrements.WithLabelValues("unavailable").Inc()
		l.logger.ErrorContext(ctx, "inventory store unavailable", append(log, logging.Error(err))...)
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch {
	case res.Replayed:
		metrics.InventoryDecrements.WithLabelValues("replayed").Inc()
		l.logger.InfoContext(ctx, "decrement already applied", append(log, logging.Available(res.AvailableAfter))...)
	case res.OK:
		metrics.InventoryDecrements.WithLabelValues("ok").Inc()
		l.logger.InfoContext(ctx, "inventory decremented", append(log, logging.Available(res.AvailableAfter))...)
		l.milestones(ctx, key, res.AvailableAfter)
	default:
		res.Reason = ReasonInsufficient
		metrics.InventoryDecrements.WithLabelValues("insufficient").Inc()
		l.oversold(ctx, key, quantity, res.Available, token, log)
	}
	return res, nil
}

func (l *Ledger) oversold(ctx context.Context, key ResourceKey, quantity, available int, token string, log []any) {
	metrics.InventoryOversells.Inc()
	l.logger.CriticalContext(ctx, "OVERSELL: paid order exceeds remaining inventory",
		append(log, "requested", quantity, logging.Available(available))...)

	if l.notifier == nil {
		return
	}
	alert := OversellAlert{Key: key, Requested: quantity, Available: available, Token: token, At: l.now().UTC()}
	if err := l.notifier.Oversell(context.WithoutCancel(ctx), alert); err != nil {
		l.logger.ErrorContext(ctx, "failed to publish oversell alert", append(log, logging.Error(err))...)
	}
}

// milestones fires every threshold reached by this decrement exactly once.
// The store's set-if-lower decides which caller owns each level.
func (l *Ledger) milestones(ctx context.Context, key ResourceKey, availableAfter int) {
	level, ok := l.thresholds.Lowest(availableAfter)
	if !ok {
		return
	}

	sctx, cancel := database.StoreContext(context.WithoutCancel(ctx), l.storeTimeout)
	previous, advanced, err := l.store.AdvanceMilestone(sctx, key, level)
	cancel()
	if err != nil {
		l.logger.WarnContext(ctx, "failed to advance milestone",
			logging.Resource(key.ResourceID), logging.Tier(key.Tier), logging.Error(err))
		return
	}
	if !advanced {
		return
	}

	for _, threshold := range l.thresholds.Between(level, previous) {
		metrics.InventoryMilestones.WithLabelValues(strconv.Itoa(threshold)).Inc()
		l.logger.InfoContext(ctx, "inventory milestone reached",
			logging.Resource(key.ResourceID), logging.Tier(key.Tier),
			"threshold", threshold, logging.Available(availableAfter))

		if l.notifier == nil {
			continue
		}
		notice := MilestoneNotice{Key: key, Threshold: threshold, AvailableAfter: availableAfter, At: l.now().UTC()}
		if err := l.notifier.Milestone(context.WithoutCancel(ctx), notice); err != nil {
			l.logger.WarnContext(ctx, "failed to publish milestone",
				logging.Resource(key.ResourceID), "threshold", threshold, logging.Error(err))
		}
	}
}

// CheckAvailability answers whether quantity could be sold now. The answer
// is advisory: TryDecrement does not rely on it.
func (l *Ledger) CheckAvailability(ctx context.Context, key ResourceKey, quantity int) (Availability, error) {
	if err := key.Validate(); err != nil {
		return Availability{}, err
	}
	if quantity <= 0 {
		return Availability{}, ErrInvalidQuantity
	}

	rec, err := l.Get(ctx, key)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		Key:        key,
		Capacity:   rec.TotalCapacity,
		Available:  rec.Available(),
		Requested:  quantity,
		CanFulfill: rec.Available() >= quantity,
	}, nil
}

// Get returns the current record for key.
func (l *Ledger) Get(ctx context.Context, key ResourceKey) (*Record, error) {
	sctx, cancel := database.StoreContext(ctx, l.storeTimeout)
	defer cancel()

	rec, err := l.store.Get(sctx, key)
	if err != nil {
		if errors.Is(err, ErrUnknownResource) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// List returns every provisioned record.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	actx, cancel := database.AdminContext(ctx)
	defer cancel()

	recs, err := l.store.List(actx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return recs, nil
}

// Provision sets the capacity of key. For a new key reservedOrSold seeds
// the sold count. For an existing key the sold count only rises: the
// stored value is kept unless reservedOrSold is higher, and capacity may
// not drop below it. overwriteSold replaces the stored count outright,
// for correcting a ledger by hand. Milestones already reached by the
// result are marked as notified.
func (l *Ledger) Provision(ctx context.Context, key ResourceKey, capacity, reservedOrSold int, overwriteSold bool) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if capacity < 0 || reservedOrSold < 0 || reservedOrSold > capacity {
		return nil, ErrInvalidCapacity
	}

	var keptSold bool
	update := func(current *Record) (Record, error) {
		rec := Record{
			Key:            key,
			TotalCapacity:  capacity,
			ReservedOrSold: reservedOrSold,
			UpdatedAt:      l.now().UTC(),
		}
		if current != nil && !overwriteSold && current.ReservedOrSold > reservedOrSold {
			if capacity < current.ReservedOrSold {
				return Record{}, fmt.Errorf("%w: %s has %d sold, capacity %d requested",
					ErrCapacityBelowSold, key, current.ReservedOrSold, capacity)
			}
			rec.ReservedOrSold = current.ReservedOrSold
			keptSold = true
		}
		rec.LastMilestone = l.thresholds.Initial(rec.Available())
		return rec, nil
	}

	actx, cancel := database.AdminContext(ctx)
	defer cancel()

	rec, err := l.store.Provision(actx, key, update)
	if err != nil {
		if errors.Is(err, ErrCapacityBelowSold) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	args := []any{
		logging.Resource(key.ResourceID), logging.Tier(key.Tier),
		"capacity", capacity, "reserved_or_sold", rec.ReservedOrSold, logging.Available(rec.Available()),
	}
	if overwriteSold {
		l.logger.WarnContext(ctx, "inventory provisioned with sold count overwritten", args...)
	} else {
		l.logger.InfoContext(ctx, "inventory provisioned", append(args, "kept_sold", keptSold)...)
	}
	return rec, nil
}

// Reset deletes key and its recorded tokens.
func (l *Ledger) Reset(ctx context.Context, key ResourceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	actx, cancel := database.AdminContext(ctx)
	defer cancel()

	if err := l.store.Reset(actx, key); err != nil {
		if errors.Is(err, ErrUnknownResource) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.logger.WarnContext(ctx, "inventory reset", logging.Resource(key.ResourceID), logging.Tier(key.Tier))
	return nil
}
