package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownResource means no capacity was provisioned for the key.
	ErrUnknownResource = errors.New("unknown inventory resource")

	// ErrTokenConflict means the idempotency token was already applied
	// with a different quantity.
	ErrTokenConflict = errors.New("idempotency token reused with a different quantity")

	// ErrStoreUnavailable wraps backing-store failures and timeouts. It is
	// retryable and never means sold out.
	ErrStoreUnavailable = errors.New("inventory store unavailable")

	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrMissingToken    = errors.New("idempotency token is required")
	ErrInvalidCapacity = errors.New("reserved or sold must be between 0 and capacity")

	// ErrCapacityBelowSold refuses shrinking capacity under what was
	// already sold.
	ErrCapacityBelowSold = errors.New("capacity is below the quantity already sold")
)

// ResourceKey identifies a sellable capacity bucket.
type ResourceKey struct {
	ResourceID string `json:"resource_id" yaml:"resource_id"`
	Tier       string `json:"tier" yaml:"tier"`
}

func (k ResourceKey) String() string {
	return k.ResourceID + "/" + k.Tier
}

// Validate reports whether both parts are set.
func (k ResourceKey) Validate() error {
	if k.ResourceID == "" || k.Tier == "" {
		return errors.New("resource id and tier are required")
	}
	return nil
}

// NoMilestone is the LastMilestone of a record that has notified nothing.
const NoMilestone = -1

// Record is the stored state of one resource.
type Record struct {
	Key            ResourceKey `json:"key"`
	TotalCapacity  int         `json:"total_capacity"`
	ReservedOrSold int         `json:"reserved_or_sold"`
	LastMilestone  int         `json:"last_milestone"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Available is the remaining sellable quantity.
func (r Record) Available() int {
	return r.TotalCapacity - r.ReservedOrSold
}

// Reason explains a refused decrement.
type Reason string

const ReasonInsufficient Reason = "insufficient"

// Result is the outcome of TryDecrement.
type Result struct {
	OK bool `json:"ok"`

	// AvailableAfter is set when OK.
	AvailableAfter int `json:"available_after"`

	// Available is the quantity on hand when the decrement was refused, or
	// AvailableAfter when it succeeded.
	Available int    `json:"available"`
	Reason    Reason `json:"reason,omitempty"`

	// Replayed is set when the token had already been applied and the stored
	// result was returned.
	Replayed bool `json:"replayed"`
}

// ProvisionFunc derives the record to store from the current one, which is
// nil for a key that was never provisioned. Its error aborts the update.
type ProvisionFunc func(current *Record) (Record, error)

// Store persists inventory. Decrement and AdvanceMilestone are each a
// single atomic step against the backing store.
type Store interface {
	// Decrement subtracts quantity when enough is available and records
	// token with the result. A token seen before returns the stored result.
	Decrement(ctx context.Context, key ResourceKey, quantity int, token string) (Result, error)

	// AdvanceMilestone lowers LastMilestone to threshold if it has not
	// already reached it, returning the previous value.
	AdvanceMilestone(ctx context.Context, key ResourceKey, threshold int) (previous int, advanced bool, err error)

	Get(ctx context.Context, key ResourceKey) (*Record, error)
	List(ctx context.Context) ([]Record, error)

	// Provision stores the record fn derives from the current one, as one
	// step with respect to Decrement. Recorded tokens are kept.
	Provision(ctx context.Context, key ResourceKey, fn ProvisionFunc) (*Record, error)

	// Reset deletes a record and its tokens.
	Reset(ctx context.Context, key ResourceKey) error
}
