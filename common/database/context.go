package database

import (
	"context"
	"errors"
	"time"
)

// Standard timeout durations for backing-store operations.
const (
	// DefaultStoreTimeout bounds every hot-path call to Redis or Postgres.
	// A call that runs past it is treated as store-unavailable.
	DefaultStoreTimeout = 250 * time.Millisecond

	// DefaultAdminTimeout is the timeout for operator actions (provision, reset).
	DefaultAdminTimeout = 5 * time.Second

	// DefaultMigrationTimeout bounds schema migrations at startup.
	DefaultMigrationTimeout = 60 * time.Second
)

// StoreContext creates a context bounded by timeout, or DefaultStoreTimeout
// when timeout is not positive.
func StoreContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(parent, timeout)
}

// AdminContext creates a context with DefaultAdminTimeout.
func AdminContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultAdminTimeout)
}

// IsTimeout reports whether err came from a deadline or cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
