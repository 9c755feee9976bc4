package inventory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	pool := testutil.Postgres(t)
	store := NewPostgresStore(pool)
	ctx := context.Background()

	t.Run("dallas scenario", func(t *testing.T) {
		n := &recordingNotifier{}
		l := New(store, n, Config{StoreTimeout: 5 * time.Second}, logging.Discard())

		_, err := l.Provision(ctx, dallasGA, 200, 198, false)
		require.NoError(t, err)

		res, err := l.TryDecrement(ctx, dallasGA, 3, "pg_a")
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, 2, res.Available)

		res, err = l.TryDecrement(ctx, dallasGA, 2, "pg_b")
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, 0, res.AvailableAfter)
		assert.Equal(t, []int{0}, n.thresholds())

		res, err = l.TryDecrement(ctx, dallasGA, 2, "pg_b")
		require.NoError(t, err)
		assert.True(t, res.Replayed)

		_, err = l.TryDecrement(ctx, dallasGA, 1, "pg_b")
		assert.ErrorIs(t, err, ErrTokenConflict)
	})

	t.Run("no oversell under concurrency", func(t *testing.T) {
		key := ResourceKey{ResourceID: "pg-race", Tier: "ga"}
		seed(t, store, key, 1)

		var wins, zero atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := store.Decrement(ctx, key, 1, fmt.Sprintf("race_%d", i))
				if err != nil {
					return
				}
				if res.OK {
					wins.Add(1)
				} else if res.Available == 0 {
					zero.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(49), zero.Load())
	})

	t.Run("milestone set if lower", func(t *testing.T) {
		key := ResourceKey{ResourceID: "pg-ms", Tier: "ga"}
		seed(t, store, key, 10)

		prev, ok, err := store.AdvanceMilestone(ctx, key, 5)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, NoMilestone, prev)

		_, ok, err = store.AdvanceMilestone(ctx, key, 10)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reset cascades tokens", func(t *testing.T) {
		key := ResourceKey{ResourceID: "pg-reset", Tier: "ga"}
		seed(t, store, key, 3)
		_, err := store.Decrement(ctx, key, 1, "tok")
		require.NoError(t, err)

		require.NoError(t, store.Reset(ctx, key))
		assert.ErrorIs(t, store.Reset(ctx, key), ErrUnknownResource)

		var n int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM inventory_decrements WHERE resource_id = $1`, key.ResourceID).Scan(&n))
		assert.Zero(t, n)
	})

	t.Run("re-provision keeps sold count", func(t *testing.T) {
		key := ResourceKey{ResourceID: "pg-reprov", Tier: "ga"}
		l := New(store, nil, Config{StoreTimeout: 5 * time.Second}, logging.Discard())

		_, err := l.Provision(ctx, key, 10, 0, false)
		require.NoError(t, err)
		_, err = l.TryDecrement(ctx, key, 4, "pg_reprov")
		require.NoError(t, err)

		rec, err := l.Provision(ctx, key, 12, 0, false)
		require.NoError(t, err)
		assert.Equal(t, 4, rec.ReservedOrSold)
		assert.Equal(t, 8, rec.Available())

		_, err = l.Provision(ctx, key, 3, 0, false)
		assert.ErrorIs(t, err, ErrCapacityBelowSold)

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 12, got.TotalCapacity)
		assert.Equal(t, 4, got.ReservedOrSold)
	})

	t.Run("list", func(t *testing.T) {
		recs, err := store.List(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, recs)
	})
}
