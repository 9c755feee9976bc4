package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk/boxoffice/common/logging"
)

var dallasGA = ResourceKey{ResourceID: "dallas", Tier: "ga"}

type recordingNotifier struct {
	mu         sync.Mutex
	milestones []MilestoneNotice
	oversells  []OversellAlert
}

func (n *recordingNotifier) Milestone(_ context.Context, m MilestoneNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.milestones = append(n.milestones, m)
	return nil
}

func (n *recordingNotifier) Oversell(_ context.Context, a OversellAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.oversells = append(n.oversells, a)
	return nil
}

func (n *recordingNotifier) thresholds() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, 0, len(n.milestones))
	for _, m := range n.milestones {
		out = append(out, m.Threshold)
	}
	return out
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			_, client := setupTestRedis(t)
			return NewRedisStore(client)
		},
	}
}

// seed provisions key directly on the store with nothing sold.
func seed(t *testing.T, store Store, key ResourceKey, capacity int) {
	t.Helper()
	_, err := store.Provision(context.Background(), key, func(*Record) (Record, error) {
		return Record{TotalCapacity: capacity, LastMilestone: NoMilestone, UpdatedAt: time.Now()}, nil
	})
	require.NoError(t, err)
}

func newLedger(store Store, n Notifier) *Ledger {
	return New(store, n, Config{StoreTimeout: 5 * time.Second}, logging.Discard())
}

func TestTryDecrement_DallasScenario(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n := &recordingNotifier{}
			l := newLedger(mk(), n)
			ctx := context.Background()

			_, err := l.Provision(ctx, dallasGA, 200, 198, false)
			require.NoError(t, err)

			res, err := l.TryDecrement(ctx, dallasGA, 3, "cs_a")
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, 2, res.Available)
			assert.Equal(t, ReasonInsufficient, res.Reason)

			res, err = l.TryDecrement(ctx, dallasGA, 2, "cs_b")
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, 0, res.AvailableAfter)

			assert.Equal(t, []int{0}, n.thresholds())
			require.Len(t, n.oversells, 1)
			assert.Equal(t, OversellAlert{Key: dallasGA, Requested: 3, Available: 2, Token: "cs_a", At: n.oversells[0].At}, n.oversells[0])

			// Retrying the same sale changes nothing and fires nothing.
			res, err = l.TryDecrement(ctx, dallasGA, 2, "cs_b")
			require.NoError(t, err)
			assert.True(t, res.Replayed)
			assert.Equal(t, []int{0}, n.thresholds())
		})
	}
}

func TestTryDecrement_NoOversellUnderConcurrency(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := newLedger(mk(), nil)
			ctx := context.Background()
			key := ResourceKey{ResourceID: "austin", Tier: "vip"}

			_, err := l.Provision(ctx, key, 1, 0, false)
			require.NoError(t, err)

			var mu sync.Mutex
			var wins, zero int
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := l.store.Decrement(ctx, key, 1, fmt.Sprintf("tok_%d", i))
					if err != nil {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if res.OK {
						wins++
					} else if res.Available == 0 {
						zero++
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			assert.Equal(t, 49, zero)

			rec, err := l.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 0, rec.Available())
		})
	}
}

func TestTryDecrement_TokenIdempotency(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := newLedger(mk(), nil)
			ctx := context.Background()
			_, err := l.Provision(ctx, dallasGA, 100, 0, false)
			require.NoError(t, err)

			first, err := l.TryDecrement(ctx, dallasGA, 4, "cs_same")
			require.NoError(t, err)
			second, err := l.TryDecrement(ctx, dallasGA, 4, "cs_same")
			require.NoError(t, err)

			assert.Equal(t, first.AvailableAfter, second.AvailableAfter)
			assert.Equal(t, 96, second.AvailableAfter)
			assert.False(t, first.Replayed)
			assert.True(t, second.Replayed)

			rec, err := l.Get(ctx, dallasGA)
			require.NoError(t, err)
			assert.Equal(t, 4, rec.ReservedOrSold)

			_, err = l.TryDecrement(ctx, dallasGA, 5, "cs_same")
			assert.ErrorIs(t, err, ErrTokenConflict)
		})
	}
}

func TestTryDecrement_BurstCrossesSeveralThresholds(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n := &recordingNotifier{}
			l := newLedger(mk(), n)
			ctx := context.Background()
			_, err := l.Provision(ctx, dallasGA, 30, 0, false)
			require.NoError(t, err)

			// 30 -> 8 crosses 25, 15 and 10 in one step.
			res, err := l.TryDecrement(ctx, dallasGA, 22, "bulk_1")
			require.NoError(t, err)
			require.True(t, res.OK)
			assert.Equal(t, []int{25, 15, 10}, n.thresholds())

			// 8 -> 7 crosses nothing new.
			_, err = l.TryDecrement(ctx, dallasGA, 1, "one_1")
			require.NoError(t, err)
			assert.Equal(t, []int{25, 15, 10}, n.thresholds())

			// 7 -> 0 crosses 5, 2 and 0.
			_, err = l.TryDecrement(ctx, dallasGA, 7, "bulk_2")
			require.NoError(t, err)
			assert.Equal(t, []int{25, 15, 10, 5, 2, 0}, n.thresholds())
		})
	}
}

func TestTryDecrement_ConcurrentMilestonesFireOnce(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n := &recordingNotifier{}
			l := newLedger(mk(), n)
			ctx := context.Background()
			_, err := l.Provision(ctx, dallasGA, 40, 0, false)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = l.TryDecrement(ctx, dallasGA, 1, fmt.Sprintf("c_%d", i))
				}(i)
			}
			wg.Wait()

			rec, err := l.Get(ctx, dallasGA)
			require.NoError(t, err)
			require.Equal(t, 0, rec.Available())

			counts := map[int]int{}
			for _, th := range n.thresholds() {
				counts[th]++
			}
			assert.Equal(t, map[int]int{25: 1, 15: 1, 10: 1, 5: 1, 2: 1, 0: 1}, counts)
		})
	}
}

func TestTryDecrement_Validation(t *testing.T) {
	l := newLedger(NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.TryDecrement(ctx, dallasGA, 1, "t")
	assert.ErrorIs(t, err, ErrUnknownResource)

	_, err = l.TryDecrement(ctx, dallasGA, 0, "t")
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = l.TryDecrement(ctx, dallasGA, 1, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = l.TryDecrement(ctx, ResourceKey{ResourceID: "dallas"}, 1, "t")
	assert.Error(t, err)
}

func TestTryDecrement_StoreUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := newLedger(NewRedisStore(client), nil)
	ctx := context.Background()
	_, err := l.Provision(ctx, dallasGA, 10, 0, false)
	require.NoError(t, err)
	mr.Close()

	_, err = l.TryDecrement(ctx, dallasGA, 1, "t")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrUnknownResource)
}

func TestTryDecrement_OversellLoggedCritical(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewMemoryStore(), nil, Config{}, logging.NewWithWriter(&buf, -4, "json"))
	ctx := context.Background()
	_, err := l.Provision(ctx, dallasGA, 1, 1, false)
	require.NoError(t, err)

	res, err := l.TryDecrement(ctx, dallasGA, 1, "cs_late")
	require.NoError(t, err)
	assert.False(t, res.OK)

	out := buf.String()
	assert.Contains(t, out, `"severity":"critical"`)
	assert.Contains(t, out, `"idempotency_token":"cs_late"`)
	assert.Contains(t, out, `"resource_id":"dallas"`)
}

func TestTryDecrement_UnprovisionedLoggedCritical(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewMemoryStore(), nil, Config{}, logging.NewWithWriter(&buf, -4, "json"))

	_, err := l.TryDecrement(context.Background(), ResourceKey{ResourceID: "austin", Tier: "vip"}, 1, "cs_lost")
	require.ErrorIs(t, err, ErrUnknownResource)

	out := buf.String()
	assert.Contains(t, out, `"severity":"critical"`)
	assert.Contains(t, out, `"idempotency_token":"cs_lost"`)
	assert.Contains(t, out, `"resource_id":"austin"`)
}

func TestCheckAvailability(t *testing.T) {
	l := newLedger(NewMemoryStore(), nil)
	ctx := context.Background()
	_, err := l.Provision(ctx, dallasGA, 10, 7, false)
	require.NoError(t, err)

	a, err := l.CheckAvailability(ctx, dallasGA, 3)
	require.NoError(t, err)
	assert.True(t, a.CanFulfill)
	assert.Equal(t, 3, a.Available)

	a, err = l.CheckAvailability(ctx, dallasGA, 4)
	require.NoError(t, err)
	assert.False(t, a.CanFulfill)

	rec, err := l.Get(ctx, dallasGA)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.ReservedOrSold, "availability check must not decrement")

	_, err = l.CheckAvailability(ctx, ResourceKey{ResourceID: "x", Tier: "y"}, 1)
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestProvisionAndReset(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := newLedger(mk(), nil)
			ctx := context.Background()

			_, err := l.Provision(ctx, dallasGA, 5, 6, false)
			assert.ErrorIs(t, err, ErrInvalidCapacity)

			rec, err := l.Provision(ctx, dallasGA, 200, 198, false)
			require.NoError(t, err)
			assert.Equal(t, 2, rec.LastMilestone)

			rec, err = l.Provision(ctx, dallasGA, 100, 0, true)
			require.NoError(t, err)
			assert.Equal(t, NoMilestone, rec.LastMilestone)

			_, err = l.TryDecrement(ctx, dallasGA, 1, "cs_1")
			require.NoError(t, err)

			recs, err := l.List(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, dallasGA, recs[0].Key)
			assert.Equal(t, 99, recs[0].Available())

			require.NoError(t, l.Reset(ctx, dallasGA))
			_, err = l.Get(ctx, dallasGA)
			assert.ErrorIs(t, err, ErrUnknownResource)
			assert.ErrorIs(t, l.Reset(ctx, dallasGA), ErrUnknownResource)

			// Tokens went with the record.
			_, err = l.Provision(ctx, dallasGA, 10, 0, false)
			require.NoError(t, err)
			res, err := l.TryDecrement(ctx, dallasGA, 1, "cs_1")
			require.NoError(t, err)
			assert.False(t, res.Replayed)
			assert.Equal(t, 9, res.AvailableAfter)
		})
	}
}

func TestProvision_KeepsSoldCount(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n := &recordingNotifier{}
			l := newLedger(mk(), n)
			ctx := context.Background()

			_, err := l.Provision(ctx, dallasGA, 30, 0, false)
			require.NoError(t, err)
			for i := 0; i < 20; i++ {
				_, err := l.TryDecrement(ctx, dallasGA, 1, fmt.Sprintf("cs_%d", i))
				require.NoError(t, err)
			}

			// Re-running the same provisioning file after sales started.
			rec, err := l.Provision(ctx, dallasGA, 30, 0, false)
			require.NoError(t, err)
			assert.Equal(t, 20, rec.ReservedOrSold)
			assert.Equal(t, 10, rec.Available())

			rec, err = l.Provision(ctx, dallasGA, 40, 25, false)
			require.NoError(t, err)
			assert.Equal(t, 25, rec.ReservedOrSold, "a higher sold count is taken")

			_, err = l.Provision(ctx, dallasGA, 24, 0, false)
			assert.ErrorIs(t, err, ErrCapacityBelowSold)

			got, err := l.Get(ctx, dallasGA)
			require.NoError(t, err)
			assert.Equal(t, 40, got.TotalCapacity)
			assert.Equal(t, 25, got.ReservedOrSold)

			rec, err = l.Provision(ctx, dallasGA, 24, 0, true)
			require.NoError(t, err)
			assert.Equal(t, 0, rec.ReservedOrSold)
			assert.Equal(t, 24, rec.Available())
		})
	}
}

func TestThresholds(t *testing.T) {
	th := NewThresholds([]int{0, 5, 25, 5, -1, 2, 15, 10})
	assert.Equal(t, Thresholds{25, 15, 10, 5, 2, 0}, th)

	level, ok := th.Lowest(3)
	assert.True(t, ok)
	assert.Equal(t, 5, level)

	_, ok = th.Lowest(26)
	assert.False(t, ok)

	assert.Equal(t, []int{25, 15, 10, 5}, th.Between(5, NoMilestone))
	assert.Equal(t, []int{2, 0}, th.Between(0, 5))
	assert.Empty(t, th.Between(5, 5))

	assert.Equal(t, 2, th.Initial(2))
	assert.Equal(t, NoMilestone, th.Initial(100))
}

func TestAdvanceMilestone_SetIfLower(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := mk()
			ctx := context.Background()
			seed(t, store, dallasGA, 10)

			prev, ok, err := store.AdvanceMilestone(ctx, dallasGA, 5)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, NoMilestone, prev)

			prev, ok, err = store.AdvanceMilestone(ctx, dallasGA, 5)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, 5, prev)

			prev, ok, err = store.AdvanceMilestone(ctx, dallasGA, 0)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 5, prev)

			_, _, err = store.AdvanceMilestone(ctx, ResourceKey{ResourceID: "a", Tier: "b"}, 0)
			assert.True(t, errors.Is(err, ErrUnknownResource))
		})
	}
}
