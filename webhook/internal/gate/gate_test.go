package gate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

const testSecret = "whsec_test"

var testNow = time.Unix(1_760_000_000, 0)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestGate(t *testing.T, cache ReplayCache, now *time.Time) *Gate {
	t.Helper()
	g, err := New(Config{
		Sources: map[models.Source]SourceConfig{
			models.SourceStripe:       {Secret: testSecret, Scheme: models.SchemeTimestamped},
			models.SourceLemonSqueezy: {Secret: testSecret, Scheme: models.SchemeBody},
		},
		Tolerance: 5 * time.Minute,
		ReplayTTL: 10 * time.Minute,
	}, cache, logging.Discard(), WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return g
}

func stripeEnvelope(body []byte, ts time.Time) *models.WebhookEnvelope {
	sig := Sign(models.SchemeTimestamped, testSecret, body, ts)
	return models.NewEnvelope(models.SourceStripe, body, sig, ts)
}

func TestNew_ReplayTTLMustExceedTolerance(t *testing.T) {
	_, err := New(Config{Tolerance: 5 * time.Minute, ReplayTTL: 5 * time.Minute}, NewMemoryReplayCache(), logging.Discard())
	require.Error(t, err)

	_, err = New(Config{Tolerance: 5 * time.Minute, ReplayTTL: 6 * time.Minute}, NewMemoryReplayCache(), logging.Discard())
	require.NoError(t, err)
}

func TestNew_RequiresCache(t *testing.T) {
	_, err := New(Config{}, nil, logging.Discard())
	require.Error(t, err)
}

func TestNew_UnknownScheme(t *testing.T) {
	_, err := New(Config{Sources: map[models.Source]SourceConfig{
		"acme": {Secret: "s", Scheme: "rot13"},
	}}, NewMemoryReplayCache(), logging.Discard())
	require.Error(t, err)
}

func TestVerify_AcceptsThenRejectsReplay(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)
	ctx := context.Background()

	body := []byte(`{"id":"evt_1"}`)
	env := stripeEnvelope(body, now)

	ev, err := g.Verify(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, models.SourceStripe, ev.Source)
	assert.NotEmpty(t, ev.Fingerprint)

	now = now.Add(2 * time.Second)
	_, err = g.Verify(ctx, models.NewEnvelope(env.Source, env.RawBody, env.SignatureHeader, now))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplay))

	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, r.HTTPStatus())
}

func TestVerify_TamperedBodyRejected(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)
	ctx := context.Background()

	body := []byte(`{"id":"evt_2","type":"checkout.session.completed"}`)
	sig := Sign(models.SchemeTimestamped, testSecret, body, now)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		_, err := g.Verify(ctx, models.NewEnvelope(models.SourceStripe, tampered, sig, now))
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, ErrSignatureMismatch), "byte %d: %v", i, err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)

	body := []byte(`{"id":"evt_3"}`)
	sig := Sign(models.SchemeTimestamped, "whsec_other", body, now)
	_, err := g.Verify(context.Background(), models.NewEnvelope(models.SourceStripe, body, sig, now))
	assert.True(t, errors.Is(err, ErrSignatureMismatch))

	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, r.HTTPStatus())
	assert.NotContains(t, err.Error(), testSecret)
}

func TestVerify_Tolerance(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"fresh", 0, true},
		{"just inside past", -4*time.Minute - 59*time.Second, true},
		{"too old", -5*time.Minute - time.Second, false},
		{"future within", 4 * time.Minute, true},
		{"too far future", 6 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := testNow
			g := newTestGate(t, NewMemoryReplayCache(), &now)

			body := []byte(`{"id":"evt_tol"}`)
			_, err := g.Verify(context.Background(), stripeEnvelope(body, now.Add(tt.offset)))
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrTimestampOutOfTolerance))
		})
	}
}

func TestVerify_HeaderProblems(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)
	body := []byte(`{"id":"evt_4"}`)

	tests := []struct {
		name   string
		source models.Source
		header string
		want   error
	}{
		{"missing", models.SourceStripe, "", ErrMissingSignature},
		{"no timestamp", models.SourceStripe, "v1=abcd", ErrBadFormat},
		{"bad timestamp", models.SourceStripe, "t=soon,v1=abcd", ErrBadFormat},
		{"no v1", models.SourceStripe, "t=1760000000", ErrBadFormat},
		{"garbage element", models.SourceStripe, "garbage", ErrBadFormat},
		{"body scheme not hex", models.SourceLemonSqueezy, "zzzz", ErrBadFormat},
		{"unknown source", "paddle", "t=1,v1=ab", ErrSecretNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Verify(context.Background(), models.NewEnvelope(tt.source, body, tt.header, now))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestVerify_BodyScheme(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)

	body := []byte(`{"meta":{"event_name":"order_created","custom_data":{"resource_id":"dallas","tier":"ga","quantity":2}},"data":{"id":"1001","type":"orders"}}`)
	sig := Sign(models.SchemeBody, testSecret, body, time.Time{})

	ev, err := g.Verify(context.Background(), models.NewEnvelope(models.SourceLemonSqueezy, body, "sha256="+sig, now))
	require.NoError(t, err)
	assert.Equal(t, "order_created", ev.EventType)
	assert.Equal(t, "dallas", ev.Metadata["resource_id"])
	assert.Equal(t, "2", ev.Metadata["quantity"])
	assert.Equal(t, "sig_"+ev.Fingerprint, ev.EventID)
	assert.Equal(t, now, ev.EventTimestamp)
}

func TestVerify_StripePayload(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)

	body := []byte(`{"id":"evt_9","type":"checkout.session.completed","created":1760000000,"livemode":true,
		"data":{"object":{"id":"cs_1","metadata":{"resource_id":"dallas","tier":"ga"}}}}`)

	ev, err := g.Verify(context.Background(), stripeEnvelope(body, now))
	require.NoError(t, err)
	assert.Equal(t, "checkout.session.completed", ev.EventType)
	assert.True(t, ev.Livemode)
	assert.Equal(t, time.Unix(1760000000, 0), ev.EventTimestamp)
	assert.JSONEq(t, `{"id":"cs_1","metadata":{"resource_id":"dallas","tier":"ga"}}`, string(ev.Payload))
	assert.Equal(t, map[string]string{"resource_id": "dallas", "tier": "ga"}, ev.Metadata)
}

func TestVerify_NonJSONBody(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)

	_, err := g.Verify(context.Background(), stripeEnvelope([]byte("not json"), now))
	assert.True(t, errors.Is(err, ErrBadFormat))
}

func TestVerify_SecretRotation(t *testing.T) {
	now := testNow
	g, err := New(Config{
		Sources: map[models.Source]SourceConfig{
			models.SourceStripe: {Secret: "whsec_new", PreviousSecret: testSecret, Scheme: models.SchemeTimestamped},
		},
	}, NewMemoryReplayCache(), logging.Discard(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = g.Verify(context.Background(), stripeEnvelope([]byte(`{"id":"evt_old"}`), now))
	require.NoError(t, err)

	body := []byte(`{"id":"evt_new"}`)
	sig := Sign(models.SchemeTimestamped, "whsec_new", body, now)
	_, err = g.Verify(context.Background(), models.NewEnvelope(models.SourceStripe, body, sig, now))
	require.NoError(t, err)
}

func TestVerify_ConcurrentReplaySingleWinner(t *testing.T) {
	_, client := setupTestRedis(t)
	now := testNow
	g := newTestGate(t, NewRedisReplayCache(client), &now)

	env := stripeEnvelope([]byte(`{"id":"evt_race"}`), now)

	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Verify(context.Background(), env)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrReplay):
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(19), replayed.Load())
}

func TestRelease_AllowsRedelivery(t *testing.T) {
	now := testNow
	g := newTestGate(t, NewMemoryReplayCache(), &now)
	ctx := context.Background()

	env := stripeEnvelope([]byte(`{"id":"evt_retry"}`), now)
	ev, err := g.Verify(ctx, env)
	require.NoError(t, err)

	g.Release(ctx, ev)

	_, err = g.Verify(ctx, env)
	require.NoError(t, err)
}

func TestVerify_ReplayCacheDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	now := testNow
	g := newTestGate(t, NewRedisReplayCache(client), &now)
	mr.Close()

	_, err := g.Verify(context.Background(), stripeEnvelope([]byte(`{"id":"evt_down"}`), now))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplayCacheUnavailable))
	_, isRejection := AsRejection(err)
	assert.False(t, isRejection)
}

func TestRedisReplayCache_Expiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache := NewRedisReplayCache(client)
	ctx := context.Background()

	ok, err := cache.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = cache.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryReplayCache_Expiry(t *testing.T) {
	now := testNow
	cache := NewMemoryReplayCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := cache.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = cache.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	cache.Sweep()
	assert.Empty(t, cache.entries)

	ok, _ = cache.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}
