package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
)

// slidingWindow prunes, records, counts and refreshes the TTL in one atomic
// step. The attempt is recorded whether or not it is admitted.
// Returns {count, oldestScoreMs}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, member)
local count = redis.call('ZCARD', key)
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
	oldestScore = tonumber(oldest[2])
end
return {count, oldestScore}
`)

// RedisLimiter keeps each key's window in a Redis sorted set shared by all
// instances.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	opts     options
	streaks  *streakTracker
	degraded rate.Sometimes
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client, opts ...Option) *RedisLimiter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisLimiter{
		client:   client,
		prefix:   "boxoffice:ratelimit:",
		opts:     o,
		streaks:  newStreakTracker(o.sustainedThreshold),
		degraded: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, key string, p Policy) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.opts.now()
	sctx, cancel := database.StoreContext(ctx, l.opts.storeTimeout)
	defer cancel()

	res, err := slidingWindow.Run(sctx, l.client,
		[]string{l.prefix + p.Name + ":" + key},
		now.UnixMilli(), p.Window.Milliseconds(), uuid.NewString(),
	).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	if err != nil {
		return l.failOpen(ctx, key, p, now, err), nil
	}

	d := withRetryAfter(decide(res[0], time.UnixMilli(res[1]), p), now)
	observe(ctx, &l.opts, l.streaks, key, p, d)
	return d, nil
}

func (l *RedisLimiter) failOpen(ctx context.Context, key string, p Policy, now time.Time, err error) Decision {
	metrics.RateLimitDegraded.WithLabelValues(p.Name).Inc()
	l.degraded.Do(func() {
		l.opts.logger.WarnContext(ctx, "rate limit store unavailable, admitting request",
			logging.Key(key), logging.Policy(p.Name), logging.Error(err),
			"timeout", database.IsTimeout(err))
	})
	return Decision{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests,
		ResetAt:   now.Add(p.Window),
		Degraded:  true,
	}
}

// Close implements Limiter. The Redis client is owned by the caller.
func (l *RedisLimiter) Close() error {
	return nil
}
