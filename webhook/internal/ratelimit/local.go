package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LocalLimiter applies the same sliding window as RedisLimiter to an
// in-process map. It is the degraded-mode strategy for single-instance
// deployments and is never mixed with the shared limiter per call.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	opts    options
	streaks *streakTracker
	stop    chan struct{}
	once    sync.Once
}

// NewLocalLimiter creates an in-memory limiter. If janitorInterval is
// positive, idle keys are pruned in the background until Close.
func NewLocalLimiter(janitorInterval time.Duration, opts ...Option) *LocalLimiter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	l := &LocalLimiter{
		buckets: make(map[string][]time.Time),
		opts:    o,
		streaks: newStreakTracker(o.sustainedThreshold),
		stop:    make(chan struct{}),
	}
	if janitorInterval > 0 {
		go l.janitor(janitorInterval)
	}
	return l
}

// Admit implements Limiter.
func (l *LocalLimiter) Admit(ctx context.Context, key string, p Policy) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.opts.now()
	bucketKey := p.Name + ":" + key
	cutoff := now.Add(-p.Window)

	l.mu.Lock()
	entries := l.buckets[bucketKey]
	// Entries are kept sorted; drop everything at or before cutoff.
	i := sort.Search(len(entries), func(i int) bool { return entries[i].After(cutoff) })
	entries = append(entries[:0:0], entries[i:]...)
	entries = insertSorted(entries, now)
	l.buckets[bucketKey] = entries
	count := int64(len(entries))
	oldest := entries[0]
	l.mu.Unlock()

	d := withRetryAfter(decide(count, oldest, p), now)
	observe(ctx, &l.opts, l.streaks, key, p, d)
	return d, nil
}

func insertSorted(entries []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].After(t) })
	entries = append(entries, time.Time{})
	copy(entries[i+1:], entries[i:])
	entries[i] = t
	return entries
}

// Prune removes keys whose newest entry is older than maxIdle.
func (l *LocalLimiter) Prune(maxIdle time.Duration) {
	now := l.opts.now()

	l.mu.Lock()
	for k, entries := range l.buckets {
		if len(entries) == 0 || now.Sub(entries[len(entries)-1]) > maxIdle {
			delete(l.buckets, k)
		}
	}
	l.mu.Unlock()

	l.streaks.prune(now, maxIdle)
}

// Keys returns the number of tracked keys.
func (l *LocalLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *LocalLimiter) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.Prune(maxIdleAge)
		}
	}
}

// maxIdleAge exceeds every default policy window.
const maxIdleAge = time.Hour

// Close stops the janitor.
func (l *LocalLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

// NoopLimiter admits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Admit(_ context.Context, _ string, p Policy) (Decision, error) {
	return Decision{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests}, nil
}

func (NoopLimiter) Close() error { return nil }
