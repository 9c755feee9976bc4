// Package ratelimit bounds request rates per identity key with a sliding
// window. The shared implementation keeps the window in Redis; the local one
// is a single-instance fallback chosen at startup.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
)

// Policy is one row of the per-route budget table.
type Policy struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests"`
}

// Validate reports whether the policy can be enforced.
func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive", p.Name)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy %s: max_requests must be positive", p.Name)
	}
	return nil
}

// Well-known policy names.
const (
	PolicyGeneral  = "general"
	PolicyAuth     = "auth"
	PolicyCheckout = "checkout"
	PolicyWebhooks = "webhooks"
	PolicyAdmin    = "admin"
)

// Policies maps a policy name to its budget.
type Policies map[string]Policy

// DefaultPolicies returns the built-in budget table.
func DefaultPolicies() Policies {
	return Policies{
		PolicyGeneral:  {Name: PolicyGeneral, Window: time.Minute, MaxRequests: 100},
		PolicyAuth:     {Name: PolicyAuth, Window: 15 * time.Minute, MaxRequests: 5},
		PolicyCheckout: {Name: PolicyCheckout, Window: time.Minute, MaxRequests: 10},
		PolicyWebhooks: {Name: PolicyWebhooks, Window: time.Minute, MaxRequests: 300},
		PolicyAdmin:    {Name: PolicyAdmin, Window: time.Minute, MaxRequests: 30},
	}
}

// Get returns the named policy, falling back to general.
func (ps Policies) Get(name string) Policy {
	if p, ok := ps[name]; ok {
		return p
	}
	if p, ok := ps[PolicyGeneral]; ok {
		return p
	}
	return DefaultPolicies()[PolicyGeneral]
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration

	// Degraded is set when the shared store could not be consulted and the
	// request was admitted anyway.
	Degraded bool
}

// Limiter admits or refuses a request for key under policy p. Store
// failures do not surface as errors: the limiter fails open. An error is
// returned only for an unusable policy.
type Limiter interface {
	Admit(ctx context.Context, key string, p Policy) (Decision, error)
	Close() error
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now                func() time.Time
	logger             *logging.Logger
	storeTimeout       time.Duration
	sustainedThreshold int
}

func defaultOptions() options {
	return options{
		now:                time.Now,
		logger:             logging.Default(),
		storeTimeout:       250 * time.Millisecond,
		sustainedThreshold: 50,
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStoreTimeout bounds each call to the backing store.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// WithSustainedThreshold sets how many rejections of one key within a window
// are logged as a security event.
func WithSustainedThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sustainedThreshold = n
		}
	}
}

func decide(count int64, oldest time.Time, p Policy) Decision {
	d := Decision{
		Allowed: count <= int64(p.MaxRequests),
		Limit:   p.MaxRequests,
		ResetAt: oldest.Add(p.Window),
	}
	if rem := int64(p.MaxRequests) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	return d
}

func withRetryAfter(d Decision, now time.Time) Decision {
	if d.Allowed {
		return d
	}
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	d.RetryAfter = wait.Round(time.Second)
	return d
}

// streakTracker notices keys that keep getting refused.
type streakTracker struct {
	mu        sync.Mutex
	threshold int
	streaks   map[string]*streak
}

type streak struct {
	started time.Time
	count   int
	warned  bool
}

func newStreakTracker(threshold int) *streakTracker {
	return &streakTracker{threshold: threshold, streaks: make(map[string]*streak)}
}

// rejected records a refusal and reports whether the streak just crossed the
// threshold.
func (s *streakTracker) rejected(key string, window time.Duration, now time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streaks[key]
	if !ok || now.Sub(st.started) > window {
		st = &streak{started: now}
		s.streaks[key] = st
	}
	st.count++
	if st.count >= s.threshold && !st.warned {
		st.warned = true
		return st.count, true
	}
	return st.count, false
}

func (s *streakTracker) prune(now time.Time, maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range s.streaks {
		if now.Sub(st.started) > maxAge {
			delete(s.streaks, k)
		}
	}
}

// observe logs and counts a decision.
func observe(ctx context.Context, o *options, streaks *streakTracker, key string, p Policy, d Decision) {
	if d.Allowed {
		return
	}
	metrics.RateLimitHits.WithLabelValues(p.Name).Inc()
	o.logger.DebugContext(ctx, "rate limited",
		logging.Key(key), logging.Policy(p.Name), "retry_after", d.RetryAfter.String())

	if n, crossed := streaks.rejected(key, p.Window, o.now()); crossed {
		o.logger.SecurityContext(ctx, "sustained rate limit rejections",
			logging.Key(key), logging.Policy(p.Name), "rejections", n)
	}
}
