// Package gate authenticates inbound webhook deliveries. It checks the HMAC
// signature against the source's shared secret, enforces the timestamp
// tolerance and rejects replays of an already accepted delivery.
package gate

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

const (
	DefaultTolerance = 5 * time.Minute
	DefaultReplayTTL = 10 * time.Minute
)

// SourceConfig is the verification setup for one provider.
type SourceConfig struct {
	Secret string
	Scheme models.SignatureScheme

	// PreviousSecret is accepted alongside Secret during rotation.
	PreviousSecret string

	// Header names the HTTP header carrying the signature.
	Header string
}

func (s SourceConfig) secrets() []string {
	if s.PreviousSecret == "" {
		return []string{s.Secret}
	}
	return []string{s.Secret, s.PreviousSecret}
}

// Config configures a Gate.
type Config struct {
	Sources      map[models.Source]SourceConfig
	Tolerance    time.Duration
	ReplayTTL    time.Duration
	StoreTimeout time.Duration
}

// Gate verifies webhook envelopes. It is safe for concurrent use.
type Gate struct {
	sources      map[models.Source]SourceConfig
	tolerance    time.Duration
	replayTTL    time.Duration
	storeTimeout time.Duration
	cache        ReplayCache
	logger       *logging.Logger
	now          func() time.Time
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New builds a Gate. The replay TTL must exceed the tolerance, otherwise a
// delivery could be replayed after its replay entry expired but while its
// timestamp is still fresh.
func New(cfg Config, cache ReplayCache, logger *logging.Logger, opts ...Option) (*Gate, error) {
	if cache == nil {
		return nil, errors.New("gate: replay cache is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultReplayTTL
	}
	if cfg.ReplayTTL <= cfg.Tolerance {
		return nil, fmt.Errorf("gate: replay ttl %s must exceed tolerance %s", cfg.ReplayTTL, cfg.Tolerance)
	}

	sources := make(map[models.Source]SourceConfig, len(cfg.Sources))
	for src, sc := range cfg.Sources {
		switch sc.Scheme {
		case models.SchemeTimestamped, models.SchemeBody:
		case "":
			sc.Scheme = models.SchemeBody
		default:
			return nil, fmt.Errorf("gate: source %s has unknown signature scheme %q", src, sc.Scheme)
		}
		sources[src] = sc
	}

	g := &Gate{
		sources:      sources,
		tolerance:    cfg.Tolerance,
		replayTTL:    cfg.ReplayTTL,
		storeTimeout: cfg.StoreTimeout,
		cache:        cache,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Source returns the configuration for src.
func (g *Gate) Source(src models.Source) (SourceConfig, bool) {
	sc, ok := g.sources[src]
	return sc, ok
}

// Verify authenticates env. It returns a *Rejection for deliveries that must
// be refused, ErrReplayCacheUnavailable if the replay check could not run,
// and a VerifiedEvent otherwise. Secrets and computed signatures are never
// logged or included in errors.
func (g *Gate) Verify(ctx context.Context, env *models.WebhookEnvelope) (*models.VerifiedEvent, error) {
	ev, err := g.verify(ctx, env)
	if err != nil {
		if r, ok := AsRejection(err); ok {
			label := string(env.Source)
			if _, known := g.sources[env.Source]; !known {
				label = metrics.UnknownSource
			}
			metrics.GateRejections.WithLabelValues(label, string(r.Reason)).Inc()
			args := []any{logging.Source(string(env.Source)), logging.Reason(string(r.Reason))}
			if r.Reason == ReasonReplay || r.Reason == ReasonSignatureMismatch {
				g.logger.SecurityContext(ctx, "webhook rejected", args...)
			} else {
				g.logger.WarnContext(ctx, "webhook rejected", args...)
			}
		}
		return nil, err
	}
	return ev, nil
}

func (g *Gate) verify(ctx context.Context, env *models.WebhookEnvelope) (*models.VerifiedEvent, error) {
	sc, ok := g.sources[env.Source]
	if !ok || sc.Secret == "" {
		return nil, reject(ReasonSecretNotConfigured, string(env.Source))
	}
	if env.SignatureHeader == "" {
		return nil, ErrMissingSignature
	}

	now := g.now()
	var signedAt time.Time

	switch sc.Scheme {
	case models.SchemeTimestamped:
		hdr, err := parseTimestampedHeader(env.SignatureHeader)
		if err != nil {
			return nil, err
		}
		if !matchAny(sc.secrets(), hdr.signatures, timestampedPayload(hdr.timestamp, env.RawBody)) {
			return nil, ErrSignatureMismatch
		}
		if skew := now.Sub(hdr.timestamp); skew > g.tolerance || skew < -g.tolerance {
			return nil, reject(ReasonTimestampOutOfTolerance, fmt.Sprintf("skew %s", skew.Truncate(time.Second)))
		}
		signedAt = hdr.timestamp
	default:
		sig, err := parseBodyHeader(env.SignatureHeader)
		if err != nil {
			return nil, err
		}
		if !matchAny(sc.secrets(), [][]byte{sig}, [][]byte{env.RawBody}) {
			return nil, ErrSignatureMismatch
		}
		signedAt = env.ReceivedAt
	}

	parsed, err := parseBody(env.RawBody)
	if err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(env.SignatureHeader)
	sctx, cancel := database.StoreContext(ctx, g.storeTimeout)
	defer cancel()

	claimed, err := g.cache.Claim(sctx, replayKey(env.Source, fingerprint), g.replayTTL)
	if err != nil {
		g.logger.ErrorContext(ctx, "replay cache claim failed",
			logging.Source(string(env.Source)), logging.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrReplayCacheUnavailable, err)
	}
	if !claimed {
		return nil, ErrReplay
	}

	return toVerified(env.Source, parsed, fingerprint, signedAt), nil
}

// Release drops the replay entry for ev so that the provider's redelivery
// of the same envelope is accepted. Called when the delivery was answered
// with a retryable status.
func (g *Gate) Release(ctx context.Context, ev *models.VerifiedEvent) {
	if ev == nil {
		return
	}
	sctx, cancel := database.StoreContext(context.WithoutCancel(ctx), g.storeTimeout)
	defer cancel()

	if err := g.cache.Forget(sctx, replayKey(ev.Source, ev.Fingerprint)); err != nil {
		g.logger.WarnContext(ctx, "replay release failed",
			logging.Source(string(ev.Source)), logging.EventID(ev.EventID), logging.Error(err))
	}
}

func replayKey(src models.Source, fingerprint string) string {
	return string(src) + ":" + fingerprint
}

func matchAny(secrets []string, signatures [][]byte, payload [][]byte) bool {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		expected := computeMAC(secret, payload...)
		for _, sig := range signatures {
			if hmac.Equal(expected, sig) {
				return true
			}
		}
	}
	return false
}
