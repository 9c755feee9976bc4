// Package handlers translates HTTP requests into calls on the gate, the
// limiter, the dispatcher and the ledger, and their results back into
// status codes.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/dispatch"
	"github.com/ticketdesk/boxoffice/webhook/internal/gate"
	"github.com/ticketdesk/boxoffice/webhook/internal/metrics"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
	"github.com/ticketdesk/boxoffice/webhook/internal/ratelimit"
)

// DefaultMaxBodyBytes bounds a webhook body.
const DefaultMaxBodyBytes = 1 << 20

// Verifier is the gate as seen by the webhook endpoint.
type Verifier interface {
	Source(src models.Source) (gate.SourceConfig, bool)
	Verify(ctx context.Context, env *models.WebhookEnvelope) (*models.VerifiedEvent, error)
	Release(ctx context.Context, ev *models.VerifiedEvent)
}

// Dispatcher runs a verified event at most once.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.VerifiedEvent) dispatch.Result
}

// WebhookResponse is the body of an acknowledged delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Outcome  string `json:"outcome"`
}

type WebhookHandler struct {
	gate         Verifier
	limiter      ratelimit.Limiter
	policy       ratelimit.Policy
	dispatcher   Dispatcher
	maxBodyBytes int64
	logger       *logging.Logger
	now          func() time.Time
}

// NewWebhookHandler wires the webhook pipeline. policy is applied per source.
func NewWebhookHandler(g Verifier, limiter ratelimit.Limiter, policy ratelimit.Policy, d Dispatcher, maxBodyBytes int64, logger *logging.Logger) *WebhookHandler {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		gate:         g,
		limiter:      limiter,
		policy:       policy,
		dispatcher:   d,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
		now:          time.Now,
	}
}

// Handle serves POST /webhooks/{source}.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source := models.Source(r.PathValue("source"))
	receivedAt := h.now()

	status := h.handle(ctx, w, r, source, receivedAt)
	label := string(source)
	if _, ok := h.gate.Source(source); !ok {
		label = metrics.UnknownSource
	}
	metrics.WebhooksTotal.WithLabelValues(label, strconv.Itoa(status)).Inc()
}

func (h *WebhookHandler) handle(ctx context.Context, w http.ResponseWriter, r *http.Request, source models.Source, receivedAt time.Time) int {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorCode(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return http.StatusRequestEntityTooLarge
		}
		httputil.WriteErrorCode(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return http.StatusBadRequest
	}
	metrics.WebhookBytesTotal.Add(float64(len(body)))

	var signature string
	if sc, ok := h.gate.Source(source); ok && sc.Header != "" {
		signature = r.Header.Get(sc.Header)
	}
	env := models.NewEnvelope(source, body, signature, receivedAt)

	ev, err := h.gate.Verify(ctx, env)
	if err != nil {
		if rej, ok := gate.AsRejection(err); ok {
			status := rej.HTTPStatus()
			httputil.WriteErrorCode(w, status, string(rej.Reason), "webhook rejected")
			return status
		}
		h.logger.ErrorContext(ctx, "webhook verification unavailable",
			logging.Source(string(source)), logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "internal_error", "verification unavailable")
		return http.StatusInternalServerError
	}

	decision, err := h.limiter.Admit(ctx, ratelimit.SourceKey(source), h.policy)
	if err != nil {
		h.logger.ErrorContext(ctx, "rate limit policy invalid",
			logging.Policy(h.policy.Name), logging.Error(err))
	} else {
		ratelimit.SetHeaders(w, decision)
		if !decision.Allowed {
			h.gate.Release(ctx, ev)
			httputil.WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return http.StatusTooManyRequests
		}
	}

	res := h.dispatcher.Dispatch(ctx, ev)
	if !res.Outcome.Acknowledge() {
		h.gate.Release(ctx, ev)
		status := res.Outcome.HTTPStatus()
		if res.Outcome == dispatch.OutcomeInProgress {
			w.Header().Set(ratelimit.HeaderRetryAfter, strconv.Itoa(int(dispatch.InProgressRetryAfter.Seconds())))
			httputil.WriteErrorCode(w, status, "in_progress", "event is being processed by another delivery")
			return status
		}
		httputil.WriteErrorCode(w, status, "internal_error", "event processing failed")
		return status
	}

	httputil.WriteJSON(w, http.StatusOK, WebhookResponse{
		Received: true,
		EventID:  ev.EventID,
		Outcome:  string(res.Outcome),
	})
	return http.StatusOK
}
