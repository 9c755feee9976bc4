package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/dlq"
)

const maxDeadLetterLimit = 1000

// DeadLetterQueue is the operator view of the dead-letter stream.
type DeadLetterQueue interface {
	Stats(ctx context.Context) map[string]interface{}
	List(ctx context.Context, limit int) ([]dlq.FailedEvent, error)
	Purge(ctx context.Context) error
}

// DeadLetterList is the body of GET /admin/dlq.
type DeadLetterList struct {
	Count  int               `json:"count"`
	Events []dlq.FailedEvent `json:"events"`
}

type DeadLetterHandler struct {
	queue  DeadLetterQueue
	logger *logging.Logger
}

// NewDeadLetterHandler creates the handler. A nil queue answers every
// request with 503.
func NewDeadLetterHandler(queue DeadLetterQueue, logger *logging.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &DeadLetterHandler{queue: queue, logger: logger}
}

// List serves GET /admin/dlq?limit=N.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := dlq.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDeadLetterLimit {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	if h.queue == nil {
		h.writeError(w, r, dlq.ErrDisabled)
		return
	}

	events, err := h.queue.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []dlq.FailedEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, DeadLetterList{Count: len(events), Events: events})
}

// Stats serves GET /admin/dlq/stats.
func (h *DeadLetterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.queue.Stats(r.Context()))
}

// Purge serves DELETE /admin/dlq.
func (h *DeadLetterHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeError(w, r, dlq.ErrDisabled)
		return
	}
	if err := h.queue.Purge(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.SecurityContext(r.Context(), "dead-letter queue purged by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeadLetterHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, dlq.ErrDisabled) {
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "dlq_disabled", "dead-letter queue is not configured")
		return
	}
	h.logger.ErrorContext(r.Context(), "dead-letter queue unavailable", logging.Error(err))
	httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "dlq_unavailable", "dead-letter queue unavailable")
}
