package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ticketdesk/boxoffice/common/httputil"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/internal/dispatch"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// Ledger is the inventory surface exposed over HTTP.
type Ledger interface {
	CheckAvailability(ctx context.Context, key inventory.ResourceKey, quantity int) (inventory.Availability, error)
	Get(ctx context.Context, key inventory.ResourceKey) (*inventory.Record, error)
	List(ctx context.Context) ([]inventory.Record, error)
	Provision(ctx context.Context, key inventory.ResourceKey, capacity, reservedOrSold int, overwriteSold bool) (*inventory.Record, error)
	Reset(ctx context.Context, key inventory.ResourceKey) error
}

// EventLookup reads processed-event records.
type EventLookup interface {
	Lookup(ctx context.Context, key models.EventKey) (*models.ProcessedEventRecord, error)
}

// RecordResponse is a ledger record with its derived availability.
type RecordResponse struct {
	inventory.Record
	Available int `json:"available"`
}

func newRecordResponse(rec inventory.Record) RecordResponse {
	return RecordResponse{Record: rec, Available: rec.Available()}
}

// ProvisionRequest is the body of PUT /admin/inventory/{resource}/{tier}.
type ProvisionRequest struct {
	TotalCapacity  int `json:"total_capacity"`
	ReservedOrSold int `json:"reserved_or_sold"`

	// OverwriteSold replaces the stored sold count instead of keeping it.
	OverwriteSold bool `json:"overwrite_sold"`
}

type InventoryHandler struct {
	ledger Ledger
	events EventLookup
	logger *logging.Logger
}

func NewInventoryHandler(ledger Ledger, events EventLookup, logger *logging.Logger) *InventoryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &InventoryHandler{ledger: ledger, events: events, logger: logger}
}

func resourceKey(r *http.Request) inventory.ResourceKey {
	return inventory.ResourceKey{ResourceID: r.PathValue("resource"), Tier: r.PathValue("tier")}
}

// Availability serves GET /api/inventory/{resource}/{tier}?quantity=N.
func (h *InventoryHandler) Availability(w http.ResponseWriter, r *http.Request) {
	quantity := 1
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil || q <= 0 {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_quantity", "quantity must be a positive integer")
			return
		}
		quantity = q
	}

	avail, err := h.ledger.CheckAvailability(r.Context(), resourceKey(r), quantity)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, avail)
}

// List serves GET /admin/inventory.
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.List(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newRecordResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"inventory": out})
}

// Show serves GET /admin/inventory/{resource}/{tier}.
func (h *InventoryHandler) Show(w http.ResponseWriter, r *http.Request) {
	key := resourceKey(r)
	if err := key.Validate(); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_resource", err.Error())
		return
	}
	rec, err := h.ledger.Get(r.Context(), key)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newRecordResponse(*rec))
}

// Provision serves PUT /admin/inventory/{resource}/{tier}.
func (h *InventoryHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	rec, err := h.ledger.Provision(r.Context(), resourceKey(r), req.TotalCapacity, req.ReservedOrSold, req.OverwriteSold)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newRecordResponse(*rec))
}

// Reset serves DELETE /admin/inventory/{resource}/{tier}.
func (h *InventoryHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Reset(r.Context(), resourceKey(r)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Event serves GET /admin/events/{source}/{eventId}.
func (h *InventoryHandler) Event(w http.ResponseWriter, r *http.Request) {
	key := models.EventKey{Source: models.Source(r.PathValue("source")), EventID: r.PathValue("eventId")}
	rec, err := h.events.Lookup(r.Context(), key)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "event has not been processed")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "event lookup failed",
			logging.Source(string(key.Source)), logging.EventID(key.EventID), logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "store_unavailable", "processed-event store unavailable")
	default:
		httputil.WriteJSON(w, http.StatusOK, rec)
	}
}

func (h *InventoryHandler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, inventory.ErrUnknownResource):
		httputil.WriteErrorCode(w, http.StatusNotFound, "unknown_resource", "unknown inventory resource")
	case errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, inventory.ErrInvalidCapacity):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, inventory.ErrCapacityBelowSold):
		httputil.WriteErrorCode(w, http.StatusConflict, "capacity_below_sold", err.Error())
	case errors.Is(err, inventory.ErrStoreUnavailable):
		h.logger.ErrorContext(r.Context(), "inventory request failed", logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "store_unavailable", "inventory store unavailable")
	default:
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_resource", err.Error())
	}
}
