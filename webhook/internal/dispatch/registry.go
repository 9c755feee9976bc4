package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// Handler processes verified events of the types it declares.
type Handler interface {
	EventTypes() []string
	FailurePolicy() FailurePolicy
	Handle(ctx context.Context, ev *models.VerifiedEvent) error
}

// Registry maps event types to handlers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry registers handlers. Two handlers claiming the same event type
// is a configuration error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("nil handler")
		}
		types := h.EventTypes()
		if len(types) == 0 {
			return nil, fmt.Errorf("handler %T declares no event types", h)
		}
		for _, t := range types {
			if existing, ok := r.handlers[t]; ok {
				return nil, fmt.Errorf("event type %q registered by both %T and %T", t, existing, h)
			}
			r.handlers[t] = h
		}
	}
	return r, nil
}

// Lookup returns the handler for eventType.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes lists every registered type in sorted order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
