package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/common/middleware"
	"github.com/ticketdesk/boxoffice/webhook/internal/adminauth"
	"github.com/ticketdesk/boxoffice/webhook/internal/handlers"
	"github.com/ticketdesk/boxoffice/webhook/internal/ratelimit"
)

// Routes collects what NewRouter mounts.
type Routes struct {
	Webhooks  *handlers.WebhookHandler
	Inventory *handlers.InventoryHandler
	Health    *handlers.HealthHandler

	// DeadLetters serves /admin/dlq. Nil answers those routes with 503.
	DeadLetters *handlers.DeadLetterHandler

	Limiter    ratelimit.Limiter
	Policies   ratelimit.Policies
	TrustProxy bool

	// CORS applies to the storefront availability route when enabled.
	CORS middleware.CORSConfig

	// Tokens guards /admin. A nil Tokens disables the admin routes.
	Tokens *adminauth.Tokens

	Logger *logging.Logger
}

// NewRouter constructs a ServeMux with the webhook, inventory and admin
// routes registered.
func NewRouter(rt Routes) http.Handler {
	limiter := rt.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	policies := rt.Policies
	if policies == nil {
		policies = ratelimit.DefaultPolicies()
	}
	deadLetters := rt.DeadLetters
	if deadLetters == nil {
		deadLetters = handlers.NewDeadLetterHandler(nil, rt.Logger)
	}
	keyFn := ratelimit.ClientRouteKey(rt.TrustProxy)

	limited := func(policy string, h http.HandlerFunc) http.Handler {
		return ratelimit.Middleware(limiter, policies.Get(policy), keyFn, rt.Logger)(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		guarded := adminauth.RequireRole(rt.Tokens, adminauth.RoleAdmin, rt.Logger)(h)
		return ratelimit.Middleware(limiter, policies.Get(ratelimit.PolicyAdmin), keyFn, rt.Logger)(guarded)
	}

	mux := http.NewServeMux()

	// Provider webhooks; limited per source inside the handler, after the gate
	mux.HandleFunc("POST /webhooks/{source}", rt.Webhooks.Handle)

	// Storefront pre-flight
	availability := limited(ratelimit.PolicyCheckout, rt.Inventory.Availability)
	if rt.CORS.Enabled() {
		cors := middleware.CORS(rt.CORS)
		availability = cors(availability)
		mux.Handle("OPTIONS /api/inventory/{resource}/{tier}", cors(http.NotFoundHandler()))
	}
	mux.Handle("GET /api/inventory/{resource}/{tier}", availability)

	// Operator endpoints
	mux.Handle("GET /admin/inventory", admin(rt.Inventory.List))
	mux.Handle("GET /admin/inventory/{resource}/{tier}", admin(rt.Inventory.Show))
	mux.Handle("PUT /admin/inventory/{resource}/{tier}", admin(rt.Inventory.Provision))
	mux.Handle("DELETE /admin/inventory/{resource}/{tier}", admin(rt.Inventory.Reset))
	mux.Handle("GET /admin/events/{source}/{eventId}", admin(rt.Inventory.Event))
	mux.Handle("GET /admin/dlq", admin(deadLetters.List))
	mux.Handle("GET /admin/dlq/stats", admin(deadLetters.Stats))
	mux.Handle("DELETE /admin/dlq", admin(deadLetters.Purge))

	// Health endpoints
	mux.HandleFunc("GET /healthz", rt.Health.Health)
	mux.HandleFunc("GET /readyz", rt.Health.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
