/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Context:    Request-scoped zap logger carrying request and user ids
  4. Logger:     One structured log line per request
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for the POS frontend

ROUTE GROUPS:
  /api/customers/*        Customers, their invoices and payments
  /api/invoices/*         Sales
  /api/credit/*           Credit reporting
  /api/reconciliation/*   Balance repair
  /healthz, /metrics      Operations

AUTHENTICATION:
  The POS shell authenticates the cashier and forwards the user id in
  X-User-ID. Every mutating route requires it; reads do not.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Identity, logging and rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	Limiter     *PaymentLimiter // nil disables payment rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestContext(h.Logger))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserIDHeader, IdempotencyHeader},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/invoices/open", h.ListOpenInvoices)
			r.Get("/{id}/payments", h.GetPaymentHistory)
			r.Get("/{id}/credit-history", h.GetCreditHistory)

			r.Group(func(r chi.Router) {
				r.Use(requireIdentity)
				r.Post("/", h.CreateCustomer)

				r.Group(func(r chi.Router) {
					r.Use(opts.Limiter.Middleware)
					r.Post("/{id}/payments", h.CreatePayment)
					r.Post("/{id}/payments/targeted", h.CreateTargetedPayment)
				})
			})
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/", h.RecordInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
		})

		// Credit reporting routes
		r.Route("/credit", func(r chi.Router) {
			r.Get("/customers", h.ListCustomersWithCredit)
			r.Get("/summary", h.GetCreditSummary)
			r.Get("/invoices", h.ListCreditInvoices)
			r.Get("/payments", h.ListCreditPayments)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/run", h.RunReconciliation)
		})
	})

	return r
}
