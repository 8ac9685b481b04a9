/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: Structured request logging (logrus)
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the booking frontend
  5. RequireCaller: Bearer token on everything under /api

ROUTE GROUPS:
  /healthz                                   Liveness and database ping
  /metrics                                   Prometheus scrape endpoint
  /api/tenants/{tenantID}/accounts/{accountID}/*   Balance and operations
  /api/tenants/{tenantID}/transactions       History
  /api/tenants/{tenantID}/audits             Grant audits
  /api/transactions/{id}/audit               Audit of one grant
  /api/tenants[/{tenantID}]                  Tenant settings

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig holds the settings the router needs beyond the handler.
type RouterConfig struct {
	JWTSecret   []byte
	CORSOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireCaller(cfg.JWTSecret))

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)

			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", h.GetTenant)
				r.Put("/", h.UpsertTenant)
				r.Get("/transactions", h.ListTransactions)
				r.Get("/audits", h.ListAudits)

				r.Route("/accounts/{accountID}", func(r chi.Router) {
					r.Get("/balance", h.GetBalance)
					r.Post("/grant", h.Grant)
					r.Post("/consume", h.Consume)
					r.Post("/lock", h.Lock)
					r.Post("/unlock", h.Unlock)
					r.Post("/refund", h.Refund)
					r.Post("/revoke", h.Revoke)
				})
			})
		})

		r.Get("/transactions/{id}/audit", h.GetAudit)
	})

	return r
}

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.WithFields(logrus.Fields{
					"request_id":  middleware.GetReqID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
				}).Info("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
