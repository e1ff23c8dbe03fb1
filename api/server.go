/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Structured request logging (logrus)
  4. Metrics:    Prometheus latency/count by route pattern
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for web clients

ROUTE GROUPS:
  /api/workers/{workerID}/*  Worker, shift and statistics endpoints
  /api/policy                Active calculation policy
  /metrics                   Prometheus exposition
  /healthz                   Liveness and store ping

SECURITY NOTE:
  No authentication middleware. The worker id in the path is trusted;
  deploy behind a gateway that authenticates and rewrites it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/earnings-engine/logging"
	"github.com/warp/earnings-engine/metrics"
)

// RouterOptions configures the ambient middleware. Zero values disable
// request logging and metrics and allow any origin.
type RouterOptions struct {
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.Logger != nil {
		r.Use(logging.RequestLogger(opts.Logger))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/policy", h.GetPolicy)

		r.Route("/workers/{workerID}", func(r chi.Router) {
			r.Put("/", h.RegisterWorker)
			r.Get("/", h.GetWorker)
			r.Get("/report", h.GetReport)

			r.Route("/shifts", func(r chi.Router) {
				r.Post("/", h.StartShift)
				r.Get("/", h.ListShifts)
				r.Get("/open", h.GetOpenShift)

				r.Route("/{shiftID}", func(r chi.Router) {
					r.Get("/", h.GetShift)
					r.Delete("/", h.DeleteShift)
					r.Get("/breakdown", h.GetBreakdown)
					r.Get("/events/recent", h.GetRecentEvents)
					r.Post("/accruals", h.RecordAccrual)
					r.Put("/rates", h.UpdateRate)
					r.Post("/end", h.EndShift)
				})
			})
		})
	})

	return r
}
