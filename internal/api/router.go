package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/animo/animo-mediator/internal/api/middleware"
	"github.com/animo/animo-mediator/internal/handlers"
	"github.com/animo/animo-mediator/internal/pickup"
	"github.com/animo/animo-mediator/internal/store"
)

// NewRouter creates the ops-facing HTTP router: health, stats and metrics.
// Message traffic itself never passes through here; it rides the DIDComm
// transports owned by the engine.
func NewRouter(logger zerolog.Logger, st store.Store, registry *pickup.SessionRegistry, instanceID string) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - dashboards and wallet diagnostics call from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(st, registry, instanceID)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/stats/queue/{connectionId}", h.QueueStats)

	return r
}
