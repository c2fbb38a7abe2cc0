package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the public, cron, and admin routes. The metrics
// registry comes from the scraper so its counters are exposed without a
// package-level default.
func NewRouter(h *Handlers, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Post("/track", h.TrackProduct)
			r.Get("/compare", h.CompareStores)
			r.Get("/{productID}", h.GetProduct)
			r.Get("/{productID}/prediction", h.GetPrediction)
			r.Get("/{productID}/seasonal", h.GetSeasonal)
		})

		r.Post("/scrape", h.Scrape)
		r.Post("/cron/update-prices", h.UpdatePrices)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/scraping-stats", h.ScrapingStats)
			r.Get("/check-proxies", h.CheckProxies)
		})
	})

	return r
}
